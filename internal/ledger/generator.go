package ledger

import (
	"time"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for custody transfers
type JournalGenerator struct {
	sequence int64
	assetID  AssetID
}

func NewJournalGenerator(startSequence int64, assetID AssetID) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		assetID:  assetID,
	}
}

// Sequence returns the next batch sequence
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// GenerateFund moves funds: external:deposits → user:wallet
func (jg *JournalGenerator) GenerateFund(ref string, userID uuid.UUID, amount int64, ts time.Time) *Batch {
	return jg.single(ref, ts, NewWalletKey(userID, jg.assetID), NewExternalAccountKey(SubTypeExternalDeposits, jg.assetID), amount, JournalTypeWalletFund)
}

// GenerateCustodyIn moves funds: user:wallet → system:pool
func (jg *JournalGenerator) GenerateCustodyIn(ref string, payer uuid.UUID, amount int64, ts time.Time) *Batch {
	return jg.single(ref, ts, NewPoolKey(jg.assetID), NewWalletKey(payer, jg.assetID), amount, JournalTypeCustodyIn)
}

// GenerateCustodyOut moves funds: system:pool → user:wallet
func (jg *JournalGenerator) GenerateCustodyOut(ref string, payee uuid.UUID, amount int64, ts time.Time) *Batch {
	return jg.single(ref, ts, NewWalletKey(payee, jg.assetID), NewPoolKey(jg.assetID), amount, JournalTypeCustodyOut)
}

func (jg *JournalGenerator) single(ref string, ts time.Time, debit, credit AccountKey, amount int64, jt JournalType) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: ts.UnixMicro(),
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       jg.assetID,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     ts.UnixMicro(),
		}},
	}

	jg.sequence++
	return batch
}
