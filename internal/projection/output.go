package projection

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"time"
)

// ProjectionOutput is one sealed event as the read model sees it.
type ProjectionOutput struct {
	Sequence       int64
	EventType      event.EventType
	Event          event.Event
	JournalEntries []JournalEntry
	Timestamp      time.Time
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
}

// FromCoreOutput converts a live venue output.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType,
		Event:     out.Event,
		Timestamp: out.Envelope.Timestamp,
	}
	for _, b := range out.Batches {
		for _, j := range b.Journals {
			po.JournalEntries = append(po.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
			})
		}
	}
	return po
}

// FromEnvelope decodes a logged envelope. Journals are not carried in the
// envelope; callers attach them.
func FromEnvelope(env *event.Envelope) (ProjectionOutput, error) {
	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return ProjectionOutput{}, err
	}
	return ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType,
		Event:     evt,
		Timestamp: env.Timestamp,
	}, nil
}
