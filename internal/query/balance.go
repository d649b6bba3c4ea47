package query

import (
	"PerpVault/internal/ledger"

	"github.com/google/uuid"
)

// walletPath is the projected balance key of a custody wallet. It must
// match the journal's account path.
func walletPath(account uuid.UUID, asset string) (string, uint16, bool) {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return "", 0, false
	}
	return ledger.NewWalletKey(account, id).AccountPath(), uint16(id), true
}
