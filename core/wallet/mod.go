// Package wallet defines the local store of the objects the client engine
// reads and updates: accounts, their inbox and outbox, the box receipts, the
// contracts and the notices delivered through the nymbox.
//
// The wallet is shared by every pair of the engine and synchronizes itself.
// Callers re-read objects after a suspension point instead of caching them.
package wallet

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when an object is not in the wallet.
var ErrNotFound = xerrors.New("not found")

// Wallet is the local store of the client.
type Wallet interface {
	// Account returns the account with the identifier.
	Account(id identifier.Account) (ledger.Account, error)

	// UpdateAccount applies the function to the account and stores the result
	// atomically. Nothing is stored if the function returns an error.
	UpdateAccount(id identifier.Account, fn func(*ledger.Account) error) error

	// ImportAccount stores an account created by a notary.
	ImportAccount(account ledger.Account) error

	// Accounts returns the accounts of the nym on the notary.
	Accounts(pair identifier.Pair) ([]identifier.Account, error)

	// Ledger returns the box of the account.
	Ledger(account identifier.Account, box ledger.Box) (*ledger.Ledger, error)

	// SaveLedger stores the box.
	SaveLedger(l *ledger.Ledger) error

	// BoxReceipt returns the receipt behind an entry of a box.
	BoxReceipt(account identifier.Account, box ledger.Box, number uint64) (ledger.Receipt, error)

	// SaveBoxReceipt stores the receipt.
	SaveBoxReceipt(receipt ledger.Receipt) error

	// NymRevision returns the revision of the credentials of the nym.
	NymRevision(nym identifier.Nym) (uint64, error)

	// SetNymRevision records a new revision of the credentials of the nym.
	SetNymRevision(nym identifier.Nym, revision uint64) error

	// Missing returns the contracts of the kind that were referenced but are
	// not in the wallet.
	Missing(kind message.ContractKind) ([]string, error)

	// AddMissing flags the contract as missing.
	AddMissing(kind message.ContractKind, id string) error

	// Contract returns the contract.
	Contract(kind message.ContractKind, id string) (message.Contract, error)

	// SaveContract stores the contract and removes it from the missing list.
	SaveContract(contract message.Contract) error

	// StoreNotice stores a notice delivered to the nym. Storing the same notice
	// twice has no effect.
	StoreNotice(pair identifier.Pair, notice ledger.Notice) error

	// Notices returns the notices delivered to the nym by the notary.
	Notices(pair identifier.Pair) ([]ledger.Notice, error)
}
