// Package ledger defines the account state a notary keeps for a nym: the
// account itself, its inbox and outbox, the box receipts behind the entries,
// and the nymbox.
//
// The client holds copies of these objects. Their hashes are compared with
// the hashes the notary advertises to detect that a copy is stale.
package ledger

import (
	"bytes"

	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
)

var hashFactory = crypto.NewHashFactory(crypto.Sha3_256)

// Account is an asset account held by a notary.
type Account struct {
	ID         identifier.Account
	Nym        identifier.Nym
	Notary     identifier.Notary
	Unit       identifier.Unit
	Balance    int64
	InboxHash  []byte
	OutboxHash []byte
}

// Box is the kind of ledger of an account.
type Box byte

const (
	// Inbox holds the entries waiting for the account owner.
	Inbox Box = iota + 1
	// Outbox holds the entries waiting for a counterparty.
	Outbox
)

func (b Box) String() string {
	switch b {
	case Inbox:
		return "inbox"
	case Outbox:
		return "outbox"
	default:
		return "box"
	}
}

// EntryType is the kind of an entry of a box.
type EntryType byte

const (
	// UnknownEntry is an entry the client does not know how to process.
	UnknownEntry EntryType = iota
	// Pending is an incoming transfer that must be accepted to be credited.
	Pending
	// ChequeReceipt notifies that a cheque drawn on the account was
	// deposited.
	ChequeReceipt
	// TransferReceipt notifies that the recipient accepted a transfer.
	TransferReceipt
	// DepositReceipt notifies that a deposit cleared.
	DepositReceipt
)

func (t EntryType) String() string {
	switch t {
	case Pending:
		return "pending"
	case ChequeReceipt:
		return "chequeReceipt"
	case TransferReceipt:
		return "transferReceipt"
	case DepositReceipt:
		return "depositReceipt"
	default:
		return "unknown"
	}
}

// Entry is the abbreviated form of a receipt in a box.
type Entry struct {
	Type EntryType
	// Number is the transaction number of the receipt.
	Number uint64
	// InReferenceTo is the number of the transaction that caused it.
	InReferenceTo uint64
	From          identifier.Account
	Amount        int64
}

// Effect returns how accepting the entry changes the balance of the account.
// Receipts only close numbers as the notary already applied them.
func (e Entry) Effect() int64 {
	if e.Type == Pending {
		return e.Amount
	}

	return 0
}

// Ledger is a box of an account.
type Ledger struct {
	Account identifier.Account
	Box     Box
	Entries []Entry
}

// New returns an empty ledger.
func New(account identifier.Account, box Box) *Ledger {
	return &Ledger{Account: account, Box: box}
}

// Hash returns the consensus hash of the ledger.
func (l *Ledger) Hash() []byte {
	canonical := *l
	if len(canonical.Entries) == 0 {
		canonical.Entries = nil
	}

	digest, err := encoding.Fingerprint(hashFactory, canonical)
	if err != nil {
		// A ledger is only made of encodable types.
		panic(err)
	}

	return digest
}

// Matches returns true if the ledger has the expected hash.
func (l *Ledger) Matches(hash []byte) bool {
	return bytes.Equal(l.Hash(), hash)
}

// Get returns the entry with the number.
func (l *Ledger) Get(number uint64) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Number == number {
			return e, true
		}
	}

	return Entry{}, false
}

// Remove removes the entries with the numbers and returns how many were
// removed.
func (l *Ledger) Remove(numbers ...uint64) int {
	set := make(map[uint64]struct{}, len(numbers))
	for _, n := range numbers {
		set[n] = struct{}{}
	}

	kept := l.Entries[:0]
	for _, e := range l.Entries {
		if _, found := set[e.Number]; !found {
			kept = append(kept, e)
		}
	}

	removed := len(l.Entries) - len(kept)
	if len(kept) == 0 {
		kept = nil
	}

	l.Entries = kept

	return removed
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	clone := &Ledger{
		Account: l.Account,
		Box:     l.Box,
	}

	if l.Entries != nil {
		clone.Entries = append([]Entry(nil), l.Entries...)
	}

	return clone
}

// Receipt is the full record behind an entry of a box.
type Receipt struct {
	Account identifier.Account
	Box     Box
	Entry   Entry
	Memo    string
	// Transaction is the encoded transaction that caused the receipt.
	Transaction []byte
}
