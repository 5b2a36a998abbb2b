// Package txn defines the transactions a nym submits to a notary.
//
// A transaction is identified by the transaction number it consumes. The
// number is issued by the notary beforehand and can be used only once, which
// protects the transaction against replay. Every transaction carries a balance
// statement: the balance the client expects once the items are applied, so
// that the notary detects any drift between both views of the account.
package txn

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"golang.org/x/xerrors"
)

var hashFactory = crypto.NewHashFactory(crypto.Sha256)

// ItemType is the kind of operation an item requests.
type ItemType byte

const (
	// Transfer moves the amount to the target account.
	Transfer ItemType = iota + 1
	// DepositCheque credits the account with a cheque drawn by another nym.
	DepositCheque
	// DepositCash credits the account with cash tokens.
	DepositCash
	// WithdrawCash debits the account for cash tokens.
	WithdrawCash
	// WithdrawVoucher debits the account for a voucher issued by the notary.
	WithdrawVoucher
	// AcceptPending accepts an incoming transfer of the inbox.
	AcceptPending
	// AcceptReceipt accepts a receipt of the inbox and closes its number.
	AcceptReceipt
)

func (t ItemType) String() string {
	switch t {
	case Transfer:
		return "transfer"
	case DepositCheque:
		return "depositCheque"
	case DepositCash:
		return "deposit"
	case WithdrawCash:
		return "withdrawal"
	case WithdrawVoucher:
		return "withdrawVoucher"
	case AcceptPending:
		return "acceptPending"
	case AcceptReceipt:
		return "acceptReceipt"
	default:
		return "unknown"
	}
}

// Item is a single instruction of a transaction.
type Item struct {
	Type ItemType
	// Number is the inbox entry an accept item refers to.
	Number uint64
	Target string
	Amount int64
	Memo   string
}

// Delta returns how the item changes the balance of the account.
func (i Item) Delta() int64 {
	switch i.Type {
	case Transfer, WithdrawCash, WithdrawVoucher:
		return -i.Amount
	case DepositCheque, DepositCash, AcceptPending:
		return i.Amount
	default:
		return 0
	}
}

// BalanceStatement is the balance agreement attached to a transaction.
type BalanceStatement struct {
	Account identifier.Account
	// Balance is the balance expected after the transaction.
	Balance int64
	// Issued is the list of numbers the nym still has open, the numbers of
	// the transaction included.
	Issued     []uint64
	InboxHash  []byte
	OutboxHash []byte
}

// Transaction is a signed set of items applied atomically to an account.
type Transaction struct {
	// Number is the transaction number consumed by the transaction. Extra
	// numbers are consumed by items that need their own, like a voucher.
	Number  uint64
	Extra   []uint64
	Nym     identifier.Nym
	Notary  identifier.Notary
	Account identifier.Account
	Items   []Item
	Balance BalanceStatement

	PublicKey []byte
	Signature []byte
}

// Option is the type of options to create a transaction.
type Option func(*Transaction)

// WithItem is an option to append an item to the transaction.
func WithItem(item Item) Option {
	return func(tx *Transaction) {
		tx.Items = append(tx.Items, item)
	}
}

// WithExtraNumbers is an option to consume more than one number.
func WithExtraNumbers(numbers ...uint64) Option {
	return func(tx *Transaction) {
		tx.Extra = append(tx.Extra, numbers...)
	}
}

// WithBalance is an option to attach the balance statement.
func WithBalance(stmt BalanceStatement) Option {
	return func(tx *Transaction) {
		tx.Balance = stmt
	}
}

// NewTransaction creates a new transaction for the account with the provided
// number.
func NewTransaction(number uint64, pair identifier.Pair, account identifier.Account,
	opts ...Option) (*Transaction, error) {

	if number == 0 {
		return nil, xerrors.New("transaction number is missing")
	}

	tx := &Transaction{
		Number:  number,
		Nym:     pair.Nym,
		Notary:  pair.Notary,
		Account: account,
	}

	for _, opt := range opts {
		opt(tx)
	}

	if len(tx.Items) == 0 {
		return nil, xerrors.New("transaction has no item")
	}

	return tx, nil
}

// Numbers returns every transaction number consumed by the transaction.
func (tx *Transaction) Numbers() []uint64 {
	return append([]uint64{tx.Number}, tx.Extra...)
}

// Delta returns the net effect of the items on the balance.
func (tx *Transaction) Delta() int64 {
	var delta int64
	for _, item := range tx.Items {
		delta += item.Delta()
	}

	return delta
}

// Fingerprint returns the digest of the transaction without its signature.
func (tx *Transaction) Fingerprint() ([]byte, error) {
	unsigned := *tx
	unsigned.Signature = nil

	return encoding.Fingerprint(hashFactory, unsigned)
}

// Sign signs the transaction and stores the signature.
func (tx *Transaction) Sign(signer crypto.Signer) error {
	if tx.Balance.Account != tx.Account {
		return xerrors.New("balance statement is missing")
	}

	pubkey, err := signer.GetPublicKey().MarshalBinary()
	if err != nil {
		return xerrors.Errorf("failed to marshal public key: %v", err)
	}

	tx.PublicKey = pubkey

	digest, err := tx.Fingerprint()
	if err != nil {
		return xerrors.Errorf("couldn't fingerprint tx: %v", err)
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return xerrors.Errorf("signer: %v", err)
	}

	tx.Signature, err = sig.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("failed to marshal signature: %v", err)
	}

	return nil
}

// Verify checks the signature of the transaction.
func (tx *Transaction) Verify(scheme crypto.Scheme) error {
	pubkey, err := scheme.GetPublicKeyFactory().FromBytes(tx.PublicKey)
	if err != nil {
		return xerrors.Errorf("invalid public key: %v", err)
	}

	sig, err := scheme.GetSignatureFactory().SignatureOf(tx.Signature)
	if err != nil {
		return xerrors.Errorf("invalid signature: %v", err)
	}

	digest, err := tx.Fingerprint()
	if err != nil {
		return xerrors.Errorf("couldn't fingerprint tx: %v", err)
	}

	err = pubkey.Verify(digest, sig)
	if err != nil {
		return xerrors.Errorf("invalid signature: %v", err)
	}

	return nil
}

// ItemResult is the verdict of the notary on one item.
type ItemResult struct {
	Type    ItemType
	Number  uint64
	Success bool
	Note    string
}

// Response is the ledger a notary returns for a notarized transaction.
type Response struct {
	Number uint64
	// Balance is the verdict on the balance statement.
	Balance ItemResult
	Items   []ItemResult
	// Created is the account created by the request, if any.
	Created identifier.Account
}

// Success returns true when the balance statement and every item were
// accepted.
func (r Response) Success() bool {
	if !r.Balance.Success || len(r.Items) == 0 {
		return false
	}

	for _, item := range r.Items {
		if !item.Success {
			return false
		}
	}

	return true
}

// Failure returns the note of the first rejected element, or an empty string.
func (r Response) Failure() string {
	if !r.Balance.Success {
		return "balance statement: " + r.Balance.Note
	}

	for _, item := range r.Items {
		if !item.Success {
			return item.Type.String() + ": " + item.Note
		}
	}

	return ""
}
