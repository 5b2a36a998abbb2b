package wallet

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"golang.org/x/xerrors"
)

var (
	accountsBucket  = []byte("accounts")
	ledgersBucket   = []byte("ledgers")
	receiptsBucket  = []byte("receipts")
	nymsBucket      = []byte("nyms")
	missingBucket   = []byte("missing")
	contractsBucket = []byte("contracts")
	noticesBucket   = []byte("notices")
)

const defaultCacheSize = 256

// DiskWallet is a wallet persisted in a key/value database. The box receipts
// are immutable once stored, which is why the most recent ones are kept in a
// cache.
//
// - implements wallet.Wallet
type DiskWallet struct {
	db       kv.DB
	receipts *lru.Cache
}

// Option is the type of option to create a disk wallet.
type Option func(*walletTemplate)

type walletTemplate struct {
	cacheSize int
}

// WithCacheSize is an option to set the number of box receipts kept in
// memory.
func WithCacheSize(size int) Option {
	return func(tmpl *walletTemplate) {
		tmpl.cacheSize = size
	}
}

// NewDiskWallet creates a wallet on top of the database.
func NewDiskWallet(db kv.DB, opts ...Option) (*DiskWallet, error) {
	tmpl := walletTemplate{cacheSize: defaultCacheSize}

	for _, opt := range opts {
		opt(&tmpl)
	}

	cache, err := lru.New(tmpl.cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("failed to create cache: %v", err)
	}

	buckets := [][]byte{accountsBucket, ledgersBucket, receiptsBucket, nymsBucket,
		missingBucket, contractsBucket, noticesBucket}

	for _, name := range buckets {
		err = db.Update(name, func(kv.Bucket) error { return nil })
		if err != nil {
			return nil, xerrors.Errorf("failed to create bucket '%s': %v", name, err)
		}
	}

	w := &DiskWallet{
		db:       db,
		receipts: cache,
	}

	return w, nil
}

// Account implements wallet.Wallet.
func (w *DiskWallet) Account(id identifier.Account) (ledger.Account, error) {
	acct := ledger.Account{}

	err := w.read(accountsBucket, []byte(id), &acct)
	if err != nil {
		return acct, xerrors.Errorf("account '%s': %w", id, err)
	}

	return acct, nil
}

// UpdateAccount implements wallet.Wallet.
func (w *DiskWallet) UpdateAccount(id identifier.Account, fn func(*ledger.Account) error) error {
	return w.db.Update(accountsBucket, func(b kv.Bucket) error {
		data := b.Get([]byte(id))
		if data == nil {
			return xerrors.Errorf("account '%s': %w", id, ErrNotFound)
		}

		acct := ledger.Account{}

		err := encoding.Unmarshal(data, &acct)
		if err != nil {
			return xerrors.Errorf("account '%s': %v", id, err)
		}

		err = fn(&acct)
		if err != nil {
			return err
		}

		data, err = encoding.Marshal(acct)
		if err != nil {
			return xerrors.Errorf("account '%s': %v", id, err)
		}

		return b.Set([]byte(id), data)
	})
}

// ImportAccount implements wallet.Wallet.
func (w *DiskWallet) ImportAccount(acct ledger.Account) error {
	if acct.ID.Empty() {
		return xerrors.New("account identifier is missing")
	}

	return w.write(accountsBucket, []byte(acct.ID), acct)
}

// Accounts implements wallet.Wallet.
func (w *DiskWallet) Accounts(pair identifier.Pair) ([]identifier.Account, error) {
	ids := make([]identifier.Account, 0)

	err := w.db.View(accountsBucket, func(b kv.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			acct := ledger.Account{}

			err := encoding.Unmarshal(v, &acct)
			if err != nil {
				return xerrors.Errorf("account '%s': %v", k, err)
			}

			if acct.Nym == pair.Nym && acct.Notary == pair.Notary {
				ids = append(ids, acct.ID)
			}

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read accounts: %v", err)
	}

	return ids, nil
}

// Ledger implements wallet.Wallet.
func (w *DiskWallet) Ledger(account identifier.Account, box ledger.Box) (*ledger.Ledger, error) {
	l := new(ledger.Ledger)

	err := w.read(ledgersBucket, ledgerKey(account, box), l)
	if err != nil {
		return nil, xerrors.Errorf("%v of '%s': %w", box, account, err)
	}

	return l, nil
}

// SaveLedger implements wallet.Wallet.
func (w *DiskWallet) SaveLedger(l *ledger.Ledger) error {
	return w.write(ledgersBucket, ledgerKey(l.Account, l.Box), l)
}

// BoxReceipt implements wallet.Wallet.
func (w *DiskWallet) BoxReceipt(account identifier.Account, box ledger.Box,
	number uint64) (ledger.Receipt, error) {

	key := receiptKey(account, box, number)

	cached, found := w.receipts.Get(string(key))
	if found {
		return cached.(ledger.Receipt), nil
	}

	receipt := ledger.Receipt{}

	err := w.read(receiptsBucket, key, &receipt)
	if err != nil {
		return receipt, xerrors.Errorf("receipt %d: %w", number, err)
	}

	w.receipts.Add(string(key), receipt)

	return receipt, nil
}

// SaveBoxReceipt implements wallet.Wallet.
func (w *DiskWallet) SaveBoxReceipt(receipt ledger.Receipt) error {
	key := receiptKey(receipt.Account, receipt.Box, receipt.Entry.Number)

	err := w.write(receiptsBucket, key, receipt)
	if err != nil {
		return err
	}

	w.receipts.Add(string(key), receipt)

	return nil
}

// NymRevision implements wallet.Wallet. It returns 0 for an unknown nym.
func (w *DiskWallet) NymRevision(nym identifier.Nym) (uint64, error) {
	var revision uint64

	err := w.db.View(nymsBucket, func(b kv.Bucket) error {
		data := b.Get([]byte(nym))
		if len(data) == 8 {
			revision = binary.BigEndian.Uint64(data)
		}

		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to read revision: %v", err)
	}

	return revision, nil
}

// SetNymRevision implements wallet.Wallet.
func (w *DiskWallet) SetNymRevision(nym identifier.Nym, revision uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, revision)

	return w.db.Update(nymsBucket, func(b kv.Bucket) error {
		return b.Set([]byte(nym), data)
	})
}

// Missing implements wallet.Wallet.
func (w *DiskWallet) Missing(kind message.ContractKind) ([]string, error) {
	ids := make([]string, 0)

	err := w.db.View(missingBucket, func(b kv.Bucket) error {
		return b.Scan([]byte{byte(kind)}, func(k, v []byte) error {
			ids = append(ids, string(k[1:]))
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read missing list: %v", err)
	}

	return ids, nil
}

// AddMissing implements wallet.Wallet. A contract already in the wallet is
// never flagged.
func (w *DiskWallet) AddMissing(kind message.ContractKind, id string) error {
	_, err := w.Contract(kind, id)
	if err == nil {
		return nil
	}

	return w.db.Update(missingBucket, func(b kv.Bucket) error {
		return b.Set(contractKey(kind, id), []byte{})
	})
}

// Contract implements wallet.Wallet.
func (w *DiskWallet) Contract(kind message.ContractKind, id string) (message.Contract, error) {
	contract := message.Contract{}

	err := w.read(contractsBucket, contractKey(kind, id), &contract)
	if err != nil {
		return contract, xerrors.Errorf("%v contract '%s': %w", kind, id, err)
	}

	return contract, nil
}

// SaveContract implements wallet.Wallet.
func (w *DiskWallet) SaveContract(contract message.Contract) error {
	key := contractKey(contract.Kind, contract.ID)

	err := w.write(contractsBucket, key, contract)
	if err != nil {
		return err
	}

	return w.db.Update(missingBucket, func(b kv.Bucket) error {
		return b.Delete(key)
	})
}

// StoreNotice implements wallet.Wallet.
func (w *DiskWallet) StoreNotice(pair identifier.Pair, notice ledger.Notice) error {
	return w.write(noticesBucket, noticeKey(pair, notice.ID), notice)
}

// Notices implements wallet.Wallet.
func (w *DiskWallet) Notices(pair identifier.Pair) ([]ledger.Notice, error) {
	notices := make([]ledger.Notice, 0)

	prefix := append(pair.Key(), '/')

	err := w.db.View(noticesBucket, func(b kv.Bucket) error {
		return b.Scan(prefix, func(k, v []byte) error {
			notice := ledger.Notice{}

			err := encoding.Unmarshal(v, &notice)
			if err != nil {
				return err
			}

			notices = append(notices, notice)

			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read notices: %v", err)
	}

	return notices, nil
}

func (w *DiskWallet) read(bucket, key []byte, v interface{}) error {
	return w.db.View(bucket, func(b kv.Bucket) error {
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		return encoding.Unmarshal(data, v)
	})
}

func (w *DiskWallet) write(bucket, key []byte, v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return xerrors.Errorf("couldn't encode: %v", err)
	}

	err = w.db.Update(bucket, func(b kv.Bucket) error {
		return b.Set(key, data)
	})
	if err != nil {
		return xerrors.Errorf("couldn't store: %v", err)
	}

	return nil
}

func ledgerKey(account identifier.Account, box ledger.Box) []byte {
	return append([]byte(account+"/"), byte(box))
}

func receiptKey(account identifier.Account, box ledger.Box, number uint64) []byte {
	key := ledgerKey(account, box)

	return binary.BigEndian.AppendUint64(key, number)
}

func contractKey(kind message.ContractKind, id string) []byte {
	return append([]byte{byte(kind)}, id...)
}

func noticeKey(pair identifier.Pair, id uint64) []byte {
	key := append(pair.Key(), '/')

	return binary.BigEndian.AppendUint64(key, id)
}
