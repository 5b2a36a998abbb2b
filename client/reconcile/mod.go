// Package reconcile keeps the local copy of the accounts in agreement with the
// notary.
//
// Synchronizing an account downloads it with its inbox and outbox when the
// local copies are stale, then downloads the box receipts the wallet does not
// have. Processing the inbox accepts the incoming transfers and the receipts
// in one transaction. At most one inbox processing is in flight per account.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/txn"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

// ErrProcessInboxPending is returned when the inbox of the account is already
// being processed.
var ErrProcessInboxPending = xerrors.New("inbox processing already pending")

var promProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "opentxs_reconcile_entries_total",
	Help: "total number of inbox entries accepted",
}, []string{"type"})

func init() {
	opentxs.PromCollectors = append(opentxs.PromCollectors, promProcessed)
}

// Param is the list of parameters to create a reconciler.
type Param struct {
	Wallet         wallet.Wallet
	Transport      transport.Transport
	Clock          clockwork.Clock
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Reconciler synchronizes the accounts of every pair sharing the wallet.
//
// - implements operation.Reconciler
type Reconciler struct {
	sync.Mutex

	param   Param
	pending map[identifier.Account]struct{}
}

// NewReconciler creates a new reconciler.
func NewReconciler(param Param) *Reconciler {
	if param.Clock == nil {
		param.Clock = clockwork.NewRealClock()
	}

	return &Reconciler{
		param:   param,
		pending: make(map[identifier.Account]struct{}),
	}
}

// Synchronize implements operation.Reconciler. A failure of the opportunistic
// inbox processing is only logged.
func (r *Reconciler) Synchronize(ctx context.Context, sc consensus.Context,
	account identifier.Account, process bool) error {

	msg := message.New(message.GetAccountData, sc.Pair())
	msg.Target = string(account)

	res, err := r.roundTrip(ctx, sc, msg)
	if err != nil {
		return xerrors.Errorf("couldn't download account: %v", err)
	}

	data := message.AccountData{}

	err = res.Reply.DecodePayload(&data)
	if err != nil {
		return xerrors.Errorf("couldn't download account: %v", err)
	}

	if data.Account.ID != account {
		return xerrors.Errorf("notary returned account '%s' instead of '%s'", data.Account.ID, account)
	}

	err = r.param.Wallet.ImportAccount(data.Account)
	if err != nil {
		return xerrors.Errorf("couldn't store account: %v", err)
	}

	r.trackUnit(data.Account.Unit)

	boxes := []struct {
		remote *ledger.Ledger
		hash   []byte
	}{
		{remote: &data.Inbox, hash: data.Account.InboxHash},
		{remote: &data.Outbox, hash: data.Account.OutboxHash},
	}

	for _, box := range boxes {
		err = r.storeLedger(account, box.remote, box.hash)
		if err != nil {
			return err
		}

		err = r.downloadReceipts(ctx, sc, box.remote)
		if err != nil {
			return err
		}
	}

	if process && len(data.Inbox.Entries) > 0 && sc.AvailableNumbers() > 0 {
		err = r.ProcessInbox(ctx, sc, account)
		if err != nil {
			r.param.Logger.Info().Err(err).Str("account", string(account)).Msg("inbox not processed")
		}
	}

	return nil
}

// ProcessInbox accepts the entries of the inbox the client has the receipt
// for. The inbox is left untouched when the notary refuses the transaction.
func (r *Reconciler) ProcessInbox(ctx context.Context, sc consensus.Context, account identifier.Account) error {
	r.Lock()
	_, found := r.pending[account]
	if found {
		r.Unlock()
		return ErrProcessInboxPending
	}

	r.pending[account] = struct{}{}
	r.Unlock()

	defer func() {
		r.Lock()
		delete(r.pending, account)
		r.Unlock()
	}()

	acct, err := r.param.Wallet.Account(account)
	if err != nil {
		return xerrors.Errorf("couldn't read account: %v", err)
	}

	inbox, err := r.param.Wallet.Ledger(account, ledger.Inbox)
	if err != nil {
		return xerrors.Errorf("couldn't read inbox: %v", err)
	}

	items, accepted := r.selectEntries(inbox)
	if len(items) == 0 {
		return nil
	}

	number, err := sc.NextTransactionNumber("processInbox")
	if err != nil {
		return xerrors.Errorf("couldn't reserve number: %w", err)
	}

	msg, err := r.inboxMessage(sc, acct, number.Value(), items)
	if err != nil {
		number.Release()
		return err
	}

	res, err := r.roundTrip(ctx, sc, msg)
	if err != nil {
		number.Release()
		return xerrors.Errorf("couldn't process inbox: %v", err)
	}

	resp := txn.Response{}

	err = res.Reply.DecodePayload(&resp)
	if err != nil {
		number.Release()
		return xerrors.Errorf("malformed response: %v", err)
	}

	number.MarkConsumed()
	sc.CloseNumbers(number.Value())

	if !resp.Success() {
		return xerrors.Errorf("inbox rejected: %s", resp.Failure())
	}

	return r.applyAccepted(sc, account, inbox, accepted)
}

// selectEntries returns the accept items of the inbox. Entries of an unknown
// type, entries without a receipt and entries that conflict with another one
// are skipped.
func (r *Reconciler) selectEntries(inbox *ledger.Ledger) ([]txn.Item, []ledger.Entry) {
	seen := make(map[uint64]int)
	for _, entry := range inbox.Entries {
		seen[entry.Number]++
	}

	items := make([]txn.Item, 0, len(inbox.Entries))
	accepted := make([]ledger.Entry, 0, len(inbox.Entries))

	for _, entry := range inbox.Entries {
		if entry.Type == ledger.UnknownEntry || seen[entry.Number] > 1 {
			r.param.Logger.Debug().Uint64("entry", entry.Number).Msg("skipping entry")
			continue
		}

		_, err := r.param.Wallet.BoxReceipt(inbox.Account, ledger.Inbox, entry.Number)
		if err != nil {
			r.param.Logger.Debug().Err(err).Uint64("entry", entry.Number).Msg("receipt missing")
			continue
		}

		item := txn.Item{Type: txn.AcceptReceipt, Number: entry.Number}
		if entry.Type == ledger.Pending {
			item = txn.Item{Type: txn.AcceptPending, Number: entry.Number, Amount: entry.Amount}
		}

		items = append(items, item)
		accepted = append(accepted, entry)
	}

	return items, accepted
}

func (r *Reconciler) inboxMessage(sc consensus.Context, acct ledger.Account, number uint64,
	items []txn.Item) (*message.Message, error) {

	opts := make([]txn.Option, 0, len(items))
	for _, item := range items {
		opts = append(opts, txn.WithItem(item))
	}

	tx, err := txn.NewTransaction(number, sc.Pair(), acct.ID, opts...)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create transaction: %v", err)
	}

	tx.Balance = txn.BalanceStatement{
		Account:    acct.ID,
		Balance:    acct.Balance + tx.Delta(),
		Issued:     sc.IssuedNumbers(),
		InboxHash:  acct.InboxHash,
		OutboxHash: acct.OutboxHash,
	}

	err = tx.Sign(sc.Signer())
	if err != nil {
		return nil, xerrors.Errorf("couldn't sign transaction: %v", err)
	}

	msg := message.New(message.ProcessInbox, sc.Pair())
	msg.Target = string(acct.ID)

	err = msg.SetPayload(tx)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// applyAccepted removes the accepted entries from the local inbox, credits the
// account and closes the numbers of the transfers the receipts refer to.
func (r *Reconciler) applyAccepted(sc consensus.Context, account identifier.Account,
	inbox *ledger.Ledger, accepted []ledger.Entry) error {

	var delta int64
	numbers := make([]uint64, 0, len(accepted))

	for _, entry := range accepted {
		delta += entry.Effect()
		numbers = append(numbers, entry.Number)

		if entry.Type == ledger.TransferReceipt {
			sc.CloseNumbers(entry.InReferenceTo)
		}

		promProcessed.WithLabelValues(entry.Type.String()).Inc()
	}

	inbox.Remove(numbers...)

	err := r.param.Wallet.SaveLedger(inbox)
	if err != nil {
		return xerrors.Errorf("couldn't store inbox: %v", err)
	}

	err = r.param.Wallet.UpdateAccount(account, func(acct *ledger.Account) error {
		acct.Balance += delta
		acct.InboxHash = inbox.Hash()
		return nil
	})
	if err != nil {
		return xerrors.Errorf("couldn't update account: %v", err)
	}

	r.param.Logger.Debug().
		Str("account", string(account)).
		Int("entries", len(accepted)).
		Int64("delta", delta).
		Msg("inbox processed")

	return nil
}

func (r *Reconciler) storeLedger(account identifier.Account, remote *ledger.Ledger, hash []byte) error {
	local, err := r.param.Wallet.Ledger(account, remote.Box)
	if err == nil && local.Matches(hash) {
		return nil
	}

	if err != nil && !xerrors.Is(err, wallet.ErrNotFound) {
		return xerrors.Errorf("couldn't read %v: %v", remote.Box, err)
	}

	if !remote.Matches(hash) {
		return xerrors.Errorf("%v doesn't match the advertised hash", remote.Box)
	}

	err = r.param.Wallet.SaveLedger(remote)
	if err != nil {
		return xerrors.Errorf("couldn't store %v: %v", remote.Box, err)
	}

	return nil
}

func (r *Reconciler) downloadReceipts(ctx context.Context, sc consensus.Context, box *ledger.Ledger) error {
	for _, entry := range box.Entries {
		_, err := r.param.Wallet.BoxReceipt(box.Account, box.Box, entry.Number)
		if err == nil {
			continue
		}

		if !xerrors.Is(err, wallet.ErrNotFound) {
			return xerrors.Errorf("couldn't read receipt: %v", err)
		}

		msg := message.New(message.GetBoxReceipt, sc.Pair())

		err = msg.SetPayload(message.BoxReceiptRequest{
			Account: box.Account,
			Box:     box.Box,
			Number:  entry.Number,
		})
		if err != nil {
			return err
		}

		res, err := r.roundTrip(ctx, sc, msg)
		if err != nil {
			return xerrors.Errorf("couldn't download receipt %d: %v", entry.Number, err)
		}

		receipt := ledger.Receipt{}

		err = res.Reply.DecodePayload(&receipt)
		if err != nil {
			return xerrors.Errorf("couldn't download receipt %d: %v", entry.Number, err)
		}

		err = r.param.Wallet.SaveBoxReceipt(receipt)
		if err != nil {
			return xerrors.Errorf("couldn't store receipt %d: %v", entry.Number, err)
		}
	}

	return nil
}

// trackUnit flags the unit definition of an account as missing when the
// wallet does not have it.
func (r *Reconciler) trackUnit(unit identifier.Unit) {
	if unit.Empty() {
		return
	}

	_, err := r.param.Wallet.Contract(message.UnitContract, string(unit))
	if xerrors.Is(err, wallet.ErrNotFound) {
		err = r.param.Wallet.AddMissing(message.UnitContract, string(unit))
		if err != nil {
			r.param.Logger.Warn().Err(err).Msg("couldn't flag unit")
		}
	}
}

// roundTrip finalizes the message, sends it and adopts the reply. Any outcome
// other than a success is an error.
func (r *Reconciler) roundTrip(ctx context.Context, sc consensus.Context,
	msg *message.Message) (message.DeliveryResult, error) {

	err := sc.FinalizeServerCommand(msg)
	if err != nil {
		return message.DeliveryResult{Status: message.NotSent}, err
	}

	res, err := transport.RoundTrip(ctx, r.param.Transport, msg, r.param.Clock, r.param.RequestTimeout)
	if err != nil {
		return res, err
	}

	sc.ProcessReply(res.Reply)

	if res.Status != message.MessageSuccess {
		return res, xerrors.Errorf("%s: %v", msg.Command, res.Status)
	}

	return res, nil
}
