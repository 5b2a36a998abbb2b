// Package operation implements the protocol state machine that drives one task
// against a notary.
//
// An operation starts from Idle and always returns to it. Depending on the
// category of its type, it synchronizes the nymbox, makes sure enough
// transaction numbers are available, synchronizes the accounts it affects,
// sends its command and synchronizes again. Recoverable failures send the
// machine back to the nymbox synchronization and count against a retry budget.
//
// Transaction numbers reserved for the command are consumed when the notary
// processed the transaction, even if an item was rejected, and released in
// every other case before the operation leaves the Execute state.
package operation

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/core"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/txn"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

var (
	// ErrCancelled is returned when the operation was stopped before it
	// finished.
	ErrCancelled = xerrors.New("operation cancelled")

	// ErrRetryExhausted is returned when the operation failed too many times.
	ErrRetryExhausted = xerrors.New("retry budget exhausted")

	// ErrRejected is returned when the notary rejected an item of the
	// transaction.
	ErrRejected = xerrors.New("transaction rejected")
)

var promStates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "opentxs_operation_states_total",
	Help: "total number of state transitions of the operations",
}, []string{"state"})

func init() {
	opentxs.PromCollectors = append(opentxs.PromCollectors, promStates)
}

// Reconciler synchronizes an account with the notary.
type Reconciler interface {
	// Synchronize downloads the account, its boxes and the missing box
	// receipts. The inbox is processed when process is true.
	Synchronize(ctx context.Context, sc consensus.Context, account identifier.Account, process bool) error
}

// Param is the list of parameters to create an operation.
type Param struct {
	Task       client.TaskID
	Context    consensus.Context
	Transport  transport.Transport
	Wallet     wallet.Wallet
	Reconciler Reconciler
	Clock      clockwork.Clock
	// Watcher is notified of the state changes. A new one is created when it
	// is nil.
	Watcher           *core.Watcher[Event]
	RequestTimeout    time.Duration
	TickInterval      time.Duration
	RetryBudget       int
	NumbersPerRequest int
	Logger            zerolog.Logger
}

// Operation is the state machine of one task.
type Operation struct {
	param  Param
	logger zerolog.Logger

	kind     Type
	args     Args
	state    State
	errors   int
	refresh  bool
	affected map[identifier.Account]struct{}
	result   client.Result

	// requested is the number of available numbers when the last
	// getTransactionNumbers was sent, or -1 when none is pending.
	requested int
}

// New creates an idle operation.
func New(param Param) *Operation {
	if param.Clock == nil {
		param.Clock = clockwork.NewRealClock()
	}

	if param.Watcher == nil {
		param.Watcher = core.NewWatcher[Event]()
	}

	if param.RetryBudget <= 0 {
		param.RetryBudget = 1
	}

	return &Operation{
		param:  param,
		logger: param.Logger,
		state:  Idle,
	}
}

// State returns the current state.
func (o *Operation) State() State {
	return o.state
}

// Errors returns the number of failures so far.
func (o *Operation) Errors() int {
	return o.errors
}

// Affected returns the accounts affected by the operation.
func (o *Operation) Affected() []identifier.Account {
	ids := make([]identifier.Account, 0, len(o.affected))
	for id := range o.affected {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Watch returns a channel populated with the state changes until the context
// is done.
func (o *Operation) Watch(ctx context.Context) <-chan Event {
	return o.param.Watcher.Watch(ctx, 100)
}

// Run drives the operation until it returns to Idle and returns its result.
// Invalid arguments are reported with a NotSent status.
func (o *Operation) Run(ctx context.Context, kind Type, args Args) client.Result {
	err := kind.Validate(args)
	if err != nil {
		return client.Result{Status: message.NotSent, Err: err}
	}

	o.kind = kind
	o.args = args
	o.errors = 0
	o.refresh = kind.Category() == CategoryNymboxPre
	o.requested = -1
	o.affected = make(map[identifier.Account]struct{})
	o.result = client.Result{Status: message.Unknown}
	o.logger = o.param.Logger.With().
		Uint64("task", uint64(o.param.Task)).
		Stringer("type", kind).Logger()

	if !args.Account.Empty() {
		o.affected[args.Account] = struct{}{}
	}

	o.setState(NymboxPre)

	for o.state != Idle {
		if ctx.Err() != nil {
			o.finish(message.Unknown, nil, ErrCancelled)
			break
		}

		if o.errors >= o.param.RetryBudget {
			o.logger.Warn().Int("errors", o.errors).Msg("giving up")
			o.finish(message.Unknown, o.result.Reply, ErrRetryExhausted)
			break
		}

		switch o.state {
		case NymboxPre:
			o.nymboxPre(ctx)
		case TransactionNumbers:
			o.transactionNumbers(ctx)
		case AccountPre:
			o.accountPre(ctx)
		case Execute:
			o.execute(ctx)
		case AccountPost:
			o.accountPost(ctx)
		case NymboxPost:
			o.nymboxPost(ctx)
		}
	}

	return o.result
}

func (o *Operation) nymboxPre(ctx context.Context) {
	if o.kind == RegisterNym {
		// The notary refuses every other command until the nym is registered.
		o.setState(Execute)
		return
	}

	if o.refresh || !o.param.Context.NymboxHashMatch() {
		if !o.refreshNymbox(ctx) {
			o.fail(ctx, "nymbox refresh failed")
			return
		}

		o.refresh = false

		if !o.param.Context.NymboxHashMatch() {
			o.fail(ctx, "nymbox hash mismatch")
			return
		}
	}

	switch o.kind.Category() {
	case CategoryTransaction, CategoryUpdateAccount:
		o.setState(TransactionNumbers)
	default:
		o.setState(Execute)
	}
}

func (o *Operation) transactionNumbers(ctx context.Context) {
	available := o.param.Context.AvailableNumbers()

	if o.requested >= 0 && available <= o.requested {
		o.requested = -1
		o.fail(ctx, "no number delivered")

		return
	}

	o.requested = -1

	if available >= o.kind.NumbersRequired() {
		if o.kind.Category() == CategoryTransaction {
			o.setState(AccountPre)
		} else {
			o.setState(Execute)
		}

		return
	}

	msg, err := buildNumbersRequest(o, nil)
	if err != nil {
		o.finish(message.NotSent, nil, xerrors.Errorf("couldn't request numbers: %v", err))
		return
	}

	res, err := o.roundTrip(ctx, msg)
	if err != nil {
		return
	}

	if res.Status != message.MessageSuccess {
		o.fail(ctx, "numbers request failed")
		return
	}

	// The numbers are delivered through the nymbox.
	o.requested = available
	o.refresh = true
	o.setState(NymboxPre)
}

func (o *Operation) accountPre(ctx context.Context) {
	if !o.synchronize(ctx) {
		o.refresh = true
		o.fail(ctx, "account synchronization failed")
		o.setState(NymboxPre)

		return
	}

	o.setState(Execute)
}

func (o *Operation) execute(ctx context.Context) {
	def := definitions[o.kind]

	if def.build == nil {
		o.result = client.Result{Status: message.MessageSuccess}
		o.setState(o.postState())

		return
	}

	numbers, err := o.reserve()
	if err != nil {
		o.fail(ctx, "not enough numbers")
		o.setState(TransactionNumbers)

		return
	}

	msg, err := def.build(o, numbers)
	if err != nil {
		numbers.Release()
		o.finish(message.NotSent, nil, xerrors.Errorf("couldn't build %v: %v", o.kind, err))

		return
	}

	res, err := o.roundTrip(ctx, msg)
	if err != nil {
		numbers.Release()
		return
	}

	o.result = client.Result{Status: res.Status, Reply: res.Reply}

	if res.Status != message.MessageSuccess {
		numbers.Release()
		o.refresh = o.kind != RegisterNym
		o.fail(ctx, "command failed")
		o.setState(NymboxPre)

		return
	}

	switch o.kind.Category() {
	case CategoryTransaction:
		o.evaluate(ctx, res.Reply, numbers)
	case CategoryCreateAccount:
		o.createAccount(ctx, res.Reply)
	default:
		o.apply(res.Reply)
		o.setState(NymboxPost)
	}
}

// evaluate reads the response of the notary to a transaction. The numbers are
// consumed whether the items succeeded or not.
func (o *Operation) evaluate(ctx context.Context, reply *message.Reply, numbers consensus.Numbers) {
	resp := txn.Response{}

	err := reply.DecodePayload(&resp)
	if err != nil {
		numbers.Release()
		o.refresh = true
		o.fail(ctx, "malformed response")
		o.setState(NymboxPre)

		return
	}

	numbers.MarkConsumed()

	if resp.Success() && o.kind == SendTransfer {
		// The transfer stays open until the recipient accepts it, which the
		// sender learns with the transfer receipt.
		o.param.Context.CloseNumbers(numbers.Values()[1:]...)
	} else {
		o.param.Context.CloseNumbers(numbers.Values()...)
	}

	if !resp.Success() {
		o.logger.Info().Str("reason", resp.Failure()).Msg("transaction rejected")
		o.result.Status = message.MessageFailed
		o.result.Err = xerrors.Errorf("%s: %w", resp.Failure(), ErrRejected)
	}

	o.setState(AccountPost)
}

func (o *Operation) createAccount(ctx context.Context, reply *message.Reply) {
	acct := ledger.Account{}

	err := reply.DecodePayload(&acct)
	if err == nil {
		err = o.param.Wallet.ImportAccount(acct)
	}

	if err != nil {
		// The account exists on the notary, sending the command again would
		// create another one.
		o.logger.Warn().Err(err).Msg("couldn't import account")
		o.result.Err = xerrors.Errorf("couldn't import account: %v", err)
		o.setState(NymboxPost)

		return
	}

	o.affected[acct.ID] = struct{}{}

	if o.kind == IssueUnitDefinition {
		o.save(message.Contract{Kind: message.UnitContract, ID: string(acct.Unit), Data: o.args.Payload})
	}

	o.setState(AccountPost)
}

// apply records the outcome of a successful basic command.
func (o *Operation) apply(reply *message.Reply) {
	switch o.kind {
	case RegisterNym:
		o.param.Context.SetRegisteredRevision(o.args.Revision)
	case RequestAdmin:
		o.param.Context.SetAdminResult(true)
	case CheckNym, DownloadContract:
		contract := message.Contract{}

		err := reply.DecodePayload(&contract)
		if err != nil {
			o.logger.Warn().Err(err).Msg("malformed contract")
			return
		}

		o.save(contract)
	}
}

func (o *Operation) save(contract message.Contract) {
	err := o.param.Wallet.SaveContract(contract)
	if err != nil {
		o.logger.Warn().Err(err).Str("contract", contract.ID).Msg("couldn't save contract")
	}
}

func (o *Operation) accountPost(ctx context.Context) {
	if !o.synchronize(ctx) {
		o.fail(ctx, "account synchronization failed")
		return
	}

	o.setState(NymboxPost)
}

func (o *Operation) nymboxPost(ctx context.Context) {
	if o.kind.Category() == CategoryNymboxPost || o.refresh || !o.param.Context.NymboxHashMatch() {
		if !o.refreshNymbox(ctx) {
			o.fail(ctx, "nymbox refresh failed")
			return
		}

		o.refresh = false

		if !o.param.Context.NymboxHashMatch() {
			o.refresh = true
			o.fail(ctx, "nymbox hash mismatch")

			return
		}
	}

	o.finish(o.result.Status, o.result.Reply, o.result.Err)
}

func (o *Operation) postState() State {
	switch o.kind.Category() {
	case CategoryTransaction, CategoryCreateAccount, CategoryUpdateAccount:
		return AccountPost
	default:
		return NymboxPost
	}
}

// reserve reserves the numbers the operation consumes, lowest first. Nothing
// stays reserved when it fails.
func (o *Operation) reserve() (consensus.Numbers, error) {
	count := o.kind.NumbersRequired()
	numbers := make(consensus.Numbers, 0, count)

	for i := 0; i < count; i++ {
		n, err := o.param.Context.NextTransactionNumber(o.kind.String())
		if err != nil {
			numbers.Release()
			return nil, err
		}

		numbers = append(numbers, n)
	}

	return numbers, nil
}

// roundTrip submits the message and waits for the reply without holding any
// lock. It returns an error only when the operation was cancelled, in which
// case the operation is finished.
func (o *Operation) roundTrip(ctx context.Context, msg *message.Message) (message.DeliveryResult, error) {
	res, err := transport.RoundTrip(ctx, o.param.Transport, msg, o.param.Clock, o.param.RequestTimeout)
	if err != nil {
		o.finish(message.Unknown, nil, ErrCancelled)
		return res, err
	}

	o.param.Context.ProcessReply(res.Reply)

	o.logger.Debug().
		Str("command", string(msg.Command)).
		Stringer("status", res.Status).
		Msg("round trip")

	return res, nil
}

func (o *Operation) refreshNymbox(ctx context.Context) bool {
	res, err := o.param.Context.RefreshNymbox(ctx).Wait(ctx)
	if err != nil {
		return false
	}

	return res.Status == message.MessageSuccess
}

func (o *Operation) synchronize(ctx context.Context) bool {
	for _, id := range o.Affected() {
		err := o.param.Reconciler.Synchronize(ctx, o.param.Context, id, true)
		if err != nil {
			o.logger.Debug().Err(err).Str("account", string(id)).Msg("synchronization failed")
			return false
		}
	}

	return true
}

// fail counts a failure and waits for the next tick.
func (o *Operation) fail(ctx context.Context, reason string) {
	o.errors++

	o.logger.Debug().
		Int("errors", o.errors).
		Stringer("state", o.state).
		Msg(reason)

	if o.errors >= o.param.RetryBudget {
		return
	}

	select {
	case <-o.param.Clock.After(o.param.TickInterval):
	case <-ctx.Done():
	}
}

func (o *Operation) finish(status message.ReplyStatus, reply *message.Reply, err error) {
	o.result = client.Result{Status: status, Reply: reply, Err: err}
	o.setState(Idle)
}

func (o *Operation) setState(state State) {
	o.state = state

	promStates.WithLabelValues(state.String()).Inc()

	o.param.Watcher.Notify(Event{
		Task:  o.param.Task,
		Pair:  o.args.Pair(),
		Type:  o.kind,
		State: state,
	})
}
