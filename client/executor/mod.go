// Package executor implements the worker that owns the tasks of one pair.
//
// An executor runs a single goroutine. The tasks reach it through a bounded
// channel and are sorted in queues only the goroutine touches. Every
// iteration first keeps the pair healthy, by registering the nym when its
// credentials changed, exchanging the admin password and downloading the
// missing contracts. It then drains the user queues in a fixed priority order
// and sleeps when nothing is left.
package executor

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/client/operation"
	"github.com/wiesiekpap/opentxs-sub020/core"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

// ErrStopped is returned when an item is pushed to a stopped executor.
var ErrStopped = xerrors.New("executor stopped")

var (
	promQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opentxs_executor_queued",
		Help: "number of tasks waiting in the executors",
	}, []string{"notary"})

	promItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opentxs_executor_items_total",
		Help: "total number of operations run by the executors",
	}, []string{"type", "status"})
)

func init() {
	opentxs.PromCollectors = append(opentxs.PromCollectors, promQueued, promItems)
}

// priority is the order in which the user queues are drained, after the
// registration and before the nymbox and the accounts.
var priority = []operation.Type{
	operation.DownloadContract,
	operation.CheckNym,
	operation.SendMessage,
	operation.SendPeerRequest,
	operation.SendPeerReply,
	operation.PublishNym,
	operation.PublishServer,
	operation.PublishUnit,
	operation.RequestAdmin,
	operation.IssueUnitDefinition,
	operation.RegisterAccount,
	operation.GetTransactionNumbers,
	operation.SendTransfer,
	operation.DepositCheque,
	operation.DepositCash,
	operation.WithdrawCash,
	operation.WithdrawVoucher,
}

// Item is a task waiting in an executor. Items created by the executor itself
// have the identifier 0 and their result is not reported.
type Item struct {
	ID   client.TaskID
	Type operation.Type
	Args operation.Args
}

// Param is the list of parameters to create an executor.
type Param struct {
	Pair       identifier.Pair
	Context    consensus.Context
	Transport  transport.Transport
	Wallet     wallet.Wallet
	Reconciler operation.Reconciler
	Config     client.Config
	Clock      clockwork.Clock
	// Finish is called with the result of every task.
	Finish  func(id client.TaskID, res client.Result)
	Watcher *core.Watcher[operation.Event]
	Logger  zerolog.Logger
}

// Executor runs the tasks of a pair one after the other.
type Executor struct {
	sync.Mutex

	param  Param
	logger zerolog.Logger
	items  chan Item
	cancel context.CancelFunc
	done   chan struct{}

	// queued is the number of user items pushed and not finished yet.
	queued  int
	waiters []*future.Promise[struct{}]

	// Owned by the goroutine.
	queues         map[operation.Type][]Item
	registerNeeded bool
}

// NewExecutor creates an executor and starts its goroutine.
func NewExecutor(param Param) *Executor {
	param.Config = param.Config.WithDefaults()

	if param.Clock == nil {
		param.Clock = clockwork.NewRealClock()
	}

	if param.Watcher == nil {
		param.Watcher = core.NewWatcher[operation.Event]()
	}

	if param.Finish == nil {
		param.Finish = func(client.TaskID, client.Result) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		param: param,
		logger: param.Logger.With().
			Str("nym", string(param.Pair.Nym)).
			Str("notary", string(param.Pair.Notary)).Logger(),
		items:  make(chan Item, param.Config.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
		queues: make(map[operation.Type][]Item),
	}

	go e.run(ctx)

	return e
}

// Pair returns the pair of the executor.
func (e *Executor) Pair() identifier.Pair {
	return e.param.Pair
}

// Push adds the item to the executor and wakes it up. It blocks while the
// queue is full.
func (e *Executor) Push(ctx context.Context, item Item) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}

	e.track(item, 1)

	select {
	case e.items <- item:
		return nil
	case <-e.done:
		e.track(item, -1)
		return ErrStopped
	case <-ctx.Done():
		e.track(item, -1)
		return ctx.Err()
	}
}

// Wait returns a future that resolves once every item pushed so far has
// finished. It is already resolved when the executor is idle.
func (e *Executor) Wait() *future.Future[struct{}] {
	e.Lock()
	defer e.Unlock()

	if e.queued == 0 {
		return future.Resolved(struct{}{})
	}

	select {
	case <-e.done:
		return future.Resolved(struct{}{})
	default:
	}

	promise, fut := future.New[struct{}]()
	e.waiters = append(e.waiters, promise)

	return fut
}

// Stop cancels the executor and waits for its goroutine to return. The
// operation in progress is cancelled and the items still queued are dropped.
func (e *Executor) Stop() error {
	e.cancel()

	select {
	case <-e.done:
		return nil
	case <-e.param.Clock.After(e.param.Config.ShutdownTimeout):
		return xerrors.Errorf("executor %v didn't stop in time", e.param.Pair)
	}
}

func (e *Executor) run(ctx context.Context) {
	defer func() {
		e.Lock()
		e.resolveWaiters()
		e.Unlock()

		close(e.done)
	}()

	e.logger.Debug().Msg("executor started")

	for {
		e.collect()

		healthy := e.iterate(ctx)

		if ctx.Err() != nil {
			e.logger.Debug().Msg("executor stopped")
			return
		}

		e.Lock()
		if e.queued == 0 {
			e.resolveWaiters()
		}
		e.Unlock()

		if healthy && e.busy() {
			continue
		}

		select {
		case item := <-e.items:
			e.enqueue(item)
		case <-e.param.Clock.After(e.param.Config.IdleInterval):
		case <-ctx.Done():
			return
		}
	}
}

// iterate runs one pass over the queues. It returns false when the nym could
// not be registered, in which case nothing else was attempted.
func (e *Executor) iterate(ctx context.Context) bool {
	pair := e.param.Pair

	revision, err := e.param.Wallet.NymRevision(pair.Nym)
	if err != nil {
		e.logger.Warn().Err(err).Msg("couldn't read the nym revision")
	}

	if (revision > e.param.Context.RegisteredRevision() || e.registerNeeded) &&
		len(e.queues[operation.RegisterNym]) == 0 {

		if revision < e.param.Context.RegisteredRevision() {
			revision = e.param.Context.RegisteredRevision()
		}

		e.queues[operation.RegisterNym] = append(e.queues[operation.RegisterNym], Item{
			Type: operation.RegisterNym,
			Args: operation.Args{Nym: pair.Nym, Notary: pair.Notary, Revision: revision},
		})
	}

	for len(e.queues[operation.RegisterNym]) > 0 {
		item := e.queues[operation.RegisterNym][0]

		res := e.runItem(ctx, item)
		if !res.Success() {
			// The registration is retried on the next iteration.
			e.logger.Info().Err(res.Err).Stringer("status", res.Status).Msg("registration failed")
			return false
		}

		e.queues[operation.RegisterNym] = e.queues[operation.RegisterNym][1:]
		e.registerNeeded = false
		e.finish(item, res)
	}

	if ctx.Err() != nil {
		return true
	}

	if e.param.Context.AdminPending() {
		res := e.runItem(ctx, Item{Type: operation.RequestAdmin, Args: e.args(operation.Args{})})
		e.param.Context.SetAdminResult(res.Success())
	}

	e.resolveMissing(ctx)

	for _, kind := range priority {
		e.drain(ctx, kind)
	}

	for _, item := range e.take(operation.DownloadNymbox) {
		res := e.runAndFinish(ctx, item)
		if !res.Success() && ctx.Err() == nil {
			// The request number is most likely out of sync.
			e.registerNeeded = true
		}
	}

	e.drain(ctx, operation.RefreshAccount)

	return true
}

// resolveMissing downloads the contracts the wallet flagged as missing. A
// failure leaves the contract in the list for the next iteration.
func (e *Executor) resolveMissing(ctx context.Context) {
	downloads := []struct {
		kind message.ContractKind
		op   operation.Type
	}{
		{kind: message.ServerContract, op: operation.DownloadContract},
		{kind: message.UnitContract, op: operation.DownloadContract},
		{kind: message.NymContract, op: operation.CheckNym},
	}

	for _, dl := range downloads {
		ids, err := e.param.Wallet.Missing(dl.kind)
		if err != nil {
			e.logger.Warn().Err(err).Stringer("kind", dl.kind).Msg("couldn't read missing contracts")
			continue
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}

			res := e.runItem(ctx, Item{
				Type: dl.op,
				Args: e.args(operation.Args{Target: id, Kind: dl.kind}),
			})
			if !res.Success() {
				e.logger.Debug().Str("contract", id).Msg("contract still missing")
			}
		}
	}
}

func (e *Executor) drain(ctx context.Context, kind operation.Type) {
	for _, item := range e.take(kind) {
		e.runAndFinish(ctx, item)
	}
}

// take empties the queue of the type. Items that are not run because the
// executor stops are dropped.
func (e *Executor) take(kind operation.Type) []Item {
	items := e.queues[kind]
	delete(e.queues, kind)

	return items
}

func (e *Executor) runAndFinish(ctx context.Context, item Item) client.Result {
	if ctx.Err() != nil {
		return client.Result{Status: message.Unknown, Err: operation.ErrCancelled}
	}

	res := e.runItem(ctx, item)
	e.finish(item, res)

	return res
}

// runItem runs the operation of the item until it is idle. A panic is
// reported as an unknown outcome.
func (e *Executor) runItem(ctx context.Context, item Item) (res client.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Stringer("type", item.Type).Msg("operation panicked")
			res = client.Result{Status: message.Unknown, Err: xerrors.Errorf("operation panicked: %v", r)}
		}
	}()

	op := operation.New(operation.Param{
		Task:              item.ID,
		Context:           e.param.Context,
		Transport:         e.param.Transport,
		Wallet:            e.param.Wallet,
		Reconciler:        e.param.Reconciler,
		Clock:             e.param.Clock,
		Watcher:           e.param.Watcher,
		RequestTimeout:    e.param.Config.RequestTimeout,
		TickInterval:      e.param.Config.TickInterval,
		RetryBudget:       e.param.Config.RetryBudget,
		NumbersPerRequest: e.param.Config.NumbersPerRequest,
		Logger:            e.logger,
	})

	res = op.Run(ctx, item.Type, item.Args)

	promItems.WithLabelValues(item.Type.String(), res.Status.String()).Inc()

	return res
}

func (e *Executor) finish(item Item, res client.Result) {
	if item.ID == 0 {
		return
	}

	e.param.Finish(item.ID, res)
	e.track(item, -1)
}

// collect moves the pending items of the channel to the queues without
// blocking.
func (e *Executor) collect() {
	for {
		select {
		case item := <-e.items:
			e.enqueue(item)
		default:
			return
		}
	}
}

func (e *Executor) enqueue(item Item) {
	e.queues[item.Type] = append(e.queues[item.Type], item)
}

// busy returns true when a queue has an item to run.
func (e *Executor) busy() bool {
	for _, items := range e.queues {
		if len(items) > 0 {
			return true
		}
	}

	return len(e.items) > 0
}

func (e *Executor) track(item Item, delta int) {
	if item.ID == 0 {
		return
	}

	e.Lock()
	e.queued += delta
	e.Unlock()

	promQueued.WithLabelValues(string(e.param.Pair.Notary)).Add(float64(delta))
}

// resolveWaiters must be called with the lock held.
func (e *Executor) resolveWaiters() {
	for _, promise := range e.waiters {
		promise.Resolve(struct{}{})
	}

	e.waiters = nil
}

func (e *Executor) args(args operation.Args) operation.Args {
	args.Nym = e.param.Pair.Nym
	args.Notary = e.param.Pair.Notary

	return args
}
