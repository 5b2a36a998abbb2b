// Package dispatch implements the entry point of the client engine.
//
// The dispatcher accepts tasks for any (nym, notary) pair, hands each of them
// a unique identifier and routes it to the executor of its pair. Executors are
// created on the first task of a pair and live until the dispatcher shuts
// down. Every accepted task ends with its future resolved exactly once.
package dispatch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/client/executor"
	"github.com/wiesiekpap/opentxs-sub020/client/operation"
	"github.com/wiesiekpap/opentxs-sub020/client/reconcile"
	"github.com/wiesiekpap/opentxs-sub020/core"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

// ErrShutdown is returned for the tasks started or still pending when the
// dispatcher shuts down.
var ErrShutdown = xerrors.New("dispatcher is shut down")

var (
	promTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opentxs_dispatch_tasks_total",
		Help: "total number of tasks by type and final status",
	}, []string{"type", "status"})

	promExecutors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opentxs_dispatch_executors",
		Help: "number of running executors",
	})
)

func init() {
	opentxs.PromCollectors = append(opentxs.PromCollectors, promTasks, promExecutors)
}

// ContextFactory creates the consensus context of a pair.
type ContextFactory interface {
	Context(pair identifier.Pair, tr transport.Transport) (consensus.Context, error)
}

// Connector returns the transport to a notary.
type Connector interface {
	Transport(notary identifier.Notary) (transport.Transport, error)
}

// Param is the list of parameters to create a dispatcher.
type Param struct {
	Config     client.Config
	Wallet     wallet.Wallet
	Contexts   ContextFactory
	Transports Connector
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

type task struct {
	kind    operation.Type
	promise *future.Promise[client.Result]
}

// creation is an executor being created for a pair. The fields are set before
// done is closed.
type creation struct {
	done chan struct{}
	exec *executor.Executor
	err  error
}

// Dispatcher routes the tasks to the executor of their pair.
type Dispatcher struct {
	sync.Mutex

	param   Param
	logger  zerolog.Logger
	counter uint64
	watcher *core.Watcher[operation.Event]

	executors map[identifier.Pair]*executor.Executor
	creating  map[identifier.Pair]*creation
	tasks     map[client.TaskID]task
	// history keeps the terminal statuses that were not read yet. The oldest
	// are evicted first.
	history  *lru.Cache
	shutdown bool
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(param Param) *Dispatcher {
	param.Config = param.Config.WithDefaults()

	if param.Clock == nil {
		param.Clock = clockwork.NewRealClock()
	}

	// The size is always positive after the defaults are applied.
	history, _ := lru.New(param.Config.StatusHistory)

	return &Dispatcher{
		param:     param,
		logger:    param.Logger,
		watcher:   core.NewWatcher[operation.Event](),
		executors: make(map[identifier.Pair]*executor.Executor),
		creating:  make(map[identifier.Pair]*creation),
		tasks:     make(map[client.TaskID]task),
		history:   history,
	}
}

// Start validates the arguments and queues the task on the executor of the
// pair. A rejected task has the identifier 0 and a future already resolved
// with a NotSent status.
func (d *Dispatcher) Start(kind operation.Type, args operation.Args) client.BackgroundTask {
	if kind == operation.RegisterNym && args.Revision == 0 {
		revision, err := d.param.Wallet.NymRevision(args.Nym)
		if err != nil {
			return rejected(xerrors.Errorf("couldn't read revision: %v", err))
		}

		args.Revision = revision
	}

	err := kind.Validate(args)
	if err != nil {
		return rejected(err)
	}

	exec, err := d.executor(args.Pair())
	if xerrors.Is(err, ErrShutdown) {
		return rejected(ErrShutdown)
	}

	if err != nil {
		return rejected(xerrors.Errorf("couldn't create executor: %v", err))
	}

	d.Lock()

	if d.shutdown {
		d.Unlock()
		return rejected(ErrShutdown)
	}

	id := client.TaskID(atomic.AddUint64(&d.counter, 1))

	promise, fut := future.New[client.Result]()
	d.tasks[id] = task{kind: kind, promise: promise}

	d.Unlock()

	d.logger.Debug().Uint64("task", uint64(id)).Stringer("type", kind).Msg("task started")

	err = exec.Push(context.Background(), executor.Item{ID: id, Type: kind, Args: args})
	if err != nil {
		d.finish(id, client.Result{Status: message.NotSent, Err: xerrors.Errorf("couldn't queue task: %w", err)})
	}

	return client.BackgroundTask{ID: id, Future: fut}
}

// StartIntroductionServer registers the nym on the introduction server.
func (d *Dispatcher) StartIntroductionServer(nym identifier.Nym) client.BackgroundTask {
	notary := d.param.Config.IntroductionServer
	if notary.Empty() {
		return rejected(xerrors.New("introduction server is not configured"))
	}

	return d.Start(operation.RegisterNym, operation.Args{Nym: nym, Notary: notary})
}

// IntroductionServer returns the notary on which new nyms are registered.
func (d *Dispatcher) IntroductionServer() identifier.Notary {
	return d.param.Config.IntroductionServer
}

// Status returns the status of the task. A terminal status is returned only
// once, the task being forgotten afterwards. Only the most recent terminal
// statuses are remembered.
func (d *Dispatcher) Status(id client.TaskID) client.ThreadStatus {
	d.Lock()
	defer d.Unlock()

	_, found := d.tasks[id]
	if found {
		return client.Running
	}

	status, found := d.history.Get(id)
	if !found {
		return client.Error
	}

	d.history.Remove(id)

	return status.(client.ThreadStatus)
}

// Wait returns a future that resolves when the tasks of the pair queued so far
// are done.
func (d *Dispatcher) Wait(nym identifier.Nym, notary identifier.Notary) *future.Future[struct{}] {
	d.Lock()
	exec, found := d.executors[identifier.NewPair(nym, notary)]
	d.Unlock()

	if !found {
		return future.Resolved(struct{}{})
	}

	return exec.Wait()
}

// Watch returns a channel populated with the state changes of every operation
// until the context is done.
func (d *Dispatcher) Watch(ctx context.Context) <-chan operation.Event {
	return d.watcher.Watch(ctx, 100)
}

// Shutdown stops every executor. The tasks that did not finish are resolved
// with an unknown status. New tasks are rejected afterwards.
func (d *Dispatcher) Shutdown() error {
	d.Lock()

	if d.shutdown {
		d.Unlock()
		return nil
	}

	d.shutdown = true

	executors := make([]*executor.Executor, 0, len(d.executors))
	for _, exec := range d.executors {
		executors = append(executors, exec)
	}

	d.Unlock()

	var result *multierror.Error

	for _, exec := range executors {
		err := exec.Stop()
		if err != nil {
			result = multierror.Append(result, err)
		}

		promExecutors.Dec()
	}

	closer, ok := d.param.Transports.(io.Closer)
	if ok {
		err := closer.Close()
		if err != nil {
			result = multierror.Append(result, xerrors.Errorf("couldn't close transports: %v", err))
		}
	}

	d.Lock()
	pending := d.tasks
	d.tasks = make(map[client.TaskID]task)

	for id := range pending {
		d.history.Add(id, client.Shutdown)
	}
	d.Unlock()

	for id, t := range pending {
		promTasks.WithLabelValues(t.kind.String(), client.Shutdown.String()).Inc()
		t.promise.Resolve(client.Result{Status: message.Unknown, Err: ErrShutdown})

		d.logger.Debug().Uint64("task", uint64(id)).Msg("task interrupted")
	}

	d.logger.Info().
		Int("executors", len(executors)).
		Int("interrupted", len(pending)).
		Int("watchers", d.watcher.Len()).
		Msg("dispatcher shut down")

	return result.ErrorOrNil()
}

// executor returns the executor of the pair and creates it if necessary. The
// transport and the context are created without the lock so that the other
// pairs are not held up. Concurrent callers for the same pair share one
// creation.
func (d *Dispatcher) executor(pair identifier.Pair) (*executor.Executor, error) {
	d.Lock()

	if d.shutdown {
		d.Unlock()
		return nil, ErrShutdown
	}

	exec, found := d.executors[pair]
	if found {
		d.Unlock()
		return exec, nil
	}

	c, found := d.creating[pair]
	if found {
		d.Unlock()
		<-c.done

		return c.exec, c.err
	}

	c = &creation{done: make(chan struct{})}
	d.creating[pair] = c

	d.Unlock()

	exec, err := d.newExecutor(pair)

	d.Lock()

	delete(d.creating, pair)

	var stale *executor.Executor

	switch {
	case err != nil:
		c.err = err
	case d.shutdown:
		// Shutdown did not see this executor.
		stale = exec
		c.err = ErrShutdown
	default:
		d.executors[pair] = exec
		promExecutors.Inc()
		c.exec = exec
	}

	d.Unlock()

	close(c.done)

	if stale != nil {
		err = stale.Stop()
		if err != nil {
			d.logger.Warn().Err(err).Stringer("pair", pair).Msg("couldn't stop executor")
		}
	}

	return c.exec, c.err
}

func (d *Dispatcher) newExecutor(pair identifier.Pair) (*executor.Executor, error) {
	tr, err := d.param.Transports.Transport(pair.Notary)
	if err != nil {
		return nil, xerrors.Errorf("couldn't connect to notary: %v", err)
	}

	sc, err := d.param.Contexts.Context(pair, tr)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create context: %v", err)
	}

	logger := d.logger.With().
		Str("nym", string(pair.Nym)).
		Str("notary", string(pair.Notary)).Logger()

	exec := executor.NewExecutor(executor.Param{
		Pair:      pair,
		Context:   sc,
		Transport: tr,
		Wallet:    d.param.Wallet,
		Reconciler: reconcile.NewReconciler(reconcile.Param{
			Wallet:         d.param.Wallet,
			Transport:      tr,
			Clock:          d.param.Clock,
			RequestTimeout: d.param.Config.RequestTimeout,
			Logger:         logger,
		}),
		Config:  d.param.Config,
		Clock:   d.param.Clock,
		Finish:  d.finish,
		Watcher: d.watcher,
		Logger:  d.logger,
	})

	return exec, nil
}

// finish resolves the task with the result. It has no effect if the task is
// already resolved.
func (d *Dispatcher) finish(id client.TaskID, res client.Result) {
	d.Lock()

	t, found := d.tasks[id]
	if !found {
		d.Unlock()
		return
	}

	delete(d.tasks, id)

	status := client.FinishedFailed
	if res.Success() {
		status = client.FinishedSuccess
	} else if d.shutdown {
		status = client.Shutdown
	}

	d.history.Add(id, status)

	d.Unlock()

	promTasks.WithLabelValues(t.kind.String(), status.String()).Inc()

	t.promise.Resolve(res)
}

func rejected(err error) client.BackgroundTask {
	return client.BackgroundTask{
		Future: future.Resolved(client.Result{Status: message.NotSent, Err: err}),
	}
}
