package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/cli"
	"github.com/wiesiekpap/opentxs-sub020/cli/ucli"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/client/operation"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"golang.org/x/xerrors"
)

type app struct {
	out     io.Writer
	signals <-chan os.Signal
	cfg     config
	logger  zerolog.Logger
}

func newApp(cfg appConfig) *app {
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}

	return &app{
		out:     out,
		signals: cfg.Signals,
		logger:  opentxs.Logger,
	}
}

func (a *app) build() cli.Application {
	builder := ucli.NewBuilder("otx", nil,
		ucli.WithUsage("Open-Transactions client"),
		ucli.WithWriter(a.out),
		ucli.WithFlags(cli.StringFlag{
			Name:   "config",
			Usage:  "path to the configuration file",
			EnvVar: "OTX_CONFIG",
		}))

	builder.SetBefore(a.setup)

	nym := builder.SetCommand("nym")
	nym.SetDescription("manage the nym on a notary")

	cmd := nym.SetSubCommand("register")
	cmd.SetDescription("register the credentials of the nym")
	cmd.SetFlags(taskFlags(cli.IntFlag{Name: "revision", Usage: "revision of the credentials", Value: 1})...)
	cmd.SetAction(a.register)

	cmd = nym.SetSubCommand("check")
	cmd.SetDescription("download the credentials of another nym")
	cmd.SetFlags(taskFlags(targetFlag("nym to download"))...)
	cmd.SetAction(a.task(operation.CheckNym, fillTarget))

	cmd = nym.SetSubCommand("nymbox")
	cmd.SetDescription("process the nymbox")
	cmd.SetFlags(taskFlags()...)
	cmd.SetAction(a.task(operation.DownloadNymbox, nil))

	cmd = nym.SetSubCommand("message")
	cmd.SetDescription("send a message to another nym")
	cmd.SetFlags(taskFlags(targetFlag("recipient nym"),
		cli.StringFlag{Name: "text", Usage: "content of the message", Required: true})...)
	cmd.SetAction(a.task(operation.SendMessage, func(flags cli.Flags, args *operation.Args) {
		args.Target = flags.String("target")
		args.Payload = []byte(flags.String("text"))
	}))

	cmd = nym.SetSubCommand("numbers")
	cmd.SetDescription("request transaction numbers")
	cmd.SetFlags(taskFlags()...)
	cmd.SetAction(a.task(operation.GetTransactionNumbers, nil))

	account := builder.SetCommand("account")
	account.SetDescription("manage the accounts of the nym")

	cmd = account.SetSubCommand("open")
	cmd.SetDescription("register an account for a unit")
	cmd.SetFlags(taskFlags(cli.StringFlag{Name: "unit", Usage: "unit definition", Required: true})...)
	cmd.SetAction(a.task(operation.RegisterAccount, func(flags cli.Flags, args *operation.Args) {
		args.Unit = identifier.Unit(flags.String("unit"))
	}))

	cmd = account.SetSubCommand("transfer")
	cmd.SetDescription("transfer an amount to another account")
	cmd.SetFlags(taskFlags(accountFlag(), amountFlag(), memoFlag(),
		cli.StringFlag{Name: "to", Usage: "recipient account", Required: true})...)
	cmd.SetAction(a.task(operation.SendTransfer, func(flags cli.Flags, args *operation.Args) {
		fillAmount(flags, args)
		args.Target = flags.String("to")
	}))

	cmd = account.SetSubCommand("deposit-cheque")
	cmd.SetDescription("deposit a cheque drawn on another account")
	cmd.SetFlags(taskFlags(accountFlag(), amountFlag(), memoFlag(),
		cli.StringFlag{Name: "drawer", Usage: "account of the cheque", Required: true})...)
	cmd.SetAction(a.task(operation.DepositCheque, func(flags cli.Flags, args *operation.Args) {
		fillAmount(flags, args)
		args.Target = flags.String("drawer")
	}))

	cmd = account.SetSubCommand("deposit-cash")
	cmd.SetDescription("deposit cash on the account")
	cmd.SetFlags(taskFlags(accountFlag(), amountFlag(), memoFlag())...)
	cmd.SetAction(a.task(operation.DepositCash, fillAmount))

	cmd = account.SetSubCommand("withdraw-cash")
	cmd.SetDescription("withdraw cash from the account")
	cmd.SetFlags(taskFlags(accountFlag(), amountFlag(), memoFlag())...)
	cmd.SetAction(a.task(operation.WithdrawCash, fillAmount))

	cmd = account.SetSubCommand("refresh")
	cmd.SetDescription("synchronize the account and accept its inbox")
	cmd.SetFlags(taskFlags(accountFlag())...)
	cmd.SetAction(a.task(operation.RefreshAccount, func(flags cli.Flags, args *operation.Args) {
		args.Account = identifier.Account(flags.String("account"))
	}))

	cmd = account.SetSubCommand("show")
	cmd.SetDescription("print the account as known by the wallet")
	cmd.SetFlags(accountFlag())
	cmd.SetAction(a.show)

	cmd = builder.SetCommand("task")
	cmd.SetDescription("start any operation")
	cmd.SetFlags(taskFlags(
		cli.StringFlag{Name: "type", Usage: "name of the operation", Required: true},
		cli.StringFlag{Name: "target", Usage: "nym, account or contract targeted"},
		cli.StringFlag{Name: "account", Usage: "account of the nym"},
		cli.StringFlag{Name: "unit", Usage: "unit definition"},
		cli.StringFlag{Name: "payload", Usage: "content of the message or contract"},
		cli.Int64Flag{Name: "amount", Usage: "amount of the transaction"},
		cli.StringFlag{Name: "memo", Usage: "memo of the transaction"},
	)...)
	cmd.SetAction(a.generic)

	cmd = builder.SetCommand("run")
	cmd.SetDescription("keep the engine running and expose the metrics")
	cmd.SetFlags(
		cli.StringSliceFlag{Name: "nym", Usage: "nyms to register on the introduction server"},
		cli.DurationFlag{Name: "refresh", Usage: "interval between two refreshes of the nym, 0 to disable"},
	)
	cmd.SetAction(a.daemon)

	return builder.Build()
}

func (a *app) setup(flags cli.Flags) error {
	cfg, err := loadConfig(flags.Path("config"))
	if err != nil {
		return xerrors.Errorf("couldn't load config: %v", err)
	}

	a.cfg = cfg
	a.logger = opentxs.Logger.Level(cfg.level())

	return nil
}

type fillFn func(cli.Flags, *operation.Args)

func (a *app) task(kind operation.Type, fill fillFn) cli.Action {
	return func(flags cli.Flags) error {
		args := a.args(flags)

		if fill != nil {
			fill(flags, &args)
		}

		return a.start(flags, kind, args)
	}
}

func (a *app) register(flags cli.Flags) error {
	eng, err := newEngine(a.cfg, a.logger)
	if err != nil {
		return err
	}

	args := a.args(flags)

	current, err := eng.wallet.NymRevision(args.Nym)
	if err != nil {
		eng.Close()
		return xerrors.Errorf("couldn't read revision: %v", err)
	}

	revision := uint64(flags.Int("revision"))
	if revision > current {
		err = eng.wallet.SetNymRevision(args.Nym, revision)
		if err != nil {
			eng.Close()
			return xerrors.Errorf("couldn't set revision: %v", err)
		}
	}

	return a.execute(eng, flags, operation.RegisterNym, args)
}

func (a *app) generic(flags cli.Flags) error {
	kind, err := operation.ParseType(flags.String("type"))
	if err != nil {
		return err
	}

	args := a.args(flags)
	args.Target = flags.String("target")
	args.Account = identifier.Account(flags.String("account"))
	args.Unit = identifier.Unit(flags.String("unit"))
	args.Amount = flags.Int64("amount")
	args.Memo = flags.String("memo")

	payload := flags.String("payload")
	if payload != "" {
		args.Payload = []byte(payload)
	}

	return a.start(flags, kind, args)
}

func (a *app) show(flags cli.Flags) error {
	eng, err := newEngine(a.cfg, a.logger)
	if err != nil {
		return err
	}

	defer eng.Close()

	acct, err := eng.wallet.Account(identifier.Account(flags.String("account")))
	if err != nil {
		return xerrors.Errorf("couldn't read account: %v", err)
	}

	fmt.Fprintf(a.out, "account %s\n", acct.ID)
	fmt.Fprintf(a.out, "  nym: %s\n", acct.Nym)
	fmt.Fprintf(a.out, "  notary: %s\n", acct.Notary)
	fmt.Fprintf(a.out, "  unit: %s\n", acct.Unit)
	fmt.Fprintf(a.out, "  balance: %d\n", acct.Balance)

	return nil
}

// daemon keeps the engine alive until a signal is received. The metrics are
// served when an address is configured.
func (a *app) daemon(flags cli.Flags) error {
	eng, err := newEngine(a.cfg, a.logger)
	if err != nil {
		return err
	}

	defer eng.Close()

	if a.cfg.Metrics != "" {
		srv, err := a.serveMetrics(a.cfg.Metrics)
		if err != nil {
			return err
		}

		defer srv.Close()
	}

	nyms := make([]identifier.Nym, 0)

	for _, name := range flags.StringSlice("nym") {
		nym := identifier.Nym(name)

		task := eng.disp.StartIntroductionServer(nym)
		if task.ID == 0 {
			res, _ := task.Future.Poll()
			return xerrors.Errorf("couldn't register %s on introduction server: %v", nym, res.Err)
		}

		fmt.Fprintf(a.out, "registering %s on %s (task %d)\n", nym, eng.disp.IntroductionServer(), task.ID)

		nyms = append(nyms, nym)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for evt := range eng.disp.Watch(ctx) {
			a.logger.Debug().
				Uint64("task", uint64(evt.Task)).
				Stringer("pair", evt.Pair).
				Stringer("type", evt.Type).
				Stringer("state", evt.State).
				Msg("operation")
		}
	}()

	var tick <-chan time.Time

	interval := flags.Duration("refresh")
	if len(nyms) > 0 && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	fmt.Fprintln(a.out, "engine started")

	for {
		select {
		case <-tick:
			for _, nym := range nyms {
				a.refresh(eng, identifier.NewPair(nym, eng.disp.IntroductionServer()))
			}
		case <-a.signals:
			fmt.Fprintln(a.out, "engine stopped")
			return nil
		}
	}
}

// refresh queues the processing of the nymbox and the synchronization of every
// account of the pair. The results are only logged.
func (a *app) refresh(eng *engine, pair identifier.Pair) {
	tasks := []client.BackgroundTask{
		eng.disp.Start(operation.DownloadNymbox, operation.Args{Nym: pair.Nym, Notary: pair.Notary}),
	}

	accounts, err := eng.wallet.Accounts(pair)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("pair", pair).Msg("couldn't list accounts")
	}

	for _, id := range accounts {
		tasks = append(tasks, eng.disp.Start(operation.RefreshAccount,
			operation.Args{Nym: pair.Nym, Notary: pair.Notary, Account: id}))
	}

	for _, task := range tasks {
		go func(task client.BackgroundTask) {
			<-task.Future.Done()

			res, _ := task.Future.Poll()
			if !res.Success() {
				a.logger.Warn().Uint64("task", uint64(task.ID)).Err(failure(res)).Msg("refresh failed")
			}
		}(task)
	}
}

func (a *app) serveMetrics(addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()

	for _, c := range opentxs.PromCollectors {
		err := reg.Register(c)
		if err != nil {
			return nil, xerrors.Errorf("couldn't register collector: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			a.logger.Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	fmt.Fprintf(a.out, "metrics available on %s/metrics\n", addr)

	return srv, nil
}

func (a *app) args(flags cli.Flags) operation.Args {
	notary := identifier.Notary(flags.String("notary"))
	if notary.Empty() {
		notary = a.cfg.Client.IntroductionServer
	}

	return operation.Args{
		Nym:    identifier.Nym(flags.String("nym")),
		Notary: notary,
	}
}

func (a *app) start(flags cli.Flags, kind operation.Type, args operation.Args) error {
	eng, err := newEngine(a.cfg, a.logger)
	if err != nil {
		return err
	}

	return a.execute(eng, flags, kind, args)
}

// execute runs the task and closes the engine.
func (a *app) execute(eng *engine, flags cli.Flags, kind operation.Type, args operation.Args) error {
	defer eng.Close()

	task := eng.disp.Start(kind, args)

	res, err := task.Future.WaitFor(context.Background(), clockwork.NewRealClock(), flags.Duration("timeout"))
	if err != nil {
		return xerrors.Errorf("%v: %v", kind, err)
	}

	if !res.Success() {
		return xerrors.Errorf("%v failed: %v", kind, failure(res))
	}

	fmt.Fprintf(a.out, "%v succeeded (task %d)\n", kind, task.ID)

	return nil
}

func failure(res client.Result) error {
	if res.Err != nil {
		return res.Err
	}

	return xerrors.Errorf("status %v", res.Status)
}

func taskFlags(extra ...cli.Flag) []cli.Flag {
	flags := []cli.Flag{
		cli.StringFlag{Name: "nym", Usage: "nym of the wallet", Required: true},
		cli.StringFlag{Name: "notary", Usage: "notary, the introduction server by default"},
		cli.DurationFlag{Name: "timeout", Usage: "maximum time to wait", Value: time.Minute},
	}

	return append(flags, extra...)
}

func targetFlag(usage string) cli.Flag {
	return cli.StringFlag{Name: "target", Usage: usage, Required: true}
}

func accountFlag() cli.Flag {
	return cli.StringFlag{Name: "account", Usage: "account of the nym", Required: true}
}

func amountFlag() cli.Flag {
	return cli.Int64Flag{Name: "amount", Usage: "amount of the transaction", Required: true}
}

func memoFlag() cli.Flag {
	return cli.StringFlag{Name: "memo", Usage: "memo of the transaction"}
}

func fillTarget(flags cli.Flags, args *operation.Args) {
	args.Target = flags.String("target")
}

func fillAmount(flags cli.Flags, args *operation.Args) {
	args.Account = identifier.Account(flags.String("account"))
	args.Amount = flags.Int64("amount")
	args.Memo = flags.String("memo")
}
