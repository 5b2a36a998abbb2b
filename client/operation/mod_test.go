package operation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/client/reconcile"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
	"github.com/wiesiekpap/opentxs-sub020/internal/testing/fake"
	"github.com/wiesiekpap/opentxs-sub020/transport/local"
	"golang.org/x/xerrors"
)

func TestOperation_RegisterNym(t *testing.T) {
	env := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := env.op.Watch(ctx)

	res := env.op.Run(context.Background(), RegisterNym, env.args(Args{Revision: 2}))
	require.True(t, res.Success())

	require.Equal(t, []State{NymboxPre, Execute, NymboxPost, Idle}, drain(events))
	require.Equal(t, uint64(2), env.sc.RegisteredRevision())
	require.True(t, env.sc.NymboxHashMatch())
	require.Equal(t, []message.Command{
		message.RegisterNym,
		message.GetRequestNumber,
		message.GetNymbox,
	}, env.notary.Commands())
	require.Equal(t, Idle, env.op.State())
}

func TestOperation_RegisterNym_Rejected(t *testing.T) {
	env := newEnv(t)

	env.notary.FailNext(message.RegisterNym, fake.Reject, 1)

	res := env.op.Run(context.Background(), RegisterNym, env.args(Args{Revision: 1}))
	require.True(t, res.Success())
	require.Equal(t, 1, env.op.Errors())

	// Nothing but the registration is sent while the nym is unknown.
	require.Equal(t, []message.Command{
		message.RegisterNym,
		message.RegisterNym,
		message.GetRequestNumber,
		message.GetNymbox,
	}, env.notary.Commands())
	require.Equal(t, uint64(1), env.sc.RegisteredRevision())
}

func TestOperation_RegisterNym_Recovers(t *testing.T) {
	env := newEnv(t)

	env.notary.FailNext(message.RegisterNym, fake.Reject, 3)

	res := env.op.Run(context.Background(), RegisterNym, env.args(Args{Revision: 1}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))
	require.Equal(t, 3, env.notary.Count(message.RegisterNym))
	require.Equal(t, 0, env.notary.Count(message.GetRequestNumber))
	require.Equal(t, uint64(0), env.sc.RegisteredRevision())

	env.op.param.RequestTimeout = 50 * time.Millisecond
	env.notary.FailNext(message.RegisterNym, fake.Hang, 1)

	res = env.op.Run(context.Background(), RegisterNym, env.args(Args{Revision: 1}))
	require.True(t, res.Success())
	require.Equal(t, 1, env.op.Errors())
	require.Equal(t, 5, env.notary.Count(message.RegisterNym))
	require.Equal(t, uint64(1), env.sc.RegisteredRevision())
	require.True(t, env.sc.NymboxHashMatch())
}

func TestOperation_InvalidArgs(t *testing.T) {
	env := newEnv(t)

	res := env.op.Run(context.Background(), SendTransfer, env.args(Args{}))
	require.Equal(t, message.NotSent, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrInvalidArgs))

	res = env.op.Run(context.Background(), Type(0), env.args(Args{}))
	require.Equal(t, message.NotSent, res.Status)

	require.Empty(t, env.notary.Commands())
}

func TestOperation_SendTransfer(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	from := env.notary.OpenAccount("alice", "usd", 100)
	to := env.notary.OpenAccount("bob", "usd", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := env.op.Watch(ctx)

	res := env.op.Run(context.Background(), SendTransfer, env.args(Args{
		Account: from.ID,
		Target:  string(to.ID),
		Amount:  30,
	}))
	require.True(t, res.Success())

	require.Equal(t, []State{
		NymboxPre,
		TransactionNumbers,
		NymboxPre,
		TransactionNumbers,
		AccountPre,
		Execute,
		AccountPost,
		NymboxPost,
		Idle,
	}, drain(events))

	require.Equal(t, int64(70), env.notary.Balance(from.ID))
	require.Len(t, env.notary.Inbox(to.ID), 1)

	stored, err := env.wallet.Account(from.ID)
	require.NoError(t, err)
	require.Equal(t, int64(70), stored.Balance)

	outbox, err := env.wallet.Ledger(from.ID, ledger.Outbox)
	require.NoError(t, err)
	require.Len(t, outbox.Entries, 1)

	// The transfer stays open until the receipt is accepted.
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, env.sc.IssuedNumbers())
	require.Equal(t, 4, env.sc.AvailableNumbers())
	require.Equal(t, consensus.Stats{Reserved: 1, Consumed: 1}, env.sc.Stats())
	require.Equal(t, []identifier.Account{from.ID}, env.op.Affected())
}

func TestOperation_RetryExhausted(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	from := env.notary.OpenAccount("alice", "usd", 100)
	to := env.notary.OpenAccount("bob", "usd", 0)

	env.notary.FailNext(message.NotarizeTransaction, fake.Reject, 3)

	res := env.op.Run(context.Background(), SendTransfer, env.args(Args{
		Account: from.ID,
		Target:  string(to.ID),
		Amount:  30,
	}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))
	require.Equal(t, 3, env.op.Errors())

	require.Equal(t, 3, env.notary.Count(message.NotarizeTransaction))
	require.Equal(t, int64(100), env.notary.Balance(from.ID))
	require.Equal(t, 5, env.sc.AvailableNumbers())
	require.Equal(t, consensus.Stats{Reserved: 3, Released: 3}, env.sc.Stats())
}

func TestOperation_NumbersWithheld(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)

	env.notary.Withhold = true

	res := env.op.Run(context.Background(), DepositCash, env.args(Args{Account: acct.ID, Amount: 5}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))

	// Each empty delivery counts against the budget.
	require.Equal(t, 3, env.op.Errors())
	require.Equal(t, 3, env.notary.Count(message.GetTransactionNumbers))
	require.Equal(t, 0, env.notary.Count(message.NotarizeTransaction))
	require.Equal(t, 0, env.sc.AvailableNumbers())
	require.Equal(t, int64(100), env.notary.Balance(acct.ID))
}

func TestOperation_RetrySucceeds(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)

	env.notary.FailNext(message.NotarizeTransaction, fake.Reject, 2)

	res := env.op.Run(context.Background(), DepositCash, env.args(Args{Account: acct.ID, Amount: 5}))
	require.True(t, res.Success())
	require.Equal(t, 2, env.op.Errors())

	require.Equal(t, int64(105), env.notary.Balance(acct.ID))
	require.Equal(t, consensus.Stats{Reserved: 3, Consumed: 1, Released: 2}, env.sc.Stats())
	require.Equal(t, []uint64{2, 3, 4, 5}, env.sc.IssuedNumbers())
}

func TestOperation_Timeout(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.notary.FailNext(message.NotarizeTransaction, fake.Hang, 1)

	res := env.op.Run(ctx, WithdrawCash, env.args(Args{Account: acct.ID, Amount: 40}))
	require.True(t, res.Success())

	require.Equal(t, int64(60), env.notary.Balance(acct.ID))
	require.Equal(t, consensus.Stats{Reserved: 2, Consumed: 1, Released: 1}, env.sc.Stats())
}

func TestOperation_ItemRejected(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	from := env.notary.OpenAccount("alice", "usd", 100)
	to := env.notary.OpenAccount("bob", "usd", 0)

	env.notary.RejectNextItems(1)

	res := env.op.Run(context.Background(), SendTransfer, env.args(Args{
		Account: from.ID,
		Target:  string(to.ID),
		Amount:  30,
	}))
	require.Equal(t, message.MessageFailed, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRejected))
	require.EqualError(t, res.Err, "transfer: rejected: transaction rejected")

	// The number is burnt even though the transfer failed.
	require.Equal(t, consensus.Stats{Reserved: 1, Consumed: 1}, env.sc.Stats())
	require.Equal(t, []uint64{2, 3, 4, 5}, env.sc.IssuedNumbers())
	require.Equal(t, int64(100), env.notary.Balance(from.ID))
}

func TestOperation_WithdrawVoucher(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)

	res := env.op.Run(context.Background(), WithdrawVoucher, env.args(Args{
		Account: acct.ID,
		Target:  "bob",
		Amount:  10,
	}))
	require.True(t, res.Success())

	require.Equal(t, int64(90), env.notary.Balance(acct.ID))
	require.Equal(t, []uint64{3, 4, 5}, env.sc.IssuedNumbers())
	require.Equal(t, consensus.Stats{Reserved: 2, Consumed: 2}, env.sc.Stats())
}

func TestOperation_Cancelled(t *testing.T) {
	env := newEnv(t)
	env.register(t)
	env.numbers(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)

	env.op.param.RequestTimeout = time.Minute
	env.notary.FailNext(message.NotarizeTransaction, fake.Hang, 1)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan client.Result, 1)
	go func() {
		done <- env.op.Run(ctx, DepositCash, env.args(Args{Account: acct.ID, Amount: 5}))
	}()

	require.Eventually(t, func() bool {
		return env.notary.Count(message.NotarizeTransaction) == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()

	res := <-done
	require.Equal(t, message.Unknown, res.Status)
	require.Equal(t, ErrCancelled, res.Err)

	require.Equal(t, consensus.Stats{Reserved: 1, Released: 1}, env.sc.Stats())
	require.Equal(t, 5, env.sc.AvailableNumbers())

	res = env.op.Run(ctx, DepositCash, env.args(Args{Account: acct.ID, Amount: 5}))
	require.Equal(t, ErrCancelled, res.Err)
}

func TestOperation_DownloadNymbox(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	env.notary.PushNotice("alice", ledger.Notice{Type: ledger.MessageNotice, From: "bob", Payload: []byte("hi")})

	res := env.op.Run(context.Background(), DownloadNymbox, env.args(Args{}))
	require.True(t, res.Success())

	notices, err := env.wallet.Notices(env.sc.Pair())
	require.NoError(t, err)
	require.Len(t, notices, 1)
	require.Equal(t, []byte("hi"), notices[0].Payload)
	require.True(t, env.sc.NymboxHashMatch())
	require.Equal(t, 1, env.notary.Count(message.ProcessNymbox))
}

func TestOperation_DownloadNymbox_Failure(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	env.notary.FailNext(message.GetNymbox, fake.Reject, 3)

	res := env.op.Run(context.Background(), DownloadNymbox, env.args(Args{}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))
}

func TestOperation_NymboxPost_Mismatch(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	env.sink.setErr(fake.NewError())

	// The message lands in the own nymbox of the sender, which then can't be
	// stored.
	res := env.op.Run(context.Background(), SendMessage, env.args(Args{Target: "alice", Payload: []byte("hi")}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))
	require.Equal(t, 1, env.notary.Count(message.SendNymMessage))
	require.Equal(t, 3, env.notary.Count(message.GetNymbox))
	require.False(t, env.sc.NymboxHashMatch())

	env.sink.setErr(nil)

	res = env.op.Run(context.Background(), DownloadNymbox, env.args(Args{}))
	require.True(t, res.Success())
	require.True(t, env.sc.NymboxHashMatch())

	notices, err := env.wallet.Notices(env.sc.Pair())
	require.NoError(t, err)
	require.Len(t, notices, 1)
}

func TestOperation_Basic(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	res := env.op.Run(context.Background(), CheckNym, env.args(Args{Target: "alice"}))
	require.True(t, res.Success())

	contract, err := env.wallet.Contract(message.NymContract, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, contract.Data)

	res = env.op.Run(context.Background(), CheckNym, env.args(Args{Target: "unknown"}))
	require.Equal(t, message.Unknown, res.Status)
	require.True(t, xerrors.Is(res.Err, ErrRetryExhausted))

	res = env.op.Run(context.Background(), PublishServer, env.args(Args{
		Target:  "server",
		Payload: []byte("contract"),
	}))
	require.True(t, res.Success())

	require.NoError(t, env.wallet.AddMissing(message.ServerContract, "server"))

	res = env.op.Run(context.Background(), DownloadContract, env.args(Args{Target: "server"}))
	require.True(t, res.Success())

	missing, err := env.wallet.Missing(message.ServerContract)
	require.NoError(t, err)
	require.Empty(t, missing)

	res = env.op.Run(context.Background(), SendMessage, env.args(Args{Target: "alice", Payload: []byte("hi")}))
	require.True(t, res.Success())
}

func TestOperation_RequestAdmin(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	res := env.op.Run(context.Background(), RequestAdmin, env.args(Args{}))
	require.Equal(t, message.NotSent, res.Status)
	require.EqualError(t, res.Err, "couldn't build requestAdmin: admin password is missing")

	env.notary.AdminPassword = "secret"

	res = env.op.Run(context.Background(), RequestAdmin, env.args(Args{Payload: []byte("secret")}))
	require.True(t, res.Success())
	require.True(t, env.sc.IsAdmin())
}

func TestOperation_IssueUnitAndRegisterAccount(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	res := env.op.Run(context.Background(), RegisterAccount, env.args(Args{Unit: "usd"}))
	require.Equal(t, message.Unknown, res.Status)

	res = env.op.Run(context.Background(), IssueUnitDefinition, env.args(Args{
		Unit:    "usd",
		Payload: []byte("definition"),
	}))
	require.True(t, res.Success())
	require.Len(t, env.op.Affected(), 1)

	unit, err := env.wallet.Contract(message.UnitContract, "usd")
	require.NoError(t, err)
	require.Equal(t, []byte("definition"), unit.Data)

	res = env.op.Run(context.Background(), RegisterAccount, env.args(Args{Unit: "usd"}))
	require.True(t, res.Success())

	ids, err := env.wallet.Accounts(env.sc.Pair())
	require.NoError(t, err)
	require.Len(t, ids, 2)

	missing, err := env.wallet.Missing(message.UnitContract)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestOperation_RefreshAccount(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	acct := env.notary.OpenAccount("alice", "usd", 100)
	env.notary.AddInbox(acct.ID, ledger.Entry{Type: ledger.Pending, Number: 7, From: "other", Amount: 50})

	res := env.op.Run(context.Background(), RefreshAccount, env.args(Args{Account: acct.ID}))
	require.True(t, res.Success())

	require.Equal(t, int64(150), env.notary.Balance(acct.ID))
	require.Empty(t, env.notary.Inbox(acct.ID))
	require.Equal(t, 1, env.notary.Count(message.GetTransactionNumbers))
	require.Equal(t, 0, env.notary.Count(message.NotarizeTransaction))

	stored, err := env.wallet.Account(acct.ID)
	require.NoError(t, err)
	require.Equal(t, int64(150), stored.Balance)
}

func TestOperation_GetTransactionNumbers(t *testing.T) {
	env := newEnv(t)
	env.register(t)

	res := env.op.Run(context.Background(), GetTransactionNumbers, env.args(Args{}))
	require.True(t, res.Success())
	require.Equal(t, 5, env.sc.AvailableNumbers())
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, env.notary.Issued("alice"))
}

func TestCategory_String(t *testing.T) {
	require.Equal(t, "basic", CategoryBasic.String())
	require.Equal(t, "updateAccount", CategoryUpdateAccount.String())
	require.Equal(t, "unknown", Category(0).String())
}

func TestParseType(t *testing.T) {
	for _, kind := range Types() {
		parsed, err := ParseType(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, parsed)
	}

	_, err := ParseType("mint")
	require.EqualError(t, err, "unknown operation 'mint'")
}

func TestType_Definitions(t *testing.T) {
	for _, kind := range Types() {
		require.NotEqual(t, "unknown", kind.String())
		require.NotZero(t, kind.Category(), kind.String())

		if kind.Category() == CategoryTransaction {
			require.Equal(t, message.NotarizeTransaction, kind.Command())
			require.Greater(t, kind.NumbersRequired(), 0)
		}
	}

	require.Len(t, Types(), 20)
	require.Equal(t, 2, WithdrawVoucher.NumbersRequired())
	require.Equal(t, message.Command(""), RefreshAccount.Command())
}

func TestType_Validate(t *testing.T) {
	args := Args{Nym: "alice", Notary: "notary"}

	require.NoError(t, RegisterNym.Validate(args))
	require.NoError(t, DownloadNymbox.Validate(args))

	err := SendTransfer.Validate(args)
	require.EqualError(t, err, "sendTransfer requires an account: invalid arguments")

	args.Account = "acct"
	err = SendTransfer.Validate(args)
	require.EqualError(t, err, "sendTransfer requires a target: invalid arguments")

	args.Target = "bob"
	err = SendTransfer.Validate(args)
	require.EqualError(t, err, "sendTransfer requires a positive amount: invalid arguments")

	args.Amount = 1
	require.NoError(t, SendTransfer.Validate(args))

	err = RegisterNym.Validate(Args{Notary: "notary"})
	require.EqualError(t, err, "registerNym requires a nym: invalid arguments")

	err = RegisterNym.Validate(Args{Nym: "alice"})
	require.EqualError(t, err, "registerNym requires a notary: invalid arguments")

	err = Type(0).Validate(args)
	require.EqualError(t, err, "type 0: invalid arguments")
}

func TestState_String(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "transactionNumbers", TransactionNumbers.String())
	require.Equal(t, "unknown", State(42).String())
}

// -----------------------------------------------------------------------------
// Utility functions

type env struct {
	notary *fake.Notary
	sc     *consensus.ServerContext
	wallet wallet.Wallet
	sink   *flakySink
	op     *Operation
}

func newEnv(t *testing.T) env {
	notary := fake.NewNotary("notary")
	tr := local.NewTransport(notary, local.WithScheme(notary.Scheme()))

	db, err := kv.NewTemp("opentxs-operation")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	w, err := wallet.NewDiskWallet(db)
	require.NoError(t, err)

	sink := &flakySink{Wallet: w}

	sc, err := consensus.NewServerContext(consensus.ContextParam{
		Pair:           identifier.NewPair("alice", notary.ID()),
		Signer:         ed25519.NewSigner(),
		Transport:      tr,
		Sink:           sink,
		RequestTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	op := New(Param{
		Task:      1,
		Context:   sc,
		Transport: tr,
		Wallet:    w,
		Reconciler: reconcile.NewReconciler(reconcile.Param{
			Wallet:         w,
			Transport:      tr,
			RequestTimeout: 200 * time.Millisecond,
			Logger:         opentxs.Logger,
		}),
		Clock:             clockwork.NewRealClock(),
		RequestTimeout:    200 * time.Millisecond,
		TickInterval:      10 * time.Millisecond,
		RetryBudget:       3,
		NumbersPerRequest: 5,
		Logger:            opentxs.Logger,
	})

	return env{
		notary: notary,
		sc:     sc,
		wallet: w,
		sink:   sink,
		op:     op,
	}
}

func (e env) args(args Args) Args {
	args.Nym = "alice"
	args.Notary = e.notary.ID()

	return args
}

func (e env) register(t *testing.T) {
	res := e.op.Run(context.Background(), RegisterNym, e.args(Args{Revision: 1}))
	require.True(t, res.Success())

	e.notary.Calls.Clear()
}

func (e env) numbers(t *testing.T) {
	res := e.op.Run(context.Background(), GetTransactionNumbers, e.args(Args{}))
	require.True(t, res.Success())
	require.Equal(t, 5, e.sc.AvailableNumbers())
}

// flakySink stores the notices in the wallet unless an error is set.
type flakySink struct {
	wallet.Wallet

	sync.Mutex
	err error
}

func (s *flakySink) StoreNotice(pair identifier.Pair, notice ledger.Notice) error {
	s.Lock()
	err := s.err
	s.Unlock()

	if err != nil {
		return err
	}

	return s.Wallet.StoreNotice(pair, notice)
}

func (s *flakySink) setErr(err error) {
	s.Lock()
	s.err = err
	s.Unlock()
}

func drain(events <-chan Event) []State {
	states := make([]State, 0)

	for {
		select {
		case evt := <-events:
			states = append(states, evt.State)
		default:
			return states
		}
	}
}
