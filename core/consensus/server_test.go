package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
	"github.com/wiesiekpap/opentxs-sub020/internal/testing/fake"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"github.com/wiesiekpap/opentxs-sub020/transport/local"
	"golang.org/x/xerrors"
)

func TestServerContext_New(t *testing.T) {
	_, err := NewServerContext(ContextParam{Pair: identifier.NewPair("", "notary")})
	require.EqualError(t, err, "invalid pair '@notary'")

	ctx, err := NewServerContext(ContextParam{Pair: identifier.NewPair("alice", "notary")})
	require.NoError(t, err)
	require.Equal(t, identifier.NewPair("alice", "notary"), ctx.Pair())
	require.Equal(t, 0, ctx.AvailableNumbers())
	require.True(t, ctx.NymboxHashMatch())
}

func TestServerContext_NextTransactionNumber(t *testing.T) {
	ctx := newMemoryContext(t)

	_, err := ctx.NextTransactionNumber("transfer")
	require.Equal(t, ErrNoNumbers, err)

	require.Equal(t, 3, ctx.AcceptIssuedNumbers([]uint64{12, 10, 11}))
	require.Equal(t, 0, ctx.AcceptIssuedNumbers([]uint64{10, 0}))
	require.Equal(t, []uint64{10, 11, 12}, ctx.IssuedNumbers())

	n1, err := ctx.NextTransactionNumber("transfer")
	require.NoError(t, err)
	require.Equal(t, uint64(10), n1.Value())
	require.Equal(t, "transfer", n1.Purpose())

	n2, err := ctx.NextTransactionNumber("deposit")
	require.NoError(t, err)
	require.Equal(t, uint64(11), n2.Value())
	require.Equal(t, 1, ctx.AvailableNumbers())

	require.True(t, n1.Release())
	require.False(t, n1.MarkConsumed())
	require.False(t, n1.Consumed())
	require.True(t, n1.Settled())
	require.Equal(t, 2, ctx.AvailableNumbers())

	require.True(t, n2.MarkConsumed())
	require.False(t, n2.Release())
	require.True(t, n2.Consumed())
	require.Equal(t, 2, ctx.AvailableNumbers())

	require.Equal(t, Stats{Reserved: 2, Consumed: 1, Released: 1}, ctx.Stats())
}

func TestServerContext_ConcurrentNumbers(t *testing.T) {
	ctx := newMemoryContext(t)

	numbers := make([]uint64, 100)
	for i := range numbers {
		numbers[i] = uint64(i + 1)
	}

	ctx.AcceptIssuedNumbers(numbers)

	var wg sync.WaitGroup
	var lock sync.Mutex
	outstanding := make(map[uint64]struct{})
	errs := make(chan error, 100)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				n, err := ctx.NextTransactionNumber("test")
				if err != nil {
					errs <- err
					return
				}

				lock.Lock()
				_, dup := outstanding[n.Value()]
				outstanding[n.Value()] = struct{}{}
				lock.Unlock()

				if dup {
					errs <- xerrors.Errorf("number %d reserved twice", n.Value())
				}

				// The number leaves the outstanding set before it can be
				// handed out again.
				lock.Lock()
				delete(outstanding, n.Value())
				lock.Unlock()

				if i%2 == 0 {
					n.MarkConsumed()
				} else {
					n.Release()
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	stats := ctx.Stats()
	require.Equal(t, uint64(100), stats.Reserved)
	require.Equal(t, stats.Reserved, stats.Consumed+stats.Released)
	require.Equal(t, uint64(50), stats.Consumed)
	require.Equal(t, 50, ctx.AvailableNumbers())
}

func TestServerContext_RecoverAvailableNumber(t *testing.T) {
	ctx := newMemoryContext(t)

	ctx.AcceptIssuedNumbers([]uint64{1, 2})

	require.False(t, ctx.RecoverAvailableNumber(1))
	require.False(t, ctx.RecoverAvailableNumber(3))

	n, err := ctx.NextTransactionNumber("test")
	require.NoError(t, err)
	require.False(t, ctx.RecoverAvailableNumber(n.Value()))

	n.MarkConsumed()
	require.True(t, ctx.RecoverAvailableNumber(1))
	require.Equal(t, 2, ctx.AvailableNumbers())
}

func TestServerContext_CloseNumbers(t *testing.T) {
	ctx := newMemoryContext(t)

	ctx.AcceptIssuedNumbers([]uint64{1, 2, 3})

	n, err := ctx.NextTransactionNumber("test")
	require.NoError(t, err)

	ctx.CloseNumbers(1, 3)
	require.Equal(t, []uint64{2}, ctx.IssuedNumbers())
	require.Equal(t, 1, ctx.AvailableNumbers())

	// A closed number is not put back in the pool.
	n.Release()
	require.Equal(t, 1, ctx.AvailableNumbers())
}

func TestServerContext_FinalizeServerCommand(t *testing.T) {
	signer := ed25519.NewSigner()
	ctx, err := NewServerContext(ContextParam{
		Pair:   identifier.NewPair("alice", "notary"),
		Signer: signer,
	})
	require.NoError(t, err)

	ctx.ProcessReply(&message.Reply{Success: true, RequestNumber: 5, NymboxHash: []byte{1}})
	require.Equal(t, uint64(5), ctx.RequestNumber())
	require.False(t, ctx.NymboxHashMatch())

	msg := message.New(message.GetNymbox, ctx.Pair())
	require.NoError(t, ctx.FinalizeServerCommand(msg))
	require.Equal(t, uint64(5), msg.RequestNumber)
	require.Equal(t, uint64(6), ctx.RequestNumber())
	require.NoError(t, msg.Verify(ed25519.NewScheme()))

	// The request number of the notary is adopted even when it goes back.
	ctx.ProcessReply(&message.Reply{Success: true, RequestNumber: 2})
	require.Equal(t, uint64(2), ctx.RequestNumber())

	ctx.ProcessReply(nil)
	require.Equal(t, uint64(2), ctx.RequestNumber())

	ctx.signer = fake.NewBadSigner()
	err = ctx.FinalizeServerCommand(message.New(message.GetNymbox, ctx.Pair()))
	require.EqualError(t, err, fake.Err("couldn't sign message: couldn't sign"))
}

func TestServerContext_ProcessReply_Unregistered(t *testing.T) {
	ctx := newMemoryContext(t)

	// A refused reply carries nothing the nym can rely on before it is
	// registered.
	ctx.ProcessReply(&message.Reply{RequestNumber: 9, NymboxHash: []byte{1}})
	require.Equal(t, uint64(0), ctx.RequestNumber())
	require.True(t, ctx.NymboxHashMatch())

	ctx.ProcessReply(&message.Reply{Success: true, RequestNumber: 4})
	require.Equal(t, uint64(4), ctx.RequestNumber())

	ctx.SetRegisteredRevision(1)

	ctx.ProcessReply(&message.Reply{RequestNumber: 9, NymboxHash: []byte{1}})
	require.Equal(t, uint64(9), ctx.RequestNumber())
	require.False(t, ctx.NymboxHashMatch())
}

func TestServerContext_Admin(t *testing.T) {
	ctx, err := NewServerContext(ContextParam{
		Pair:          identifier.NewPair("alice", "notary"),
		AdminPassword: "secret",
	})
	require.NoError(t, err)

	require.True(t, ctx.AdminPending())
	require.Equal(t, "secret", ctx.AdminPassword())
	require.False(t, ctx.IsAdmin())

	ctx.SetAdminResult(true)
	require.False(t, ctx.AdminPending())
	require.True(t, ctx.IsAdmin())

	ctx.SetRegisteredRevision(3)
	require.Equal(t, uint64(3), ctx.RegisteredRevision())
}

func TestServerContext_Persistence(t *testing.T) {
	db, err := kv.NewTemp("opentxs-consensus")
	require.NoError(t, err)

	defer db.Close()

	param := ContextParam{
		Pair:   identifier.NewPair("alice", "notary"),
		Signer: ed25519.NewSigner(),
		DB:     db,
	}

	ctx, err := NewServerContext(param)
	require.NoError(t, err)

	ctx.AcceptIssuedNumbers([]uint64{1, 2, 3})
	ctx.ProcessReply(&message.Reply{Success: true, RequestNumber: 7})

	n1, err := ctx.NextTransactionNumber("test")
	require.NoError(t, err)

	n2, err := ctx.NextTransactionNumber("test")
	require.NoError(t, err)
	n2.MarkConsumed()

	// The process stops while n1 is still reserved.
	_ = n1

	restored, err := NewServerContext(param)
	require.NoError(t, err)
	require.Equal(t, uint64(7), restored.RequestNumber())
	require.Equal(t, []uint64{1, 2, 3}, restored.IssuedNumbers())
	require.Equal(t, 2, restored.AvailableNumbers())
	require.Equal(t, Stats{Reserved: 2, Consumed: 1, Released: 1}, restored.Stats())

	n, err := restored.NextTransactionNumber("test")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n.Value())
}

func TestServerContext_RefreshNymbox(t *testing.T) {
	notary := fake.NewNotary("notary")
	sink := &fakeSink{}
	ctx := newNotaryContext(t, notary, sink)

	notary.PushNotice("alice", ledger.Notice{Type: ledger.NumbersNotice, Numbers: []uint64{4, 5, 6}})
	notary.PushNotice("alice", ledger.Notice{Type: ledger.MessageNotice, From: "bob", Payload: []byte("hi")})

	res := refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
	require.Equal(t, 3, ctx.AvailableNumbers())
	require.True(t, ctx.NymboxHashMatch())
	require.Equal(t, notary.RequestNumber("alice"), ctx.RequestNumber())
	require.Equal(t, 1, sink.count())
	require.Equal(t, 1, notary.Count(message.ProcessNymbox))

	// Nothing left to acknowledge.
	res = refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
	require.Equal(t, 1, notary.Count(message.ProcessNymbox))
}

func TestServerContext_RefreshNymbox_Idempotent(t *testing.T) {
	notary := fake.NewNotary("notary")
	sink := &fakeSink{}
	ctx := newNotaryContext(t, notary, sink)

	notary.PushNotice("alice", ledger.Notice{Type: ledger.NumbersNotice, Numbers: []uint64{4, 5}})
	notary.PushNotice("alice", ledger.Notice{Type: ledger.PeerRequestNotice, From: "bob"})
	notary.FailNext(message.ProcessNymbox, fake.Drop, 1)

	res := refresh(t, ctx)
	require.Equal(t, message.Unknown, res.Status)
	require.Equal(t, 2, ctx.AvailableNumbers())

	// The notices are delivered again and only acknowledged.
	res = refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
	require.Equal(t, 2, ctx.AvailableNumbers())
	require.Equal(t, []uint64{4, 5}, ctx.IssuedNumbers())
	require.Equal(t, 1, sink.count())
	require.True(t, ctx.NymboxHashMatch())
}

func TestServerContext_RefreshNymbox_SinkFailure(t *testing.T) {
	notary := fake.NewNotary("notary")
	sink := &fakeSink{err: fake.NewError()}
	ctx := newNotaryContext(t, notary, sink)

	notary.PushNotice("alice", ledger.Notice{Type: ledger.MessageNotice, From: "bob"})

	res := refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
	require.Equal(t, 0, notary.Count(message.ProcessNymbox))
	require.False(t, ctx.NymboxHashMatch())

	sink.setErr(nil)

	res = refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
	require.Equal(t, 1, notary.Count(message.ProcessNymbox))
	require.Equal(t, 1, sink.count())
}

func TestServerContext_RefreshNymbox_Failures(t *testing.T) {
	notary := fake.NewNotary("notary")
	ctx := newNotaryContext(t, notary, nil)

	notary.FailNext(message.GetNymbox, fake.Reject, 1)

	res := refresh(t, ctx)
	require.Equal(t, message.MessageFailed, res.Status)

	notary.FailNext(message.GetRequestNumber, fake.Hang, 1)

	res = refresh(t, ctx)
	require.Equal(t, message.Unknown, res.Status)

	res = refresh(t, ctx)
	require.Equal(t, message.MessageSuccess, res.Status)
}

// -----------------------------------------------------------------------------
// Utility functions

func newMemoryContext(t *testing.T) *ServerContext {
	ctx, err := NewServerContext(ContextParam{
		Pair:   identifier.NewPair("alice", "notary"),
		Signer: ed25519.NewSigner(),
	})
	require.NoError(t, err)

	return ctx
}

func newNotaryContext(t *testing.T, notary *fake.Notary, sink NoticeSink) *ServerContext {
	signer := ed25519.NewSigner()
	tr := local.NewTransport(notary, local.WithScheme(notary.Scheme()))

	param := ContextParam{
		Pair:           identifier.NewPair("alice", notary.ID()),
		Signer:         signer,
		Transport:      tr,
		Clock:          clockwork.NewRealClock(),
		RequestTimeout: 200 * time.Millisecond,
		Sink:           sink,
	}

	ctx, err := NewServerContext(param)
	require.NoError(t, err)

	register(t, ctx, tr, signer)

	return ctx
}

func register(t *testing.T, ctx *ServerContext, tr transport.Transport, signer crypto.Signer) {
	msg := message.New(message.RegisterNym, ctx.Pair())
	require.NoError(t, msg.SetPayload(message.Registration{Revision: 1}))
	require.NoError(t, ctx.FinalizeServerCommand(msg))

	res, err := transport.RoundTrip(context.Background(), tr, msg, clockwork.NewRealClock(), time.Second)
	require.NoError(t, err)
	require.Equal(t, message.MessageSuccess, res.Status)

	ctx.ProcessReply(res.Reply)
	ctx.SetRegisteredRevision(1)
}

func refresh(t *testing.T, ctx *ServerContext) message.DeliveryResult {
	res, err := ctx.RefreshNymbox(context.Background()).WaitFor(
		context.Background(), clockwork.NewRealClock(), 5*time.Second)
	require.NoError(t, err)

	return res
}

type fakeSink struct {
	sync.Mutex
	notices []ledger.Notice
	err     error
}

func (s *fakeSink) StoreNotice(pair identifier.Pair, notice ledger.Notice) error {
	s.Lock()
	defer s.Unlock()

	if s.err != nil {
		return s.err
	}

	s.notices = append(s.notices, notice)

	return nil
}

func (s *fakeSink) count() int {
	s.Lock()
	defer s.Unlock()

	return len(s.notices)
}

func (s *fakeSink) setErr(err error) {
	s.Lock()
	s.err = err
	s.Unlock()
}
