package consensus

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	opentxs "github.com/wiesiekpap/opentxs-sub020"
	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

var bucketName = []byte("contexts")

// state is the persisted part of a server context.
type state struct {
	RequestNumber    uint64
	Available        []uint64
	Issued           []uint64
	InFlight         []uint64
	LocalNymboxHash  []byte
	RemoteNymboxHash []byte
	AdminPassword    string
	AdminAttempted   bool
	Admin            bool
	Revision         uint64
	// Acked lists the notices already applied whose acknowledgement was not
	// confirmed by the notary yet.
	Acked []uint64
	Stats Stats
}

// ContextParam is the list of parameters to create a server context.
type ContextParam struct {
	Pair      identifier.Pair
	Signer    crypto.Signer
	Transport transport.Transport
	// Sink receives the notices that are not transaction numbers.
	Sink NoticeSink
	// DB persists the context. The state is kept in memory only when it is
	// nil.
	DB             kv.DB
	Clock          clockwork.Clock
	RequestTimeout time.Duration
	AdminPassword  string
}

// ServerContext is the consensus context of a nym with a notary.
//
// - implements consensus.Context
type ServerContext struct {
	sync.Mutex

	pair      identifier.Pair
	signer    crypto.Signer
	transport transport.Transport
	sink      NoticeSink
	db        kv.DB
	clock     clockwork.Clock
	timeout   time.Duration
	logger    zerolog.Logger

	st state
}

// NewServerContext creates the context of the pair. The state is restored from
// the database when it exists. Numbers that were reserved when the previous
// process stopped are released.
func NewServerContext(param ContextParam) (*ServerContext, error) {
	if !param.Pair.Valid() {
		return nil, xerrors.Errorf("invalid pair '%v'", param.Pair)
	}

	c := &ServerContext{
		pair:      param.Pair,
		signer:    param.Signer,
		transport: param.Transport,
		sink:      param.Sink,
		db:        param.DB,
		clock:     param.Clock,
		timeout:   param.RequestTimeout,
		logger: opentxs.Logger.With().
			Str("nym", string(param.Pair.Nym)).
			Str("notary", string(param.Pair.Notary)).Logger(),
	}

	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}

	err := c.load()
	if err != nil {
		return nil, xerrors.Errorf("failed to load context: %v", err)
	}

	if param.AdminPassword != "" && param.AdminPassword != c.st.AdminPassword {
		c.st.AdminPassword = param.AdminPassword
		c.st.AdminAttempted = false
	}

	for _, n := range c.st.InFlight {
		c.st.Available = insert(c.st.Available, n)
		c.st.Stats.Released++
	}

	c.st.InFlight = nil

	c.save()

	return c, nil
}

// Pair implements consensus.Context.
func (c *ServerContext) Pair() identifier.Pair {
	return c.pair
}

// Signer implements consensus.Context.
func (c *ServerContext) Signer() crypto.Signer {
	return c.signer
}

// AvailableNumbers implements consensus.Context.
func (c *ServerContext) AvailableNumbers() int {
	c.Lock()
	defer c.Unlock()

	return len(c.st.Available)
}

// NextTransactionNumber implements consensus.Context. It reserves the lowest
// available number.
func (c *ServerContext) NextTransactionNumber(purpose string) (*ManagedNumber, error) {
	c.Lock()
	defer c.Unlock()

	if len(c.st.Available) == 0 {
		return nil, ErrNoNumbers
	}

	n := c.st.Available[0]
	c.st.Available = c.st.Available[1:]
	c.st.InFlight = insert(c.st.InFlight, n)
	c.st.Stats.Reserved++

	c.save()

	c.logger.Debug().Uint64("number", n).Str("purpose", purpose).Msg("number reserved")

	return newManagedNumber(c, n, purpose), nil
}

func (c *ServerContext) settle(number uint64, consumed bool) {
	c.Lock()
	defer c.Unlock()

	c.st.InFlight = remove(c.st.InFlight, number)

	if consumed {
		c.st.Stats.Consumed++
	} else {
		if contains(c.st.Issued, number) {
			c.st.Available = insert(c.st.Available, number)
		}

		c.st.Stats.Released++
	}

	c.save()
}

// RecoverAvailableNumber implements consensus.Context.
func (c *ServerContext) RecoverAvailableNumber(number uint64) bool {
	c.Lock()
	defer c.Unlock()

	if !contains(c.st.Issued, number) || contains(c.st.Available, number) ||
		contains(c.st.InFlight, number) {
		return false
	}

	c.st.Available = insert(c.st.Available, number)
	c.save()

	return true
}

// IssuedNumbers implements consensus.Context.
func (c *ServerContext) IssuedNumbers() []uint64 {
	c.Lock()
	defer c.Unlock()

	return append([]uint64{}, c.st.Issued...)
}

// AcceptIssuedNumbers implements consensus.Context.
func (c *ServerContext) AcceptIssuedNumbers(numbers []uint64) int {
	c.Lock()
	defer c.Unlock()

	added := c.acceptNumbers(numbers)
	c.save()

	return added
}

func (c *ServerContext) acceptNumbers(numbers []uint64) int {
	added := 0

	for _, n := range numbers {
		if n == 0 || contains(c.st.Issued, n) {
			continue
		}

		c.st.Issued = insert(c.st.Issued, n)
		c.st.Available = insert(c.st.Available, n)
		added++
	}

	return added
}

// CloseNumbers implements consensus.Context.
func (c *ServerContext) CloseNumbers(numbers ...uint64) {
	c.Lock()
	defer c.Unlock()

	for _, n := range numbers {
		c.st.Issued = remove(c.st.Issued, n)
		c.st.Available = remove(c.st.Available, n)
	}

	c.save()
}

// NymboxHashMatch implements consensus.Context.
func (c *ServerContext) NymboxHashMatch() bool {
	c.Lock()
	defer c.Unlock()

	return bytes.Equal(c.st.LocalNymboxHash, c.st.RemoteNymboxHash)
}

// SetRemoteNymboxHash implements consensus.Context.
func (c *ServerContext) SetRemoteNymboxHash(hash []byte) {
	c.Lock()
	defer c.Unlock()

	c.st.RemoteNymboxHash = hash
	c.save()
}

func (c *ServerContext) setNymboxHash(hash []byte) {
	c.Lock()
	defer c.Unlock()

	c.st.LocalNymboxHash = hash
	c.st.RemoteNymboxHash = hash
	c.save()
}

// FinalizeServerCommand implements consensus.Context. It stamps the request
// number, which is then incremented, and the local nymbox hash before signing
// the message.
func (c *ServerContext) FinalizeServerCommand(msg *message.Message) error {
	c.Lock()
	msg.RequestNumber = c.st.RequestNumber
	msg.NymboxHash = append([]byte{}, c.st.LocalNymboxHash...)
	c.st.RequestNumber++
	c.save()
	c.Unlock()

	err := msg.Sign(c.signer)
	if err != nil {
		return xerrors.Errorf("couldn't sign message: %v", err)
	}

	return nil
}

// ProcessReply implements consensus.Context. The request number of the notary
// is adopted even when it goes backward as it means some requests never
// reached it. A refused reply is ignored while the nym is unregistered since
// the notary holds no state for it.
func (c *ServerContext) ProcessReply(reply *message.Reply) {
	if reply == nil {
		return
	}

	c.Lock()
	defer c.Unlock()

	if !reply.Success && c.st.Revision == 0 {
		return
	}

	if reply.RequestNumber > 0 {
		c.st.RequestNumber = reply.RequestNumber
	}

	if len(reply.NymboxHash) > 0 {
		c.st.RemoteNymboxHash = reply.NymboxHash
	}

	c.save()
}

// RequestNumber implements consensus.Context.
func (c *ServerContext) RequestNumber() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.st.RequestNumber
}

// AdminPending implements consensus.Context.
func (c *ServerContext) AdminPending() bool {
	c.Lock()
	defer c.Unlock()

	return c.st.AdminPassword != "" && !c.st.AdminAttempted
}

// AdminPassword implements consensus.Context.
func (c *ServerContext) AdminPassword() string {
	c.Lock()
	defer c.Unlock()

	return c.st.AdminPassword
}

// SetAdminResult implements consensus.Context.
func (c *ServerContext) SetAdminResult(success bool) {
	c.Lock()
	defer c.Unlock()

	c.st.AdminAttempted = true
	c.st.Admin = success
	c.save()
}

// IsAdmin implements consensus.Context.
func (c *ServerContext) IsAdmin() bool {
	c.Lock()
	defer c.Unlock()

	return c.st.Admin
}

// RegisteredRevision implements consensus.Context.
func (c *ServerContext) RegisteredRevision() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.st.Revision
}

// SetRegisteredRevision implements consensus.Context.
func (c *ServerContext) SetRegisteredRevision(revision uint64) {
	c.Lock()
	defer c.Unlock()

	c.st.Revision = revision
	c.save()
}

// Stats implements consensus.Context.
func (c *ServerContext) Stats() Stats {
	c.Lock()
	defer c.Unlock()

	return c.st.Stats
}

// RefreshNymbox implements consensus.Context. It runs in the background:
// getRequestNumber, then getNymbox, then the notices are applied and
// acknowledged with processNymbox.
func (c *ServerContext) RefreshNymbox(ctx context.Context) *future.Future[message.DeliveryResult] {
	promise, fut := future.New[message.DeliveryResult]()

	go func() {
		res := c.refresh(ctx)
		promise.Resolve(res)
	}()

	return fut
}

func (c *ServerContext) refresh(ctx context.Context) message.DeliveryResult {
	res, err := c.roundTrip(ctx, message.GetRequestNumber, nil)
	if err != nil || res.Status != message.MessageSuccess {
		return res
	}

	res, err = c.roundTrip(ctx, message.GetNymbox, nil)
	if err != nil || res.Status != message.MessageSuccess {
		return res
	}

	box := ledger.Nymbox{}

	err = res.Reply.DecodePayload(&box)
	if err != nil {
		c.logger.Warn().Err(err).Msg("malformed nymbox")
		return message.DeliveryResult{Status: message.Unknown}
	}

	ids, complete := c.applyNotices(box)
	if len(ids) == 0 {
		if complete {
			c.setNymboxHash(res.Reply.NymboxHash)
		}

		return res
	}

	res, err = c.roundTrip(ctx, message.ProcessNymbox, message.Acknowledgement{Notices: ids})
	if err != nil || res.Status != message.MessageSuccess {
		return res
	}

	c.Lock()
	for _, id := range ids {
		c.st.Acked = remove(c.st.Acked, id)
	}
	c.Unlock()

	if complete {
		c.setNymboxHash(res.Reply.NymboxHash)
	}

	c.logger.Debug().Int("notices", len(ids)).Msg("nymbox processed")

	return res
}

// applyNotices applies the notices and returns the identifiers to
// acknowledge. A notice that cannot be stored is left for the next refresh, in
// which case the nymbox is not complete.
func (c *ServerContext) applyNotices(box ledger.Nymbox) ([]uint64, bool) {
	c.Lock()
	defer c.Unlock()

	ids := make([]uint64, 0, len(box.Notices))
	complete := true

	for _, notice := range box.Notices {
		if contains(c.st.Acked, notice.ID) {
			ids = append(ids, notice.ID)
			continue
		}

		if notice.Type == ledger.NumbersNotice {
			added := c.acceptNumbers(notice.Numbers)
			c.logger.Debug().Int("added", added).Msg("numbers delivered")
		} else if c.sink != nil {
			err := c.sink.StoreNotice(c.pair, notice)
			if err != nil {
				c.logger.Warn().Err(err).Stringer("type", notice.Type).Msg("notice not stored")
				complete = false
				continue
			}
		}

		c.st.Acked = insert(c.st.Acked, notice.ID)
		ids = append(ids, notice.ID)
	}

	c.save()

	return ids, complete
}

func (c *ServerContext) roundTrip(ctx context.Context, cmd message.Command,
	payload interface{}) (message.DeliveryResult, error) {

	msg := message.New(cmd, c.pair)

	if payload != nil {
		err := msg.SetPayload(payload)
		if err != nil {
			return message.DeliveryResult{Status: message.NotSent}, err
		}
	}

	err := c.FinalizeServerCommand(msg)
	if err != nil {
		return message.DeliveryResult{Status: message.NotSent}, err
	}

	res, err := transport.RoundTrip(ctx, c.transport, msg, c.clock, c.timeout)
	if err != nil {
		return res, err
	}

	c.ProcessReply(res.Reply)

	if res.Status != message.MessageSuccess {
		c.logger.Debug().Str("command", string(cmd)).Stringer("status", res.Status).Msg("refresh step failed")
	}

	return res, nil
}

func (c *ServerContext) load() error {
	if c.db == nil {
		return nil
	}

	return c.db.Update(bucketName, func(b kv.Bucket) error {
		data := b.Get(c.pair.Key())
		if data == nil {
			return nil
		}

		return encoding.Unmarshal(data, &c.st)
	})
}

// save persists the state. It must be called while holding the lock.
func (c *ServerContext) save() {
	if c.db == nil {
		return
	}

	data, err := encoding.Marshal(c.st)
	if err != nil {
		c.logger.Err(err).Msg("couldn't encode context")
		return
	}

	err = c.db.Update(bucketName, func(b kv.Bucket) error {
		return b.Set(c.pair.Key(), data)
	})
	if err != nil {
		c.logger.Err(err).Msg("couldn't store context")
	}
}

func contains(list []uint64, n uint64) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= n })
	return i < len(list) && list[i] == n
}

// insert adds the number to the sorted list if it is not there yet.
func insert(list []uint64, n uint64) []uint64 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= n })
	if i < len(list) && list[i] == n {
		return list
	}

	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = n

	return list
}

func remove(list []uint64, n uint64) []uint64 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= n })
	if i == len(list) || list[i] != n {
		return list
	}

	return append(list[:i], list[i+1:]...)
}
