package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/txn"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
)

// Failure is the kind of failure injected in the notary.
type Failure int

const (
	// Reject replies that the message failed.
	Reject Failure = iota + 1
	// Drop returns no reply at all.
	Drop
	// Hang blocks until the request is cancelled.
	Hang
)

type nymState struct {
	registered  bool
	revision    uint64
	pubkey      []byte
	expected    uint64
	nymbox      ledger.Nymbox
	nextNotice  uint64
	issued      map[uint64]struct{}
	inflight    int
	maxInflight int
}

type receiptKey struct {
	box    ledger.Box
	number uint64
}

type accountState struct {
	account  ledger.Account
	inbox    *ledger.Ledger
	outbox   *ledger.Ledger
	receipts map[receiptKey]ledger.Receipt
}

// Notary is an in-memory notary that implements enough of the protocol to
// drive the client engine. Failures can be injected per command.
//
// - implements transport.Handler
type Notary struct {
	sync.Mutex

	id          identifier.Notary
	signer      ed25519.Signer
	nyms        map[identifier.Nym]*nymState
	accounts    map[identifier.Account]*accountState
	contracts   map[string]message.Contract
	failures    map[message.Command][]Failure
	rejectItems int
	nextNumber  uint64
	nextReceipt uint64

	// NumbersPerRequest is how many numbers a getTransactionNumbers delivers.
	NumbersPerRequest int
	// Withhold makes getTransactionNumbers succeed without delivering any
	// number.
	Withhold      bool
	AdminPassword string
	// Delay is applied to every request before it is handled.
	Delay time.Duration
	Calls *Call
}

// NewNotary creates an empty notary.
func NewNotary(id identifier.Notary) *Notary {
	return &Notary{
		id:                id,
		signer:            ed25519.NewSigner(),
		nyms:              make(map[identifier.Nym]*nymState),
		accounts:          make(map[identifier.Account]*accountState),
		contracts:         make(map[string]message.Contract),
		failures:          make(map[message.Command][]Failure),
		nextNumber:        1,
		nextReceipt:       1000,
		NumbersPerRequest: 5,
		Calls:             &Call{},
	}
}

// ID returns the identifier of the notary.
func (n *Notary) ID() identifier.Notary {
	return n.id
}

// Scheme returns the scheme to verify the replies of the notary.
func (n *Notary) Scheme() crypto.Scheme {
	return ed25519.NewScheme()
}

// FailNext injects the failure for the next calls of the command.
func (n *Notary) FailNext(cmd message.Command, failure Failure, times int) {
	n.Lock()
	defer n.Unlock()

	for i := 0; i < times; i++ {
		n.failures[cmd] = append(n.failures[cmd], failure)
	}
}

// RejectNextItems rejects the first item of the next transactions.
func (n *Notary) RejectNextItems(count int) {
	n.Lock()
	n.rejectItems += count
	n.Unlock()
}

// Count returns how many times the command was received.
func (n *Notary) Count(cmd message.Command) int {
	count := 0

	for _, c := range n.Commands() {
		if c == cmd {
			count++
		}
	}

	return count
}

// Commands returns the commands received, in order.
func (n *Notary) Commands() []message.Command {
	cmds := make([]message.Command, n.Calls.Len())
	for i := range cmds {
		cmds[i] = n.Calls.Get(i, 0).(message.Command)
	}

	return cmds
}

// MaxInflight returns the highest number of requests of the nym that were
// handled at the same time.
func (n *Notary) MaxInflight(nym identifier.Nym) int {
	n.Lock()
	defer n.Unlock()

	st, found := n.nyms[nym]
	if !found {
		return 0
	}

	return st.maxInflight
}

// RequestNumber returns the request number the notary expects from the nym.
func (n *Notary) RequestNumber(nym identifier.Nym) uint64 {
	n.Lock()
	defer n.Unlock()

	return n.nym(nym).expected
}

// Issued returns the numbers issued to the nym and not consumed yet.
func (n *Notary) Issued(nym identifier.Nym) []uint64 {
	n.Lock()
	defer n.Unlock()

	numbers := make([]uint64, 0)
	for num := range n.nym(nym).issued {
		numbers = append(numbers, num)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return numbers
}

// PushNotice adds a notice to the nymbox of the nym.
func (n *Notary) PushNotice(nym identifier.Nym, notice ledger.Notice) {
	n.Lock()
	defer n.Unlock()

	n.notify(n.nym(nym), notice)
}

// OpenAccount creates an account for the nym without a round trip. The unit
// definition is published if the notary does not know it.
func (n *Notary) OpenAccount(nym identifier.Nym, unit identifier.Unit, balance int64) ledger.Account {
	n.Lock()
	defer n.Unlock()

	_, found := n.contracts[string(unit)]
	if !found {
		n.contracts[string(unit)] = message.Contract{Kind: message.UnitContract, ID: string(unit)}
	}

	acct := n.openAccount(nym, unit)
	acct.account.Balance = balance

	return acct.account
}

// Balance returns the balance of the account.
func (n *Notary) Balance(account identifier.Account) int64 {
	n.Lock()
	defer n.Unlock()

	return n.accounts[account].account.Balance
}

// Inbox returns a copy of the inbox of the account.
func (n *Notary) Inbox(account identifier.Account) []ledger.Entry {
	n.Lock()
	defer n.Unlock()

	return n.accounts[account].inbox.Clone().Entries
}

// AddInbox adds an entry to the inbox of the account, with its box receipt.
func (n *Notary) AddInbox(account identifier.Account, entry ledger.Entry) {
	n.Lock()
	defer n.Unlock()

	acct := n.accounts[account]
	acct.inbox.Entries = append(acct.inbox.Entries, entry)
	acct.receipts[receiptKey{box: ledger.Inbox, number: entry.Number}] = ledger.Receipt{
		Account: account,
		Box:     ledger.Inbox,
		Entry:   entry,
	}

	n.rehash(acct)
}

// Handle implements transport.Handler.
func (n *Notary) Handle(ctx context.Context, msg *message.Message) (*message.Reply, error) {
	n.Calls.Add(msg.Command, msg.Nym)

	n.enter(msg.Nym)
	defer n.leave(msg.Nym)

	if n.Delay > 0 {
		select {
		case <-time.After(n.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	failure := n.popFailure(msg.Command)

	switch failure {
	case Drop:
		return nil, fakeErr
	case Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	}

	n.Lock()
	reply := message.NewReply(msg, false)
	n.handle(msg, reply, failure == Reject)
	n.Unlock()

	err := reply.Sign(n.signer)
	if err != nil {
		return nil, err
	}

	return reply, nil
}

func (n *Notary) handle(msg *message.Message, reply *message.Reply, reject bool) {
	if msg.Verify(ed25519.NewScheme()) != nil {
		return
	}

	nym := n.nym(msg.Nym)
	defer n.stamp(nym, reply)

	if msg.Command == message.RegisterNym {
		if reject {
			return
		}

		reg := message.Registration{}
		if len(msg.Payload) > 0 && encoding.Unmarshal(msg.Payload, &reg) != nil {
			return
		}

		nym.registered = true
		nym.revision = reg.Revision
		nym.pubkey = msg.PublicKey
		reply.Success = true

		return
	}

	if !nym.registered || string(nym.pubkey) != string(msg.PublicKey) {
		return
	}

	if msg.Command == message.GetRequestNumber {
		reply.Success = !reject
		return
	}

	if msg.RequestNumber != nym.expected {
		return
	}

	nym.expected++

	if reject {
		return
	}

	switch msg.Command {
	case message.GetNymbox:
		reply.Success = reply.SetPayload(nym.nymbox) == nil
	case message.ProcessNymbox:
		ack := message.Acknowledgement{}
		if encoding.Unmarshal(msg.Payload, &ack) == nil {
			nym.nymbox.Remove(ack.Notices...)
			reply.Success = true
		}
	case message.GetTransactionNumbers:
		n.issueNumbers(nym, msg)
		reply.Success = true
	case message.NotarizeTransaction:
		n.notarize(nym, msg, reply)
	case message.ProcessInbox:
		n.processInbox(nym, msg, reply)
	case message.GetAccountData:
		acct := n.owned(msg.Nym, identifier.Account(msg.Target))
		if acct != nil {
			data := message.AccountData{
				Account: acct.account,
				Inbox:   *acct.inbox.Clone(),
				Outbox:  *acct.outbox.Clone(),
			}
			reply.Success = reply.SetPayload(data) == nil
		}
	case message.GetBoxReceipt:
		req := message.BoxReceiptRequest{}
		if encoding.Unmarshal(msg.Payload, &req) != nil {
			return
		}

		acct := n.owned(msg.Nym, req.Account)
		if acct == nil {
			return
		}

		receipt, found := acct.receipts[receiptKey{box: req.Box, number: req.Number}]
		if found {
			reply.Success = reply.SetPayload(receipt) == nil
		}
	case message.CheckNym:
		target, found := n.nyms[identifier.Nym(msg.Target)]
		if found && target.registered {
			contract := message.Contract{Kind: message.NymContract, ID: msg.Target, Data: target.pubkey}
			reply.Success = reply.SetPayload(contract) == nil
		}
	case message.GetContract:
		contract, found := n.contracts[msg.Target]
		if found {
			reply.Success = reply.SetPayload(contract) == nil
		}
	case message.RegisterContract:
		contract := message.Contract{}
		if encoding.Unmarshal(msg.Payload, &contract) == nil && contract.ID != "" {
			n.contracts[contract.ID] = contract
			reply.Success = true
		}
	case message.SendNymMessage, message.SendPeerRequest, message.SendPeerReply:
		target, found := n.nyms[identifier.Nym(msg.Target)]
		if found && target.registered {
			kind := ledger.MessageNotice
			switch msg.Command {
			case message.SendPeerRequest:
				kind = ledger.PeerRequestNotice
			case message.SendPeerReply:
				kind = ledger.PeerReplyNotice
			}

			n.notify(target, ledger.Notice{Type: kind, From: msg.Nym, Payload: msg.Payload})
			reply.Success = true
		}
	case message.RequestAdmin:
		reply.Success = n.AdminPassword != "" && string(msg.Payload) == n.AdminPassword
	case message.RegisterAccount, message.RegisterInstrumentDefinition:
		req := message.AccountRequest{}
		if encoding.Unmarshal(msg.Payload, &req) != nil {
			return
		}

		if msg.Command == message.RegisterInstrumentDefinition {
			if req.Unit.Empty() {
				req.Unit = identifier.Unit(uuid.NewString())
			}

			n.contracts[string(req.Unit)] = message.Contract{
				Kind: message.UnitContract,
				ID:   string(req.Unit),
				Data: req.Definition,
			}
		} else if _, found := n.contracts[string(req.Unit)]; !found {
			return
		}

		acct := n.openAccount(msg.Nym, req.Unit)
		reply.Success = reply.SetPayload(acct.account) == nil
	}
}

func (n *Notary) issueNumbers(nym *nymState, msg *message.Message) {
	if n.Withhold {
		return
	}

	req := message.Numbers{Count: n.NumbersPerRequest}
	if len(msg.Payload) > 0 {
		encoding.Unmarshal(msg.Payload, &req)
	}

	if req.Count <= 0 {
		req.Count = n.NumbersPerRequest
	}

	numbers := make([]uint64, req.Count)
	for i := range numbers {
		numbers[i] = n.nextNumber
		nym.issued[n.nextNumber] = struct{}{}
		n.nextNumber++
	}

	n.notify(nym, ledger.Notice{Type: ledger.NumbersNotice, Numbers: numbers})
}

// transaction decodes and checks the transaction of the message. The numbers
// of a valid transaction are consumed.
func (n *Notary) transaction(nym *nymState, msg *message.Message) (*txn.Transaction, *accountState) {
	tx := new(txn.Transaction)

	err := encoding.Unmarshal(msg.Payload, tx)
	if err != nil || tx.Verify(ed25519.NewScheme()) != nil {
		return nil, nil
	}

	acct := n.owned(msg.Nym, tx.Account)
	if acct == nil {
		return nil, nil
	}

	for _, num := range tx.Numbers() {
		if _, found := nym.issued[num]; !found {
			return nil, nil
		}
	}

	for _, num := range tx.Numbers() {
		delete(nym.issued, num)
	}

	return tx, acct
}

func (n *Notary) notarize(nym *nymState, msg *message.Message, reply *message.Reply) {
	tx, acct := n.transaction(nym, msg)
	if tx == nil {
		return
	}

	resp := txn.Response{Number: tx.Number}

	expected := acct.account.Balance + tx.Delta()
	resp.Balance = txn.ItemResult{Success: tx.Balance.Balance == expected}
	if !resp.Balance.Success {
		resp.Balance.Note = "balance mismatch"
	}

	for _, item := range tx.Items {
		res := txn.ItemResult{Type: item.Type, Number: tx.Number, Success: true}

		switch item.Type {
		case txn.Transfer:
			target, found := n.accounts[identifier.Account(item.Target)]
			if !found || target == acct {
				res.Success, res.Note = false, "invalid recipient"
			}
		case txn.DepositCheque, txn.DepositCash:
		case txn.WithdrawCash, txn.WithdrawVoucher:
		default:
			res.Success, res.Note = false, "unsupported item"
		}

		if item.Amount <= 0 {
			res.Success, res.Note = false, "invalid amount"
		}

		if item.Delta() < 0 && acct.account.Balance+item.Delta() < 0 {
			res.Success, res.Note = false, "insufficient funds"
		}

		resp.Items = append(resp.Items, res)
	}

	n.maybeReject(&resp)

	if resp.Success() {
		for _, item := range tx.Items {
			n.apply(acct, tx, item)
		}

		n.rehash(acct)
	}

	reply.Success = reply.SetPayload(resp) == nil
}

func (n *Notary) apply(acct *accountState, tx *txn.Transaction, item txn.Item) {
	acct.account.Balance += item.Delta()

	switch item.Type {
	case txn.Transfer:
		target := n.accounts[identifier.Account(item.Target)]
		entry := ledger.Entry{
			Type:          ledger.Pending,
			Number:        n.receiptNumber(),
			InReferenceTo: tx.Number,
			From:          acct.account.ID,
			Amount:        item.Amount,
		}

		n.addEntry(acct, ledger.Outbox, entry, tx)
		n.addEntry(target, ledger.Inbox, entry, tx)
		n.rehash(target)
	case txn.DepositCheque:
		drawer, found := n.accounts[identifier.Account(item.Target)]
		if found && drawer != acct {
			drawer.account.Balance -= item.Amount
			n.addEntry(drawer, ledger.Inbox, ledger.Entry{
				Type:          ledger.ChequeReceipt,
				Number:        n.receiptNumber(),
				InReferenceTo: tx.Number,
				From:          acct.account.ID,
				Amount:        item.Amount,
			}, tx)
			n.rehash(drawer)
		}
	}
}

func (n *Notary) processInbox(nym *nymState, msg *message.Message, reply *message.Reply) {
	tx, acct := n.transaction(nym, msg)
	if tx == nil {
		return
	}

	resp := txn.Response{Number: tx.Number}

	var delta int64
	for _, item := range tx.Items {
		res := txn.ItemResult{Type: item.Type, Number: item.Number}

		entry, found := acct.inbox.Get(item.Number)
		switch {
		case !found:
			res.Note = "unknown entry"
		case item.Type == txn.AcceptPending && entry.Type == ledger.Pending:
			res.Success = true
		case item.Type == txn.AcceptReceipt && entry.Type != ledger.Pending && entry.Type != ledger.UnknownEntry:
			res.Success = true
		default:
			res.Note = "wrong item type"
		}

		if res.Success {
			delta += entry.Effect()
		}

		resp.Items = append(resp.Items, res)
	}

	resp.Balance = txn.ItemResult{Success: tx.Balance.Balance == acct.account.Balance+delta}
	if !resp.Balance.Success {
		resp.Balance.Note = "balance mismatch"
	}

	n.maybeReject(&resp)

	if resp.Success() {
		for _, item := range tx.Items {
			entry, _ := acct.inbox.Get(item.Number)
			acct.inbox.Remove(item.Number)
			acct.account.Balance += entry.Effect()

			sender, found := n.accounts[entry.From]
			if entry.Type == ledger.Pending && found {
				sender.outbox.Remove(entry.Number)
				n.addEntry(sender, ledger.Inbox, ledger.Entry{
					Type:          ledger.TransferReceipt,
					Number:        n.receiptNumber(),
					InReferenceTo: entry.InReferenceTo,
					From:          acct.account.ID,
					Amount:        entry.Amount,
				}, tx)
				n.rehash(sender)
			}
		}

		n.rehash(acct)
	}

	reply.Success = reply.SetPayload(resp) == nil
}

func (n *Notary) maybeReject(resp *txn.Response) {
	if n.rejectItems > 0 && len(resp.Items) > 0 {
		n.rejectItems--
		resp.Items[0].Success = false
		resp.Items[0].Note = "rejected"
	}
}

func (n *Notary) addEntry(acct *accountState, box ledger.Box, entry ledger.Entry, tx *txn.Transaction) {
	target := acct.inbox
	if box == ledger.Outbox {
		target = acct.outbox
	}

	target.Entries = append(target.Entries, entry)

	raw, _ := encoding.Marshal(tx)

	acct.receipts[receiptKey{box: box, number: entry.Number}] = ledger.Receipt{
		Account:     acct.account.ID,
		Box:         box,
		Entry:       entry,
		Transaction: raw,
	}
}

func (n *Notary) receiptNumber() uint64 {
	n.nextReceipt++
	return n.nextReceipt
}

func (n *Notary) rehash(acct *accountState) {
	acct.account.InboxHash = acct.inbox.Hash()
	acct.account.OutboxHash = acct.outbox.Hash()
}

func (n *Notary) openAccount(nym identifier.Nym, unit identifier.Unit) *accountState {
	id := identifier.Account(uuid.NewString())

	acct := &accountState{
		account: ledger.Account{
			ID:     id,
			Nym:    nym,
			Notary: n.id,
			Unit:   unit,
		},
		inbox:    ledger.New(id, ledger.Inbox),
		outbox:   ledger.New(id, ledger.Outbox),
		receipts: make(map[receiptKey]ledger.Receipt),
	}

	n.rehash(acct)
	n.accounts[id] = acct

	return acct
}

func (n *Notary) owned(nym identifier.Nym, id identifier.Account) *accountState {
	acct, found := n.accounts[id]
	if !found || acct.account.Nym != nym {
		return nil
	}

	return acct
}

func (n *Notary) notify(nym *nymState, notice ledger.Notice) {
	nym.nextNotice++
	notice.ID = nym.nextNotice
	nym.nymbox.Notices = append(nym.nymbox.Notices, notice)
}

func (n *Notary) stamp(nym *nymState, reply *message.Reply) {
	reply.RequestNumber = nym.expected
	reply.NymboxHash = nym.nymbox.Hash()
}

func (n *Notary) nym(id identifier.Nym) *nymState {
	st, found := n.nyms[id]
	if !found {
		st = &nymState{
			expected: 1,
			nymbox:   ledger.Nymbox{Nym: id},
			issued:   make(map[uint64]struct{}),
		}

		n.nyms[id] = st
	}

	return st
}

func (n *Notary) popFailure(cmd message.Command) Failure {
	n.Lock()
	defer n.Unlock()

	queue := n.failures[cmd]
	if len(queue) == 0 {
		return 0
	}

	n.failures[cmd] = queue[1:]

	return queue[0]
}

func (n *Notary) enter(nym identifier.Nym) {
	n.Lock()
	defer n.Unlock()

	st := n.nym(nym)
	st.inflight++

	if st.inflight > st.maxInflight {
		st.maxInflight = st.inflight
	}
}

func (n *Notary) leave(nym identifier.Nym) {
	n.Lock()
	defer n.Unlock()

	n.nym(nym).inflight--
}
