package operation

import (
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/core/txn"
	"golang.org/x/xerrors"
)

// builder creates the signed message of an operation. The numbers are the
// ones reserved for the operation, if any.
type builder func(o *Operation, numbers consensus.Numbers) (*message.Message, error)

func buildRegisterNym(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	return o.command(message.Registration{Revision: o.args.Revision})
}

func buildTargeted(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	msg := message.New(o.kind.Command(), o.args.Pair())
	msg.Target = o.args.Target
	msg.Payload = o.args.Payload

	return o.finalize(msg)
}

func buildPublish(kind message.ContractKind) builder {
	return func(o *Operation, _ consensus.Numbers) (*message.Message, error) {
		return o.command(message.Contract{
			Kind: kind,
			ID:   o.args.Target,
			Data: o.args.Payload,
		})
	}
}

func buildRequestAdmin(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	password := o.args.Payload
	if len(password) == 0 {
		password = []byte(o.param.Context.AdminPassword())
	}

	if len(password) == 0 {
		return nil, xerrors.New("admin password is missing")
	}

	msg := message.New(o.kind.Command(), o.args.Pair())
	msg.Payload = password

	return o.finalize(msg)
}

func buildNumbersRequest(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	msg := message.New(message.GetTransactionNumbers, o.args.Pair())

	err := msg.SetPayload(message.Numbers{Count: o.param.NumbersPerRequest})
	if err != nil {
		return nil, err
	}

	return o.finalize(msg)
}

func buildRegisterAccount(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	return o.command(message.AccountRequest{Unit: o.args.Unit})
}

func buildIssueUnit(o *Operation, _ consensus.Numbers) (*message.Message, error) {
	return o.command(message.AccountRequest{
		Unit:       o.args.Unit,
		Definition: o.args.Payload,
	})
}

func buildTransfer(o *Operation, numbers consensus.Numbers) (*message.Message, error) {
	return o.transaction(numbers, txn.Item{
		Type:   txn.Transfer,
		Target: o.args.Target,
		Amount: o.args.Amount,
		Memo:   o.args.Memo,
	})
}

func buildDepositCheque(o *Operation, numbers consensus.Numbers) (*message.Message, error) {
	return o.transaction(numbers, txn.Item{
		Type:   txn.DepositCheque,
		Target: o.args.Target,
		Amount: o.args.Amount,
		Memo:   o.args.Memo,
	})
}

func buildDepositCash(o *Operation, numbers consensus.Numbers) (*message.Message, error) {
	return o.transaction(numbers, txn.Item{
		Type:   txn.DepositCash,
		Amount: o.args.Amount,
		Memo:   o.args.Memo,
	})
}

func buildWithdrawCash(o *Operation, numbers consensus.Numbers) (*message.Message, error) {
	return o.transaction(numbers, txn.Item{
		Type:   txn.WithdrawCash,
		Amount: o.args.Amount,
		Memo:   o.args.Memo,
	})
}

func buildWithdrawVoucher(o *Operation, numbers consensus.Numbers) (*message.Message, error) {
	return o.transaction(numbers, txn.Item{
		Type:   txn.WithdrawVoucher,
		Target: o.args.Target,
		Amount: o.args.Amount,
		Memo:   o.args.Memo,
	})
}

// command creates the message of the operation with the payload and
// finalizes it.
func (o *Operation) command(payload interface{}) (*message.Message, error) {
	msg := message.New(o.kind.Command(), o.args.Pair())

	err := msg.SetPayload(payload)
	if err != nil {
		return nil, err
	}

	return o.finalize(msg)
}

// transaction builds the transaction with the items and the balance statement
// of the account, signs it and wraps it in the message of the operation. The
// first number is the transaction number, the others are consumed by the
// items.
func (o *Operation) transaction(numbers consensus.Numbers, items ...txn.Item) (*message.Message, error) {
	if len(numbers) == 0 {
		return nil, xerrors.New("transaction number is missing")
	}

	acct, err := o.param.Wallet.Account(o.args.Account)
	if err != nil {
		return nil, xerrors.Errorf("couldn't read account: %v", err)
	}

	values := numbers.Values()

	opts := []txn.Option{txn.WithExtraNumbers(values[1:]...)}
	for _, item := range items {
		opts = append(opts, txn.WithItem(item))
	}

	tx, err := txn.NewTransaction(values[0], o.args.Pair(), acct.ID, opts...)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create transaction: %v", err)
	}

	tx.Balance = txn.BalanceStatement{
		Account:    acct.ID,
		Balance:    acct.Balance + tx.Delta(),
		Issued:     o.param.Context.IssuedNumbers(),
		InboxHash:  acct.InboxHash,
		OutboxHash: acct.OutboxHash,
	}

	err = tx.Sign(o.param.Context.Signer())
	if err != nil {
		return nil, xerrors.Errorf("couldn't sign transaction: %v", err)
	}

	msg := message.New(o.kind.Command(), o.args.Pair())
	msg.Target = string(acct.ID)

	err = msg.SetPayload(tx)
	if err != nil {
		return nil, err
	}

	return o.finalize(msg)
}

func (o *Operation) finalize(msg *message.Message) (*message.Message, error) {
	err := o.param.Context.FinalizeServerCommand(msg)
	if err != nil {
		return nil, xerrors.Errorf("couldn't finalize: %v", err)
	}

	return msg, nil
}
