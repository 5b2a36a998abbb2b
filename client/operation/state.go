package operation

import (
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
)

// State is the type of the states of the operation state machine.
type State byte

const (
	// Idle is both the state before an operation starts and after it
	// finished.
	Idle State = iota

	// NymboxPre synchronizes the nymbox before anything is sent.
	NymboxPre

	// TransactionNumbers makes sure enough transaction numbers are available.
	TransactionNumbers

	// AccountPre synchronizes the affected accounts before the transaction is
	// built.
	AccountPre

	// Execute sends the command and waits for the reply.
	Execute

	// AccountPost synchronizes the affected accounts after the command.
	AccountPost

	// NymboxPost synchronizes the nymbox after the command.
	NymboxPost
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case NymboxPre:
		return "nymboxPre"
	case TransactionNumbers:
		return "transactionNumbers"
	case AccountPre:
		return "accountPre"
	case Execute:
		return "execute"
	case AccountPost:
		return "accountPost"
	case NymboxPost:
		return "nymboxPost"
	default:
		return "unknown"
	}
}

// Event is published every time an operation changes its state.
type Event struct {
	Task  client.TaskID
	Pair  identifier.Pair
	Type  Type
	State State
}
