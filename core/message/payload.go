package message

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
)

// AccountData is the reply payload of getAccountData.
type AccountData struct {
	Account ledger.Account
	Inbox   ledger.Ledger
	Outbox  ledger.Ledger
}

// BoxReceiptRequest is the payload of getBoxReceipt.
type BoxReceiptRequest struct {
	Account identifier.Account
	Box     ledger.Box
	Number  uint64
}

// ContractKind is the kind of a published contract.
type ContractKind byte

const (
	NymContract ContractKind = iota + 1
	ServerContract
	UnitContract
)

func (k ContractKind) String() string {
	switch k {
	case NymContract:
		return "nym"
	case ServerContract:
		return "server"
	case UnitContract:
		return "unit"
	default:
		return "contract"
	}
}

// Contract is the payload to publish or download a contract.
type Contract struct {
	Kind ContractKind
	ID   string
	Data []byte
}

// Registration is the payload of registerNym.
type Registration struct {
	Revision uint64
}

// Numbers is the payload of getTransactionNumbers.
type Numbers struct {
	Count int
}

// Acknowledgement is the payload of processNymbox.
type Acknowledgement struct {
	Notices []uint64
}

// AccountRequest is the payload of registerAccount and
// registerInstrumentDefinition.
type AccountRequest struct {
	Unit identifier.Unit
	// Definition is the unit definition contract when issuing a unit.
	Definition []byte
}
