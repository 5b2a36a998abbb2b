package operation

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"golang.org/x/xerrors"
)

// ErrInvalidArgs is returned when the arguments of a task are not valid for
// its type.
var ErrInvalidArgs = xerrors.New("invalid arguments")

// Category is the family of an operation type. It decides which states the
// state machine goes through.
type Category byte

const (
	// CategoryBasic operations send one command and do not touch accounts.
	CategoryBasic Category = iota + 1
	// CategoryTransaction operations consume transaction numbers and change
	// an account.
	CategoryTransaction
	// CategoryNymboxPre operations always refresh the nymbox before they
	// execute.
	CategoryNymboxPre
	// CategoryNymboxPost operations always refresh the nymbox after they
	// execute.
	CategoryNymboxPost
	// CategoryCreateAccount operations create an account on the notary.
	CategoryCreateAccount
	// CategoryUpdateAccount operations synchronize an account without a
	// command of their own.
	CategoryUpdateAccount
)

func (c Category) String() string {
	switch c {
	case CategoryBasic:
		return "basic"
	case CategoryTransaction:
		return "transaction"
	case CategoryNymboxPre:
		return "nymboxPre"
	case CategoryNymboxPost:
		return "nymboxPost"
	case CategoryCreateAccount:
		return "createAccount"
	case CategoryUpdateAccount:
		return "updateAccount"
	default:
		return "unknown"
	}
}

// Type is the kind of work of a task.
type Type byte

const (
	RegisterNym Type = iota + 1
	DownloadNymbox
	CheckNym
	DownloadContract
	PublishNym
	PublishServer
	PublishUnit
	SendMessage
	SendPeerRequest
	SendPeerReply
	RequestAdmin
	GetTransactionNumbers
	RegisterAccount
	IssueUnitDefinition
	SendTransfer
	DepositCheque
	DepositCash
	WithdrawCash
	WithdrawVoucher
	RefreshAccount
)

// Args are the arguments of a task. The fields that are required depend on
// the type.
type Args struct {
	Nym    identifier.Nym
	Notary identifier.Notary
	// Account is the account the operation acts on.
	Account identifier.Account
	// Target is the recipient nym or account, or the contract identifier.
	Target string
	Amount int64
	Memo   string
	Unit   identifier.Unit
	// Kind is the kind of contract to download or publish.
	Kind message.ContractKind
	// Payload is the body of a message or peer object, a contract or a unit
	// definition.
	Payload []byte
	// Revision is the revision of the credentials to register.
	Revision uint64
}

// Pair returns the pair the task belongs to.
func (a Args) Pair() identifier.Pair {
	return identifier.NewPair(a.Nym, a.Notary)
}

// requirement is a check on the arguments.
type requirement func(Args) string

func needTarget(a Args) string {
	if a.Target == "" {
		return "a target"
	}
	return ""
}

func needAccount(a Args) string {
	if a.Account.Empty() {
		return "an account"
	}
	return ""
}

func needAmount(a Args) string {
	if a.Amount <= 0 {
		return "a positive amount"
	}
	return ""
}

func needPayload(a Args) string {
	if len(a.Payload) == 0 {
		return "a payload"
	}
	return ""
}

func needUnit(a Args) string {
	if a.Unit.Empty() {
		return "a unit"
	}
	return ""
}

// definition is the single source of the properties of a type.
type definition struct {
	name     string
	category Category
	numbers  int
	command  message.Command
	requires []requirement
	build    builder
}

// definitions is set in init as the builders refer to the types.
var definitions map[Type]definition

func init() {
	definitions = map[Type]definition{
		RegisterNym: {
			name: "registerNym", category: CategoryNymboxPost,
			command: message.RegisterNym, build: buildRegisterNym,
		},
		DownloadNymbox: {
			name: "downloadNymbox", category: CategoryNymboxPre,
		},
		CheckNym: {
			name: "checkNym", category: CategoryBasic,
			command: message.CheckNym, build: buildTargeted,
			requires: []requirement{needTarget},
		},
		DownloadContract: {
			name: "downloadContract", category: CategoryBasic,
			command: message.GetContract, build: buildTargeted,
			requires: []requirement{needTarget},
		},
		PublishNym: {
			name: "publishNym", category: CategoryBasic,
			command: message.RegisterContract, build: buildPublish(message.NymContract),
			requires: []requirement{needTarget, needPayload},
		},
		PublishServer: {
			name: "publishServer", category: CategoryBasic,
			command: message.RegisterContract, build: buildPublish(message.ServerContract),
			requires: []requirement{needTarget, needPayload},
		},
		PublishUnit: {
			name: "publishUnit", category: CategoryBasic,
			command: message.RegisterContract, build: buildPublish(message.UnitContract),
			requires: []requirement{needTarget, needPayload},
		},
		SendMessage: {
			name: "sendMessage", category: CategoryBasic,
			command: message.SendNymMessage, build: buildTargeted,
			requires: []requirement{needTarget, needPayload},
		},
		SendPeerRequest: {
			name: "sendPeerRequest", category: CategoryBasic,
			command: message.SendPeerRequest, build: buildTargeted,
			requires: []requirement{needTarget, needPayload},
		},
		SendPeerReply: {
			name: "sendPeerReply", category: CategoryBasic,
			command: message.SendPeerReply, build: buildTargeted,
			requires: []requirement{needTarget, needPayload},
		},
		RequestAdmin: {
			name: "requestAdmin", category: CategoryBasic,
			command: message.RequestAdmin, build: buildRequestAdmin,
		},
		GetTransactionNumbers: {
			name: "getTransactionNumbers", category: CategoryNymboxPre,
			command: message.GetTransactionNumbers, build: buildNumbersRequest,
		},
		RegisterAccount: {
			name: "registerAccount", category: CategoryCreateAccount,
			command: message.RegisterAccount, build: buildRegisterAccount,
			requires: []requirement{needUnit},
		},
		IssueUnitDefinition: {
			name: "issueUnitDefinition", category: CategoryCreateAccount,
			command: message.RegisterInstrumentDefinition, build: buildIssueUnit,
			requires: []requirement{needPayload},
		},
		SendTransfer: {
			name: "sendTransfer", category: CategoryTransaction, numbers: 1,
			command: message.NotarizeTransaction, build: buildTransfer,
			requires: []requirement{needAccount, needTarget, needAmount},
		},
		DepositCheque: {
			name: "depositCheque", category: CategoryTransaction, numbers: 1,
			command: message.NotarizeTransaction, build: buildDepositCheque,
			requires: []requirement{needAccount, needAmount},
		},
		DepositCash: {
			name: "depositCash", category: CategoryTransaction, numbers: 1,
			command: message.NotarizeTransaction, build: buildDepositCash,
			requires: []requirement{needAccount, needAmount},
		},
		WithdrawCash: {
			name: "withdrawCash", category: CategoryTransaction, numbers: 1,
			command: message.NotarizeTransaction, build: buildWithdrawCash,
			requires: []requirement{needAccount, needAmount},
		},
		WithdrawVoucher: {
			name: "withdrawVoucher", category: CategoryTransaction, numbers: 2,
			command: message.NotarizeTransaction, build: buildWithdrawVoucher,
			requires: []requirement{needAccount, needTarget, needAmount},
		},
		RefreshAccount: {
			name: "refreshAccount", category: CategoryUpdateAccount, numbers: 1,
			requires: []requirement{needAccount},
		},
	}
}

// Types returns every type in their declaration order.
func Types() []Type {
	types := make([]Type, 0, len(definitions))
	for t := RegisterNym; t <= RefreshAccount; t++ {
		types = append(types, t)
	}

	return types
}

// ParseType returns the type with the name.
func ParseType(name string) (Type, error) {
	for t, def := range definitions {
		if def.name == name {
			return t, nil
		}
	}

	return 0, xerrors.Errorf("unknown operation '%s'", name)
}

func (t Type) String() string {
	def, found := definitions[t]
	if !found {
		return "unknown"
	}

	return def.name
}

// Category returns the category of the type.
func (t Type) Category() Category {
	return definitions[t].category
}

// NumbersRequired returns how many transaction numbers an operation of the
// type consumes.
func (t Type) NumbersRequired() int {
	return definitions[t].numbers
}

// Command returns the notary command the type sends, or an empty command for
// the types that only synchronize.
func (t Type) Command() message.Command {
	return definitions[t].command
}

// Validate returns an error if the arguments cannot be used for the type.
func (t Type) Validate(args Args) error {
	def, found := definitions[t]
	if !found {
		return xerrors.Errorf("type %d: %w", t, ErrInvalidArgs)
	}

	if args.Nym.Empty() {
		return xerrors.Errorf("%s requires a nym: %w", def.name, ErrInvalidArgs)
	}

	if args.Notary.Empty() {
		return xerrors.Errorf("%s requires a notary: %w", def.name, ErrInvalidArgs)
	}

	for _, req := range def.requires {
		missing := req(args)
		if missing != "" {
			return xerrors.Errorf("%s requires %s: %w", def.name, missing, ErrInvalidArgs)
		}
	}

	return nil
}
