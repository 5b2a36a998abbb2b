// Package consensus defines the consensus context of a (nym, notary) pair.
//
// The context is the client side of the state both parties must agree on:
// the transaction numbers issued to the nym, the request number that protects
// the requests against replay, and the nymbox hash which is the
// synchronization checkpoint. Transaction numbers are handed out as managed
// numbers that must be either consumed or released.
package consensus

import (
	"context"

	"github.com/wiesiekpap/opentxs-sub020/core/future"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/ledger"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/crypto"
	"golang.org/x/xerrors"
)

// ErrNoNumbers is returned when no transaction number is available.
var ErrNoNumbers = xerrors.New("no transaction number available")

// Stats counts the life of the transaction numbers of a context. Once every
// managed number is settled, Reserved equals Consumed plus Released.
type Stats struct {
	Reserved uint64
	Consumed uint64
	Released uint64
}

// Context is the consensus state of a pair.
type Context interface {
	// Pair returns the nym and the notary of the context.
	Pair() identifier.Pair

	// Signer returns the signer of the nym.
	Signer() crypto.Signer

	// AvailableNumbers returns how many transaction numbers can be reserved.
	AvailableNumbers() int

	// NextTransactionNumber reserves the lowest available number.
	NextTransactionNumber(purpose string) (*ManagedNumber, error)

	// RecoverAvailableNumber puts an issued number back in the available
	// pool. It returns false if the number is not issued or already
	// available.
	RecoverAvailableNumber(number uint64) bool

	// IssuedNumbers returns the numbers issued to the nym that are not closed.
	IssuedNumbers() []uint64

	// AcceptIssuedNumbers adds the numbers delivered by the notary. It returns
	// how many were new.
	AcceptIssuedNumbers(numbers []uint64) int

	// CloseNumbers removes the numbers from the issued list.
	CloseNumbers(numbers ...uint64)

	// NymboxHashMatch returns true if the local nymbox hash equals the last
	// hash advertised by the notary.
	NymboxHashMatch() bool

	// SetRemoteNymboxHash records the nymbox hash advertised by the notary.
	SetRemoteNymboxHash(hash []byte)

	// RefreshNymbox synchronizes the request number and processes the
	// nymbox. The future resolves with the result of the last round trip.
	RefreshNymbox(ctx context.Context) *future.Future[message.DeliveryResult]

	// FinalizeServerCommand stamps the request number and the nymbox hash on
	// the message and signs it.
	FinalizeServerCommand(msg *message.Message) error

	// ProcessReply adopts the request number and nymbox hash of the reply.
	ProcessReply(reply *message.Reply)

	// RequestNumber returns the request number of the next message.
	RequestNumber() uint64

	// AdminPending returns true if an admin password is configured and was
	// never exchanged.
	AdminPending() bool

	// AdminPassword returns the configured admin password.
	AdminPassword() string

	// SetAdminResult records the outcome of the admin exchange.
	SetAdminResult(success bool)

	// IsAdmin returns true if the notary granted admin rights.
	IsAdmin() bool

	// RegisteredRevision returns the revision of the credentials that were
	// last registered on the notary.
	RegisteredRevision() uint64

	// SetRegisteredRevision records a successful registration.
	SetRegisteredRevision(revision uint64)

	// Stats returns the counters of the transaction numbers.
	Stats() Stats
}

// NoticeSink receives the nymbox notices that are not about the context, like
// messages and peer objects.
type NoticeSink interface {
	StoreNotice(pair identifier.Pair, notice ledger.Notice) error
}
