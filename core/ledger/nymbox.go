package ledger

import (
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/encoding"
)

// NoticeType is the kind of an item of the nymbox.
type NoticeType byte

const (
	// NumbersNotice delivers transaction numbers to the nym.
	NumbersNotice NoticeType = iota + 1
	// MessageNotice delivers a message from another nym.
	MessageNotice
	// PeerRequestNotice delivers a peer request.
	PeerRequestNotice
	// PeerReplyNotice delivers a peer reply.
	PeerReplyNotice
	// ReplyNotice carries a server reply that the client may have missed.
	ReplyNotice
)

func (t NoticeType) String() string {
	switch t {
	case NumbersNotice:
		return "numbers"
	case MessageNotice:
		return "message"
	case PeerRequestNotice:
		return "peerRequest"
	case PeerReplyNotice:
		return "peerReply"
	case ReplyNotice:
		return "replyNotice"
	default:
		return "unknown"
	}
}

// Notice is an item of the nymbox.
type Notice struct {
	Type NoticeType
	// ID identifies the notice in the nymbox.
	ID      uint64
	Numbers []uint64
	From    identifier.Nym
	Payload []byte
}

// Nymbox is the mailbox of notices a notary keeps for a nym.
type Nymbox struct {
	Nym     identifier.Nym
	Notices []Notice
}

// Hash returns the nymbox hash, which is the synchronization checkpoint
// between the client and the notary.
func (n *Nymbox) Hash() []byte {
	canonical := *n
	if len(canonical.Notices) == 0 {
		canonical.Notices = nil
	}

	digest, err := encoding.Fingerprint(hashFactory, canonical)
	if err != nil {
		panic(err)
	}

	return digest
}

// Remove removes the notices with the identifiers.
func (n *Nymbox) Remove(ids ...uint64) {
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	kept := n.Notices[:0]
	for _, notice := range n.Notices {
		if _, found := set[notice.ID]; !found {
			kept = append(kept, notice)
		}
	}

	if len(kept) == 0 {
		kept = nil
	}

	n.Notices = kept
}
