package message

// ReplyStatus is the outcome of a single request/reply round trip.
type ReplyStatus byte

const (
	// Unknown means the outcome cannot be determined: the reply never
	// arrived, arrived malformed, or the round trip was abandoned.
	Unknown ReplyStatus = iota
	// NotSent means the request never left the client.
	NotSent
	// MessageSuccess means the notary accepted the request.
	MessageSuccess
	// MessageFailed means the notary replied but refused the request.
	MessageFailed
)

func (s ReplyStatus) String() string {
	switch s {
	case NotSent:
		return "NotSent"
	case MessageSuccess:
		return "MessageSuccess"
	case MessageFailed:
		return "MessageFailed"
	default:
		return "Unknown"
	}
}

// DeliveryResult is the status of a round trip and the signed reply when
// there is one.
type DeliveryResult struct {
	Status ReplyStatus
	Reply  *Reply
}

// Delivered returns the result of a reply. The status follows the success
// flag of the reply.
func Delivered(reply *Reply) DeliveryResult {
	if reply == nil {
		return DeliveryResult{Status: Unknown}
	}

	status := MessageFailed
	if reply.Success {
		status = MessageSuccess
	}

	return DeliveryResult{Status: status, Reply: reply}
}
