package bus

import (
	"github.com/mowaka/brokerd/internal/wire"
)

// Activation is the on-demand start record of a well-known name. While the
// name has no primary owner, explicit start requests and messages addressed
// to the name queue here until the service takes the name or activation
// fails.
type Activation struct {
	Name *Name

	// Requested is set once the controller has been asked to start the
	// service, and reset when the name is taken or activation fails.
	Requested bool

	Requests []*ActivationRequest
	Messages []*ActivationMessage
}

// ActivationRequest is one queued StartServiceByName call.
type ActivationRequest struct {
	SenderID uint64
	Serial   uint32
}

// ActivationMessage is one message captured while the name had no owner.
// The sender's identity is snapshotted at capture time; delivery replays
// policy checks against the snapshot, not the sender's current state.
type ActivationMessage struct {
	Message *wire.Message
	Meta    *wire.Metadata
	Sender  NameSnapshot
}

// QueueRequest appends a start request, counted against the sender's quota.
func (a *Activation) QueueRequest(sender *Peer, serial uint32) error {
	queued := 0
	for _, r := range a.Requests {
		if r.SenderID == sender.ID {
			queued++
		}
	}
	if queued >= sender.quota.ActivationMessages {
		return ErrQuota
	}
	a.Requests = append(a.Requests, &ActivationRequest{SenderID: sender.ID, Serial: serial})
	return nil
}

// QueueMessage captures a message for replay, counted against the sender's
// quota.
func (a *Activation) QueueMessage(sender *Peer, msg *wire.Message, meta *wire.Metadata) error {
	queued := 0
	for _, m := range a.Messages {
		if m.Sender.ID == sender.ID {
			queued++
		}
	}
	if queued >= sender.quota.ActivationMessages {
		return ErrQuota
	}
	a.Messages = append(a.Messages, &ActivationMessage{
		Message: msg,
		Meta:    meta,
		Sender:  sender.Snapshot(),
	})
	return nil
}

// Flush empties both queues and re-arms the request flag, returning the
// drained entries in FIFO order.
func (a *Activation) Flush() ([]*ActivationRequest, []*ActivationMessage) {
	requests, messages := a.Requests, a.Messages
	a.Requests, a.Messages = nil, nil
	a.Requested = false
	return requests, messages
}
