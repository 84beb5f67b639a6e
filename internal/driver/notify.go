package driver

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/wire"
)

// notifyNameChange emits the signal sequence for a primary-owner
// transition: NameLost to the old owner, NameOwnerChanged to subscribers
// and monitors, NameAcquired to the new owner, in that order.
func (d *Driver) notifyNameChange(change *bus.NameChange) error {
	if change == nil {
		return nil
	}
	var matches *bus.MatchRegistry
	name := ""
	if change.Name != nil {
		matches = &change.Name.OwnerChangedMatches
		name = change.Name.Name
	}
	return d.nameOwnerChanged(matches, name, change.Old, change.New)
}

// nameOwnerChanged is the peer-connect/disconnect variant as well: an empty
// name falls back to the unique name appearing or vanishing.
func (d *Driver) nameOwnerChanged(matches *bus.MatchRegistry, name string, oldOwner, newOwner *bus.Peer) error {
	oldName, newName := "", ""
	if oldOwner != nil {
		oldName = oldOwner.UniqueName()
	}
	if newOwner != nil {
		newName = newOwner.UniqueName()
	}
	if name == "" {
		if oldOwner != nil {
			name = oldName
		} else {
			name = newName
		}
	}

	if oldOwner != nil {
		if err := d.sendUnicast(oldOwner, newSignal(oldOwner, "NameLost", "s", name)); err != nil {
			return err
		}
	}

	if err := d.broadcastNameOwnerChanged(matches, name, oldName, newName); err != nil {
		return err
	}

	if newOwner != nil {
		if err := d.sendUnicast(newOwner, newSignal(newOwner, "NameAcquired", "s", name)); err != nil {
			return err
		}
	}
	return nil
}

// broadcastNameOwnerChanged fans the signal out to monitors and every peer
// whose subscriptions select it, subject to each receiver's policy.
func (d *Driver) broadcastNameOwnerChanged(matches *bus.MatchRegistry, name, oldName, newName string) error {
	msg := newSignal(nil, "NameOwnerChanged", "sss", name, oldName, newName)
	meta := signalMetadata(msg)

	if d.sink != nil {
		d.sink.NameOwnerChanged(name, oldName, newName)
	}

	d.mirrorToMonitors(nil, msg, meta)

	for _, receiver := range d.bus.SignalDestinations(matches, meta) {
		if !receiver.Policy().CheckReceive(meta, nil) {
			continue
		}
		err := receiver.Conn().Queue(msg)
		if err == bus.ErrQuota {
			receiver.Conn().Shutdown()
			d.log.QuotaDisconnect(context.Background(),
				fmt.Sprintf("Peer :1.%d is being disconnected as it does not have the resources to receive a signal it subscribed to.", receiver.ID),
				logging.Transaction{
					ReceiverID:    receiver.ID,
					ReceiverNames: receiver.PrimaryNames(),
					ReceiverLabel: receiver.Seclabel,
					Type:          typeName(msg.Type),
					Interface:     meta.Interface,
					Member:        meta.Member,
					Path:          string(meta.Path),
				})
		} else if err != nil {
			return err
		}
	}
	return nil
}

// nameActivated drains an activation after its name took a primary owner:
// queued start requests succeed, captured messages replay through the
// unicast path with the sender state snapshotted at capture time.
func (d *Driver) nameActivated(activation *bus.Activation, receiver *bus.Peer) error {
	if activation == nil {
		return nil
	}

	requests, messages := activation.Flush()

	for _, request := range requests {
		sender := d.bus.FindPeer(request.SenderID)
		if sender == nil {
			continue
		}
		reply := newMethodReturn(sender, request.Serial, "u")
		reply.Body = []any{wire.StartReplySuccess}
		if err := d.sendReply(sender, reply, request.Serial); err != nil {
			return err
		}
	}

	for _, captured := range messages {
		sender := d.bus.FindPeer(captured.Sender.ID)
		err := d.deliverCaptured(captured, receiver)
		if err == nil {
			continue
		}
		serial := captured.Message.ReadSerial()
		var sendErr error
		switch errKind(err) {
		case KindQuota:
			if sender != nil {
				sendErr = d.sendErrorNamed(sender, serial, "org.freedesktop.DBus.Error.LimitsExceeded", errorText(KindQuota))
			}
		case KindExpectedReplyExists:
			if sender != nil {
				sendErr = d.sendErrorNamed(sender, serial, "org.freedesktop.DBus.Error.AccessDenied", errorText(KindExpectedReplyExists))
			}
		case KindSendDenied:
			if sender != nil {
				sendErr = d.sendErrorNamed(sender, serial, "org.freedesktop.DBus.Error.AccessDenied", errorText(KindSendDenied))
			}
		case KindReceiveDenied:
			if sender != nil {
				sendErr = d.sendErrorNamed(sender, serial, "org.freedesktop.DBus.Error.AccessDenied", errorText(KindReceiveDenied))
			}
		default:
			return err
		}
		if sendErr != nil {
			return sendErr
		}
	}
	return nil
}

// deliverCaptured queues one captured activation message on the name's new
// owner, replaying the policy checks against the snapshot taken at capture
// time. The message was mirrored to monitors when it was first dispatched.
func (d *Driver) deliverCaptured(captured *bus.ActivationMessage, receiver *bus.Peer) error {
	meta := captured.Meta

	if !captured.Sender.Policy.CheckSend(meta, receiver.PrimaryNames()) {
		return kindErr(KindSendDenied)
	}
	if !receiver.Policy().CheckReceive(meta, captured.Sender.Names) {
		return kindErr(KindReceiveDenied)
	}

	var slot *bus.ReplySlot
	if meta.Type == dbus.TypeMethodCall && meta.Flags&dbus.FlagNoReplyExpected == 0 {
		if sender := d.bus.FindPeer(captured.Sender.ID); sender != nil {
			var err error
			slot, err = d.bus.RegisterReply(sender, receiver, meta.Serial)
			switch err {
			case nil:
			case bus.ErrReplyExists:
				return kindErr(KindExpectedReplyExists)
			case bus.ErrQuota:
				return kindErr(KindQuota)
			default:
				return err
			}
		}
	}

	err := receiver.Conn().Queue(captured.Message)
	if err == bus.ErrQuota {
		if slot != nil {
			if sender := d.bus.FindPeer(captured.Sender.ID); sender != nil {
				d.bus.ConsumeReply(receiver, sender, meta.Serial)
			}
		}
		return kindErr(KindQuota)
	}
	return err
}

// NameActivationFailed is the controller's failure callback: every queued
// start request and captured message bounces, and the activation is
// re-armed for a future attempt.
func (d *Driver) NameActivationFailed(activation *bus.Activation) error {
	requests, messages := activation.Flush()

	for _, request := range requests {
		sender := d.bus.FindPeer(request.SenderID)
		if sender == nil {
			continue
		}
		if err := d.sendErrorNamed(sender, request.Serial, "org.freedesktop.DBus.Error.ServiceUnknown", "Could not activate remote peer."); err != nil {
			return err
		}
	}

	for _, captured := range messages {
		sender := d.bus.FindPeer(captured.Sender.ID)
		if sender == nil {
			continue
		}
		if err := d.sendErrorNamed(sender, captured.Message.ReadSerial(), "org.freedesktop.DBus.Error.NameHasNoOwner", "Could not activate remote peer."); err != nil {
			return err
		}
	}
	return nil
}
