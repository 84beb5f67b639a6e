package driver

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/wire"
)

// Dispatch routes one inbound client message. The only error it returns is
// a protocol violation (or a fatal host failure): everything else has been
// answered over DBus already. A returned *Error with KindProtocolViolation
// tells the transport to drop the peer.
func (d *Driver) Dispatch(peer *bus.Peer, msg *wire.Message) error {
	if peer.Monitoring() {
		return kindErr(KindProtocolViolation)
	}

	meta, err := wire.ParseMetadata(msg)
	if err != nil {
		return kindErr(KindProtocolViolation)
	}

	msg.StitchSender(peer.UniqueName())
	meta.Sender = peer.UniqueName()

	err = d.dispatchInternal(peer, msg, meta)
	switch errKind(err) {
	case kindNone:
		return err
	case KindProtocolViolation, KindPeerNotRegistered, KindInvalidMessage:
		return kindErr(KindProtocolViolation)
	default:
		k := errKind(err)
		if name := errorName(k); name != "" {
			return d.sendErrorNamed(peer, msg.ReadSerial(), name, errorText(k))
		}
		return err
	}
}

func (d *Driver) dispatchInternal(peer *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	d.mirrorToMonitors(peer, msg, meta)

	if meta.Type == dbus.TypeMethodCall && meta.Destination == "" {
		// The empty destination is a pseudo-peer implementing only the
		// Peer interface.
		if meta.Interface != "" && meta.Interface != wire.PeerInterface {
			return kindErr(KindUnexpectedMethod)
		}
		return d.dispatchMethod(peer, peerInterfaceMethods(), msg.ReadSerial(), meta.Member, string(meta.Path), meta.Signature, msg)
	}

	if meta.Destination == wire.BusName {
		err := d.dispatchDriverCall(peer, msg, meta)
		if err != nil {
			if !peer.Registered() {
				switch errKind(err) {
				case KindUnexpectedInterface, KindUnexpectedMethod:
					// Hello is the only thing an unregistered peer can do.
					return kindErr(KindPeerNotYetRegistered)
				}
			}
			return err
		}
		return nil
	}

	if !peer.Registered() {
		return kindErr(KindPeerNotRegistered)
	}

	if meta.Destination == "" {
		if meta.Type == dbus.TypeSignal {
			return d.forwardBroadcast(peer, msg, meta)
		}
		return kindErr(KindUnexpectedMessageType)
	}

	switch meta.Type {
	case dbus.TypeSignal, dbus.TypeMethodCall:
		return d.forwardUnicast(peer, msg, meta)
	case dbus.TypeMethodReply, dbus.TypeError:
		return d.forwardReply(peer, msg, meta)
	default:
		return kindErr(KindUnexpectedMessageType)
	}
}

// dispatchDriverCall handles a message addressed to org.freedesktop.DBus:
// send-policy check, then interface-table dispatch.
func (d *Driver) dispatchDriverCall(peer *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	if meta.Type != dbus.TypeMethodCall {
		// Signals and replies to the driver are discarded.
		return nil
	}

	if !peer.Policy().CheckSend(meta, nil) {
		d.log.PolicyDenial(context.Background(),
			fmt.Sprintf("A security policy denied :1.%d to send method call %s:%s.%s to org.freedesktop.DBus.",
				peer.ID, meta.Path, meta.Interface, meta.Member),
			logging.Transaction{
				SenderID:    peer.ID,
				SenderNames: peer.PrimaryNames(),
				SenderLabel: peer.Seclabel,
				Type:        typeName(msg.Type),
				Interface:   meta.Interface,
				Member:      meta.Member,
				Path:        string(meta.Path),
			})
		return kindErr(KindSendDenied)
	}

	serial := msg.ReadSerial()

	if meta.Interface != "" {
		for _, iface := range driverInterfaces {
			if iface.name != meta.Interface {
				continue
			}
			return d.dispatchMethod(peer, iface.methods, serial, meta.Member, string(meta.Path), meta.Signature, msg)
		}
		return kindErr(KindUnexpectedInterface)
	}

	// No interface supplied: every table is scanned, first match wins.
	for _, iface := range driverInterfaces {
		err := d.dispatchMethod(peer, iface.methods, serial, meta.Member, string(meta.Path), meta.Signature, msg)
		if errKind(err) == KindUnexpectedMethod {
			continue
		}
		return err
	}
	return kindErr(KindUnexpectedMethod)
}

// forwardUnicast queues a method call or directed signal on the resolved
// receiver, or captures it into an activation when the destination is an
// activatable name with no owner.
func (d *Driver) forwardUnicast(sender *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	receiver, name := d.bus.FindPeerByName(meta.Destination)
	if receiver == nil {
		if meta.Flags&dbus.FlagNoAutoStart != 0 {
			return kindErr(KindDestinationNotFound)
		}
		if name == nil || name.Activation == nil {
			return kindErr(KindNameNotActivatable)
		}
		if err := name.Activation.QueueMessage(sender, msg, meta); err != nil {
			if err == bus.ErrQuota {
				return kindErr(KindQuota)
			}
			return err
		}
		return d.requestActivation(name.Activation)
	}

	return d.queueUnicast(sender, receiver, msg, meta)
}

// queueUnicast runs the policy pair, registers a reply slot for calls that
// expect one, and queues. Sender-side quota failures bounce back to the
// sender; the receiver is not punished for a unicast it did not order.
func (d *Driver) queueUnicast(sender *bus.Peer, receiver *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	if !sender.Policy().CheckSend(meta, receiver.PrimaryNames()) {
		d.logDenial(sender, receiver, msg, meta, "send")
		return kindErr(KindSendDenied)
	}
	if !receiver.Policy().CheckReceive(meta, sender.PrimaryNames()) {
		d.logDenial(sender, receiver, msg, meta, "receive")
		return kindErr(KindReceiveDenied)
	}

	var slot *bus.ReplySlot
	if meta.Type == dbus.TypeMethodCall && meta.Flags&dbus.FlagNoReplyExpected == 0 {
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

	err := receiver.Conn().Queue(msg)
	if err == bus.ErrQuota {
		if slot != nil {
			d.bus.ConsumeReply(receiver, sender, meta.Serial)
		}
		return kindErr(KindQuota)
	}
	return err
}

// forwardBroadcast fans a signal out by match rule. A policy denial skips
// that receiver only; a full receiver queue disconnects the receiver and
// the fan-out continues.
func (d *Driver) forwardBroadcast(sender *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	for _, receiver := range d.bus.BroadcastDestinations(sender, meta) {
		if !sender.Policy().CheckSend(meta, receiver.PrimaryNames()) {
			continue
		}
		if !receiver.Policy().CheckReceive(meta, sender.PrimaryNames()) {
			continue
		}

		err := receiver.Conn().Queue(msg)
		if err == bus.ErrQuota {
			receiver.Conn().Shutdown()
			d.log.QuotaDisconnect(context.Background(),
				fmt.Sprintf("Peer :1.%d is being disconnected as it does not have the resources to receive a signal it subscribed to.", receiver.ID),
				logging.Transaction{
					SenderID:      sender.ID,
					ReceiverID:    receiver.ID,
					SenderNames:   sender.PrimaryNames(),
					ReceiverNames: receiver.PrimaryNames(),
					SenderLabel:   sender.Seclabel,
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

// forwardReply validates the reply against the registry and queues it.
func (d *Driver) forwardReply(sender *bus.Peer, msg *wire.Message, meta *wire.Metadata) error {
	waiter, _ := d.bus.FindPeerByName(meta.Destination)
	if waiter == nil {
		return kindErr(KindUnexpectedReply)
	}

	if _, err := d.bus.ConsumeReply(sender, waiter, meta.ReplySerial); err != nil {
		return kindErr(KindUnexpectedReply)
	}

	err := waiter.Conn().Queue(msg)
	if err == bus.ErrQuota {
		waiter.Conn().Shutdown()
		d.log.QuotaDisconnect(context.Background(),
			fmt.Sprintf("Peer :1.%d is being disconnected as it does not have the resources to receive a reply or unicast signal it expects.", waiter.ID),
			logging.Transaction{
				SenderID:      sender.ID,
				ReceiverID:    waiter.ID,
				SenderNames:   sender.PrimaryNames(),
				ReceiverNames: waiter.PrimaryNames(),
				SenderLabel:   sender.Seclabel,
				ReceiverLabel: waiter.Seclabel,
				Type:          typeName(msg.Type),
			})
		return nil
	}
	return err
}

func (d *Driver) logDenial(sender, receiver *bus.Peer, msg *wire.Message, meta *wire.Metadata, direction string) {
	d.log.PolicyDenial(context.Background(),
		fmt.Sprintf("A security policy denied :1.%d to %s a message.", sender.ID, direction),
		logging.Transaction{
			SenderID:      sender.ID,
			ReceiverID:    receiver.ID,
			SenderNames:   sender.PrimaryNames(),
			ReceiverNames: receiver.PrimaryNames(),
			SenderLabel:   sender.Seclabel,
			ReceiverLabel: receiver.Seclabel,
			Type:          typeName(msg.Type),
			Interface:     meta.Interface,
			Member:        meta.Member,
			Path:          string(meta.Path),
		})
}
