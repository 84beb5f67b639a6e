package driver

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/wire"
)

// newMethodReturn pre-fills a method-return for a driver call: sender is the
// reserved name, the destination the peer's unique name, and the receiver
// correlates through the reply-serial field. The outgoing serial is zero.
func newMethodReturn(peer *bus.Peer, serial uint32, signature string) *wire.Message {
	msg := wire.New(dbus.TypeMethodReply)
	msg.Flags = dbus.FlagNoReplyExpected
	msg.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(serial)
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant(wire.BusName)
	msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(peer.UniqueName())
	if signature != "" {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.ParseSignatureMust(signature))
	}
	return msg
}

// newError builds a driver error reply. The body is one string with the
// human-readable message.
func newError(peer *bus.Peer, serial uint32, name, text string) *wire.Message {
	msg := wire.New(dbus.TypeError)
	msg.Flags = dbus.FlagNoReplyExpected
	msg.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(serial)
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant(wire.BusName)
	msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(peer.UniqueName())
	msg.Headers[dbus.FieldErrorName] = dbus.MakeVariant(name)
	msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.ParseSignatureMust("s"))
	msg.Body = []any{text}
	return msg
}

// newSignal builds a driver signal. A non-nil destination makes it a
// unicast signal (NameAcquired, NameLost); nil is a broadcast.
func newSignal(destination *bus.Peer, member, signature string, body ...any) *wire.Message {
	msg := wire.New(dbus.TypeSignal)
	msg.Flags = dbus.FlagNoReplyExpected
	msg.Headers[dbus.FieldSender] = dbus.MakeVariant(wire.BusName)
	if destination != nil {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(destination.UniqueName())
	}
	msg.Headers[dbus.FieldPath] = dbus.MakeVariant(wire.BusPath)
	msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(wire.BusInterface)
	msg.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	if signature != "" {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.ParseSignatureMust(signature))
	}
	msg.Body = body
	return msg
}

// signalMetadata derives the routing view of a driver-built message without
// going through ParseMetadata (the driver's own messages are well-formed by
// construction).
func signalMetadata(msg *wire.Message) *wire.Metadata {
	meta := &wire.Metadata{
		Type:        msg.Type,
		Flags:       msg.Flags,
		Sender:      wire.BusName,
		Destination: msg.Destination(),
	}
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		meta.Path, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := msg.Headers[dbus.FieldInterface]; ok {
		meta.Interface, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldMember]; ok {
		meta.Member, _ = v.Value().(string)
	}
	for _, arg := range msg.Body {
		s, ok := arg.(string)
		if !ok {
			break
		}
		meta.Args = append(meta.Args, s)
	}
	return meta
}

// sendReply enqueues a finalized driver reply. A zero serial means the call
// did not expect a reply: the message is silently discarded.
func (d *Driver) sendReply(peer *bus.Peer, msg *wire.Message, serial uint32) error {
	if serial == 0 {
		return nil
	}
	return d.sendUnicast(peer, msg)
}

// sendErrorKind enqueues the DBus error a kind maps to. Errors are never
// emitted for calls that did not expect a reply.
func (d *Driver) sendErrorKind(peer *bus.Peer, serial uint32, k Kind) error {
	return d.sendErrorNamed(peer, serial, errorName(k), errorText(k))
}

// sendErrorNamed enqueues a DBus error with an explicit name and text.
func (d *Driver) sendErrorNamed(peer *bus.Peer, serial uint32, name, text string) error {
	if serial == 0 {
		return nil
	}
	return d.sendUnicast(peer, newError(peer, serial, name, text))
}

// sendUnicast mirrors a driver-emitted message to monitors and queues it on
// the receiver. A full receiver queue disconnects the receiver; the reply
// or signal it expected is what it no longer has room for.
func (d *Driver) sendUnicast(receiver *bus.Peer, msg *wire.Message) error {
	d.mirrorToMonitors(nil, msg, signalMetadata(msg))

	err := receiver.Conn().Queue(msg)
	if err == bus.ErrQuota {
		receiver.Conn().Shutdown()
		d.log.QuotaDisconnect(context.Background(),
			fmt.Sprintf("Peer :1.%d is being disconnected as it does not have the resources to receive a reply or unicast signal it expects.", receiver.ID),
			logging.Transaction{
				ReceiverID:    receiver.ID,
				ReceiverNames: receiver.PrimaryNames(),
				ReceiverLabel: receiver.Seclabel,
				Type:          typeName(msg.Type),
			})
		return nil
	}
	return err
}
