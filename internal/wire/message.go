// Package wire holds the in-memory model of DBus messages as the router
// sees them: type, flags, serial, header fields and body. Byte-level
// framing is the transport codec's concern; the router only reads and
// mutates this model.
package wire

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Reserved identity of the bus itself.
const (
	BusName = "org.freedesktop.DBus"
	BusPath = dbus.ObjectPath("/org/freedesktop/DBus")

	BusInterface            = "org.freedesktop.DBus"
	MonitoringInterface     = "org.freedesktop.DBus.Monitoring"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface           = "org.freedesktop.DBus.Peer"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
)

// StartServiceByName reply codes.
const (
	StartReplySuccess        uint32 = 1
	StartReplyAlreadyRunning uint32 = 2
)

// ErrInvalid is returned by ParseMetadata for messages that violate the
// header-field requirements of their message type.
var ErrInvalid = errors.New("invalid message")

// Message is one DBus message in flight through the router. Headers uses
// godbus's field codes and variants so the transport codec can hand
// messages through without translation.
type Message struct {
	Type    dbus.Type
	Flags   dbus.Flags
	Serial  uint32
	Headers map[dbus.HeaderField]dbus.Variant
	Body    []any

	// origin retains the transport-decoded message, if any, so forwards
	// re-encode the exact frame the sender produced (with the stitched
	// sender field).
	origin *dbus.Message
}

// New returns an empty message of the given type with an allocated header map.
func New(typ dbus.Type) *Message {
	return &Message{
		Type:    typ,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
}

// FromDBus wraps a transport-decoded godbus message.
func FromDBus(m *dbus.Message) *Message {
	return &Message{
		Type:    m.Type,
		Flags:   m.Flags,
		Serial:  m.Serial(),
		Headers: m.Headers,
		Body:    m.Body,
		origin:  m,
	}
}

// ToDBus renders the message for the transport codec. Forwarded messages
// return their original frame (header mutations included); router-built
// messages are assembled fresh, with the outgoing serial left at zero (the
// receiver correlates through the reply-serial field).
func (m *Message) ToDBus() *dbus.Message {
	if m.origin != nil {
		m.origin.Type = m.Type
		m.origin.Flags = m.Flags
		m.origin.Headers = m.Headers
		m.origin.Body = m.Body
		return m.origin
	}
	return &dbus.Message{
		Type:    m.Type,
		Flags:   m.Flags,
		Headers: m.Headers,
		Body:    m.Body,
	}
}

// header returns the string value of a header field, or "".
func (m *Message) header(f dbus.HeaderField) string {
	if v, ok := m.Headers[f]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// Destination returns the destination header field, or "".
func (m *Message) Destination() string { return m.header(dbus.FieldDestination) }

// Sender returns the sender header field, or "".
func (m *Message) Sender() string { return m.header(dbus.FieldSender) }

// StitchSender overwrites any sender field with the caller's unique name.
// Clients cannot forge their identity.
func (m *Message) StitchSender(uniqueName string) {
	m.Headers[dbus.FieldSender] = dbus.MakeVariant(uniqueName)
}

// ReadSerial returns the serial a reply to this message must carry, or zero
// if the caller does not expect a reply.
func (m *Message) ReadSerial() uint32 {
	if m.Flags&dbus.FlagNoReplyExpected != 0 {
		return 0
	}
	return m.Serial
}

// Metadata is the validated routing view of a message.
type Metadata struct {
	Type        dbus.Type
	Flags       dbus.Flags
	Serial      uint32
	Path        dbus.ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32

	// Args holds the leading string-typed body arguments, for arg0..argN
	// match evaluation. A non-string argument ends the run.
	Args []string
}

// ParseMetadata validates the header fields against the message type's
// requirements and extracts the routing view. A failure here is a protocol
// violation, not a client error.
func ParseMetadata(m *Message) (*Metadata, error) {
	meta := &Metadata{
		Type:   m.Type,
		Flags:  m.Flags,
		Serial: m.Serial,
	}

	if m.Serial == 0 {
		return nil, fmt.Errorf("%w: serial is zero", ErrInvalid)
	}

	for field, variant := range m.Headers {
		switch field {
		case dbus.FieldPath:
			p, ok := variant.Value().(dbus.ObjectPath)
			if !ok || !p.IsValid() {
				return nil, fmt.Errorf("%w: malformed path field", ErrInvalid)
			}
			meta.Path = p
		case dbus.FieldInterface:
			s, ok := variant.Value().(string)
			if !ok || !ValidInterface(s) {
				return nil, fmt.Errorf("%w: malformed interface field", ErrInvalid)
			}
			meta.Interface = s
		case dbus.FieldMember:
			s, ok := variant.Value().(string)
			if !ok || !ValidMember(s) {
				return nil, fmt.Errorf("%w: malformed member field", ErrInvalid)
			}
			meta.Member = s
		case dbus.FieldErrorName:
			s, ok := variant.Value().(string)
			if !ok || !ValidInterface(s) {
				return nil, fmt.Errorf("%w: malformed error-name field", ErrInvalid)
			}
			meta.ErrorName = s
		case dbus.FieldReplySerial:
			u, ok := variant.Value().(uint32)
			if !ok || u == 0 {
				return nil, fmt.Errorf("%w: malformed reply-serial field", ErrInvalid)
			}
			meta.ReplySerial = u
		case dbus.FieldDestination:
			s, ok := variant.Value().(string)
			if !ok || !ValidBusName(s) {
				return nil, fmt.Errorf("%w: malformed destination field", ErrInvalid)
			}
			meta.Destination = s
		case dbus.FieldSender:
			s, ok := variant.Value().(string)
			if !ok || !ValidBusName(s) {
				return nil, fmt.Errorf("%w: malformed sender field", ErrInvalid)
			}
			meta.Sender = s
		case dbus.FieldSignature:
			sig, ok := variant.Value().(dbus.Signature)
			if !ok {
				s, sok := variant.Value().(string)
				if !sok {
					return nil, fmt.Errorf("%w: malformed signature field", ErrInvalid)
				}
				parsed, err := dbus.ParseSignature(s)
				if err != nil {
					return nil, fmt.Errorf("%w: malformed signature field", ErrInvalid)
				}
				sig = parsed
			}
			meta.Signature = sig.String()
		case dbus.FieldUnixFDs:
			u, ok := variant.Value().(uint32)
			if !ok {
				return nil, fmt.Errorf("%w: malformed unix-fds field", ErrInvalid)
			}
			meta.UnixFDs = u
		default:
			// Unknown header fields are ignored, per the DBus spec.
		}
	}

	switch m.Type {
	case dbus.TypeMethodCall:
		if meta.Path == "" || meta.Member == "" {
			return nil, fmt.Errorf("%w: method call without path or member", ErrInvalid)
		}
	case dbus.TypeSignal:
		if meta.Path == "" || meta.Interface == "" || meta.Member == "" {
			return nil, fmt.Errorf("%w: signal without path, interface or member", ErrInvalid)
		}
	case dbus.TypeMethodReply:
		if meta.ReplySerial == 0 {
			return nil, fmt.Errorf("%w: method return without reply serial", ErrInvalid)
		}
	case dbus.TypeError:
		if meta.ErrorName == "" || meta.ReplySerial == 0 {
			return nil, fmt.Errorf("%w: error without name or reply serial", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrInvalid, m.Type)
	}

	for _, arg := range m.Body {
		s, ok := arg.(string)
		if !ok {
			break
		}
		meta.Args = append(meta.Args, s)
	}

	return meta, nil
}
