// Package driver implements the bus's own endpoint, org.freedesktop.DBus,
// and the top-level routing of every client message: driver calls, unicast
// forwards, broadcast fan-out, reply tracking, activation queues and
// monitor mirroring.
package driver

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// typeName renders a message type for audit records.
func typeName(t dbus.Type) string {
	switch t {
	case dbus.TypeMethodCall:
		return "method_call"
	case dbus.TypeMethodReply:
		return "method_return"
	case dbus.TypeError:
		return "error"
	case dbus.TypeSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Kind enumerates the internal error conditions of the router. Each kind
// maps to a fixed DBus error name and human-readable string; the spellings
// are part of the wire contract.
type Kind int

const (
	kindNone Kind = iota

	// Protocol tier: never reported over DBus, the transport drops the peer.
	KindProtocolViolation
	KindInvalidMessage
	KindPeerNotRegistered

	// Client tier: reported as DBus errors when a reply is expected.
	KindPeerNotYetRegistered
	KindPeerAlreadyRegistered
	KindPeerNotPrivileged
	KindUnexpectedMessageType
	KindUnexpectedPath
	KindUnexpectedInterface
	KindUnexpectedMethod
	KindUnexpectedProperty
	KindReadonlyProperty
	KindUnexpectedSignature
	KindUnexpectedReply
	KindUnexpectedFlags
	KindUnexpectedEnvironmentUpdate
	KindForwardFailed
	KindQuota
	KindSendDenied
	KindReceiveDenied
	KindExpectedReplyExists
	KindNameReserved
	KindNameUnique
	KindNameInvalid
	KindNameRefused
	KindNameNotFound
	KindNameNotActivatable
	KindNameOwnerNotFound
	KindPeerNotFound
	KindDestinationNotFound
	KindMatchInvalid
	KindMatchNotFound
	KindAdtNotSupported
	KindSelinuxNotSupported
)

// Error is a router error with a fixed wire mapping.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver error: %s (%s)", errorText(e.Kind), errorName(e.Kind))
}

func kindErr(k Kind) error { return &Error{Kind: k} }

// errKind extracts the Kind from an error, or kindNone.
func errKind(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return kindNone
}

// errorName returns the DBus error name a kind is reported as. The
// UnkonwnProperty misspelling is the reference broker's and is preserved
// for wire compatibility.
func errorName(k Kind) string {
	switch k {
	case KindPeerAlreadyRegistered:
		return "org.freedesktop.DBus.Error.Failed"
	case KindPeerNotYetRegistered, KindUnexpectedPath, KindUnexpectedMessageType,
		KindUnexpectedReply, KindUnexpectedEnvironmentUpdate, KindExpectedReplyExists,
		KindSendDenied, KindReceiveDenied, KindPeerNotPrivileged, KindNameRefused:
		return "org.freedesktop.DBus.Error.AccessDenied"
	case KindUnexpectedInterface:
		return "org.freedesktop.DBus.Error.UnknownInterface"
	case KindUnexpectedMethod:
		return "org.freedesktop.DBus.Error.UnknownMethod"
	case KindUnexpectedProperty:
		return "org.freedesktop.DBus.Error.UnkonwnProperty"
	case KindReadonlyProperty:
		return "org.freedesktop.DBus.Error.PropertyReadOnly"
	case KindUnexpectedSignature, KindUnexpectedFlags, KindNameReserved,
		KindNameUnique, KindNameInvalid:
		return "org.freedesktop.DBus.Error.InvalidArgs"
	case KindForwardFailed, KindQuota:
		return "org.freedesktop.DBus.Error.LimitsExceeded"
	case KindPeerNotFound, KindNameNotFound, KindNameOwnerNotFound, KindDestinationNotFound:
		return "org.freedesktop.DBus.Error.NameHasNoOwner"
	case KindNameNotActivatable:
		return "org.freedesktop.DBus.Error.ServiceUnknown"
	case KindMatchInvalid:
		return "org.freedesktop.DBus.Error.MatchRuleInvalid"
	case KindMatchNotFound:
		return "org.freedesktop.DBus.Error.MatchRuleNotFound"
	case KindAdtNotSupported:
		return "org.freedesktop.DBus.Error.AdtAuditDataUnknown"
	case KindSelinuxNotSupported:
		return "org.freedesktop.DBus.Error.SELinuxSecurityContextUnknown"
	default:
		return ""
	}
}

// errorText returns the human-readable string carried in the error body.
func errorText(k Kind) string {
	switch k {
	case KindInvalidMessage:
		return "Invalid message body"
	case KindPeerNotRegistered:
		return "Message forwarding attempted without calling Hello()"
	case KindPeerNotYetRegistered:
		return "Hello() was not yet called"
	case KindPeerAlreadyRegistered:
		return "Hello() already called"
	case KindPeerNotPrivileged:
		return "The caller does not have the necessary privileged to call this method"
	case KindUnexpectedMessageType:
		return "Unexpected message type"
	case KindUnexpectedPath:
		return "Invalid object path"
	case KindUnexpectedInterface:
		return "Invalid interface"
	case KindUnexpectedMethod:
		return "Invalid method call"
	case KindUnexpectedProperty:
		return "Invalid property"
	case KindReadonlyProperty:
		return "Cannot set read-only property"
	case KindUnexpectedSignature:
		return "Invalid signature for method"
	case KindUnexpectedReply:
		return "No pending reply with that serial"
	case KindForwardFailed:
		return "Request could not be forwarded to the parent process"
	case KindQuota:
		return "Sending user's quota exceeded"
	case KindUnexpectedFlags:
		return "Invalid flags"
	case KindUnexpectedEnvironmentUpdate:
		return "User is not authorized to update environment variables"
	case KindSendDenied:
		return "Sender is not authorized to send message"
	case KindReceiveDenied:
		return "Receiver is not authorized to receive message"
	case KindExpectedReplyExists:
		return "Pending reply with that serial already exists"
	case KindNameReserved:
		return "org.freedesktop.DBus is a reserved name"
	case KindNameUnique:
		return "The name is a unique name"
	case KindNameInvalid:
		return "The name is not a valid well-known name"
	case KindNameRefused:
		return "Request to own name refused by policy"
	case KindNameNotFound:
		return "The name does not exist"
	case KindNameNotActivatable:
		return "The name is not activatable"
	case KindNameOwnerNotFound:
		return "The name does not have an owner"
	case KindPeerNotFound:
		return "The connection does not exist"
	case KindDestinationNotFound:
		return "Destination does not exist"
	case KindMatchInvalid:
		return "Invalid match rule"
	case KindMatchNotFound:
		return "The match does not exist"
	case KindAdtNotSupported:
		return "Solaris ADT is not supported"
	case KindSelinuxNotSupported:
		return "SELinux is not supported"
	default:
		return ""
	}
}
