package bus

import (
	"strings"

	"github.com/mowaka/brokerd/internal/wire"
)

// Policy is the per-peer security-policy snapshot consulted by the router.
// Snapshots are taken when the peer connects; a config reload does not
// retroactively change connected peers.
type Policy interface {
	// CheckOwn reports whether the peer may own the well-known name.
	CheckOwn(name string) bool
	// CheckSend reports whether the peer may send a message with the given
	// metadata to a receiver owning the given names (nil for the driver).
	CheckSend(meta *wire.Metadata, receiverNames []string) bool
	// CheckReceive reports whether the peer may receive a message with the
	// given metadata from a sender owning the given names (nil for the
	// driver).
	CheckReceive(meta *wire.Metadata, senderNames []string) bool
	// Privileged reports whether the peer may call privileged driver
	// methods (BecomeMonitor, UpdateActivationEnvironment).
	Privileged() bool
	// Seclabel returns the security label the policy was derived from, for
	// audit logging. May be empty.
	Seclabel() string
}

// AllowAll is the default policy: everything permitted, privileged iff the
// peer's uid is root or matches the bus owner's uid or the trusted set.
type AllowAll struct {
	UID         uint32
	BusUID      uint32
	TrustedUIDs map[uint32]bool
	Label       string
}

func (p *AllowAll) CheckOwn(string) bool                       { return true }
func (p *AllowAll) CheckSend(*wire.Metadata, []string) bool    { return true }
func (p *AllowAll) CheckReceive(*wire.Metadata, []string) bool { return true }
func (p *AllowAll) Seclabel() string                           { return p.Label }

func (p *AllowAll) Privileged() bool {
	return p.UID == 0 || p.UID == p.BusUID || p.TrustedUIDs[p.UID]
}

// Snapshot is the config-driven policy: AllowAll plus name-ownership
// restrictions. One is taken per peer at connect time.
type Snapshot struct {
	AllowAll
	DenyOwnPrefixes []string
}

func (s *Snapshot) CheckOwn(name string) bool {
	for _, prefix := range s.DenyOwnPrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}
