package bus

import (
	"sort"

	"github.com/mowaka/brokerd/internal/wire"
)

// PeerState is the registration state of a connection.
type PeerState int

const (
	// StateUnregistered means connected but Hello has not been called.
	StateUnregistered PeerState = iota
	// StateRegistered is the normal state.
	StateRegistered
	// StateMonitor is a passive observer; it cannot send.
	StateMonitor
)

// Quota bounds the resources a single peer may hold.
type Quota struct {
	Matches            int // match rules owned
	Replies            int // reply slots awaited
	PendingOwnerships  int // names owned or queued for, primary included
	ActivationMessages int // messages captured into activations
}

// DefaultQuota mirrors the reference broker's per-user defaults.
var DefaultQuota = Quota{
	Matches:            5000,
	Replies:            128,
	PendingOwnerships:  256,
	ActivationMessages: 256,
}

// Peer is one connected client.
type Peer struct {
	ID       uint64
	UID      uint32
	PID      uint32
	Seclabel string

	bus    *Bus
	conn   Conn
	policy Policy
	quota  Quota
	state  PeerState

	// ownedNames maps well-known name to this peer's queue entry.
	ownedNames map[string]*NameOwnership
	// ownedMatches are the rules this peer subscribed (or, for monitors,
	// its monitor rule set).
	ownedMatches []*MatchRule
	// awaiting holds the reply slots this peer waits on.
	awaiting map[replyKey]*ReplySlot
	// expected holds the reply slots other peers wait on from this peer.
	expected map[replyKey]*ReplySlot
	// senderMatches indexes rules other peers registered with
	// sender=<this peer's unique name>.
	senderMatches MatchRegistry
}

// FlushSenderMatches drops the rules other peers keyed to this peer's
// unique name; they can never fire again once the peer is gone.
func (p *Peer) FlushSenderMatches() {
	p.senderMatches.Flush()
}

// Conn returns the peer's transport handle.
func (p *Peer) Conn() Conn { return p.conn }

// Policy returns the peer's policy snapshot.
func (p *Peer) Policy() Policy { return p.policy }

// UniqueName returns the peer's wire address.
func (p *Peer) UniqueName() string { return UniqueName(p.ID) }

// Registered reports whether Hello has completed.
func (p *Peer) Registered() bool { return p.state == StateRegistered }

// Monitoring reports whether the peer is in monitor state.
func (p *Peer) Monitoring() bool { return p.state == StateMonitor }

// Register transitions the peer to the registered state.
func (p *Peer) Register() { p.state = StateRegistered }

// Unregister reverts the peer to the unregistered state.
func (p *Peer) Unregister() { p.state = StateUnregistered }

// Ownership returns the peer's queue entry for a name, or nil.
func (p *Peer) Ownership(name string) *NameOwnership {
	return p.ownedNames[name]
}

// OwnedNames returns the well-known names the peer holds queue entries for,
// sorted. Includes non-primary entries.
func (p *Peer) OwnedNames() []string {
	names := make([]string, 0, len(p.ownedNames))
	for n := range p.ownedNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PrimaryNames returns the well-known names the peer is primary owner of,
// sorted. Used by the policy checks and audit logs.
func (p *Peer) PrimaryNames() []string {
	var names []string
	for n, o := range p.ownedNames {
		if o.name.Primary() == o {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// NameSnapshot captures the peer's identity for activation queues: the
// delivery later replays policy checks against the sender's state at
// capture time, not at drain time.
type NameSnapshot struct {
	ID     uint64
	UID    uint32
	Names  []string
	Policy Policy
}

// Snapshot captures the peer's current names, policy and user.
func (p *Peer) Snapshot() NameSnapshot {
	return NameSnapshot{
		ID:     p.ID,
		UID:    p.UID,
		Names:  p.PrimaryNames(),
		Policy: p.policy,
	}
}

// BecomeMonitor installs the rule set and transitions to monitor state.
// The caller has already torn down names, matches and replies. Monitor
// rules live only on the peer; they are never indexed.
func (p *Peer) BecomeMonitor(rules []*MatchRule) {
	for _, rule := range rules {
		rule.owner = p
	}
	p.ownedMatches = rules
	p.state = StateMonitor
	p.bus.monitors[p.ID] = p
}

// StopMonitor leaves monitor state.
func (p *Peer) StopMonitor() {
	p.state = StateUnregistered
	delete(p.bus.monitors, p.ID)
}

// MonitorMatches reports whether any of a monitor's rules select the
// message. Monitors see all message types; eavesdropping is implied.
func (p *Peer) MonitorMatches(meta *wire.Metadata) bool {
	for _, rule := range p.ownedMatches {
		if rule.MatchesEavesdrop(meta) {
			return true
		}
	}
	return false
}
