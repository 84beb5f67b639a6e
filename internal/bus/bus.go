// Package bus holds the broker's long-lived state: the peer registry, the
// name registry with ownership queues, match-rule indices, reply slots and
// activation queues. The driver package routes through this state; the
// daemon serializes access to it.
package bus

import (
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mowaka/brokerd/internal/wire"
)

// Bus is the singleton the driver routes through.
type Bus struct {
	GUID      string // 32 hex characters, reported by GetId
	MachineID string
	UID       uint32 // uid the broker runs as
	PID       uint32
	Seclabel  string

	peers  map[uint64]*Peer
	nextID uint64
	Names  NameRegistry

	// wildcardMatches holds rules with no sender key.
	wildcardMatches MatchRegistry
	monitors        map[uint64]*Peer

	quota Quota
}

// New creates an empty bus with a fresh GUID.
func New() *Bus {
	return &Bus{
		GUID:      strings.ReplaceAll(uuid.New().String(), "-", ""),
		MachineID: readMachineID(),
		UID:       uint32(os.Getuid()),
		PID:       uint32(os.Getpid()),
		peers:     make(map[uint64]*Peer),
		nextID:    1,
		Names:     newNameRegistry(),
		monitors:  make(map[uint64]*Peer),
		quota:     DefaultQuota,
	}
}

// SetQuota replaces the quota applied to peers added afterwards.
func (b *Bus) SetQuota(q Quota) { b.quota = q }

func readMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		// Machines without /etc/machine-id get a per-run id.
		return hex.EncodeToString(uuid.New().NodeID()) + "00000000000000000000"
	}
	return strings.TrimSpace(string(data))
}

// AddPeer allocates the next peer id and registers the connection. Ids are
// monotonic and never reused.
func (b *Bus) AddPeer(conn Conn, policy Policy, uid, pid uint32, seclabel string) *Peer {
	id := b.nextID
	b.nextID++
	p := &Peer{
		ID:         id,
		UID:        uid,
		PID:        pid,
		Seclabel:   seclabel,
		bus:        b,
		conn:       conn,
		policy:     policy,
		quota:      b.quota,
		ownedNames: make(map[string]*NameOwnership),
		awaiting:   make(map[replyKey]*ReplySlot),
		expected:   make(map[replyKey]*ReplySlot),
	}
	b.peers[id] = p
	return p
}

// RemovePeer drops the peer from the registry. The driver's goodbye has
// already torn down its references.
func (b *Bus) RemovePeer(p *Peer) {
	delete(b.monitors, p.ID)
	delete(b.peers, p.ID)
}

// FindPeer returns the peer with the given id, or nil.
func (b *Bus) FindPeer(id uint64) *Peer {
	return b.peers[id]
}

// Peers returns every connected peer in id order.
func (b *Bus) Peers() []*Peer {
	ids := make([]uint64, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Peer, len(ids))
	for i, id := range ids {
		out[i] = b.peers[id]
	}
	return out
}

// NMonitors returns the number of connected monitors.
func (b *Bus) NMonitors() int { return len(b.monitors) }

// FindPeerByName resolves a destination string to its peer: unique names by
// id, well-known names by primary ownership. The second return carries the
// Name entry when one exists, whether or not it has an owner (the caller
// needs it for activation).
func (b *Bus) FindPeerByName(destination string) (*Peer, *Name) {
	if wire.IsUniqueName(destination) {
		id, ok := ParseUniqueName(destination)
		if !ok {
			return nil, nil
		}
		p := b.peers[id]
		if p == nil || !p.Registered() {
			return nil, nil
		}
		return p, nil
	}
	n := b.Names.Find(destination)
	if n == nil {
		return nil, nil
	}
	if primary := n.Primary(); primary != nil {
		return primary.peer, n
	}
	return nil, n
}

// AddMatch parses and registers a rule under the peer, quota-counted. The
// rule lands in the index its sender key selects: a peer's sender index, a
// name's registry, or the wildcard index.
func (b *Bus) AddMatch(p *Peer, ruleString string) error {
	rule, err := ParseMatchRule(ruleString)
	if err != nil {
		return err
	}
	if len(p.ownedMatches) >= p.quota.Matches {
		return ErrQuota
	}
	rule.owner = p
	p.ownedMatches = append(p.ownedMatches, rule)
	b.indexFor(rule).Add(rule)
	return nil
}

// RemoveMatch unregisters the peer's rule equal to the given rule string.
func (b *Bus) RemoveMatch(p *Peer, ruleString string) error {
	rule, err := ParseMatchRule(ruleString)
	if err != nil {
		return err
	}
	for _, owned := range p.ownedMatches {
		if !owned.Equal(rule) {
			continue
		}
		if reg := b.indexForRemoval(owned); reg != nil {
			reg.Remove(owned)
		}
		p.dropOwnedMatch(owned)
		b.gcRuleName(owned)
		return nil
	}
	return ErrMatchNotFound
}

// indexForRemoval resolves the registry a rule was added to without
// creating name entries along the way. Monitor rule sets were never
// indexed; their names may not exist.
func (b *Bus) indexForRemoval(rule *MatchRule) *MatchRegistry {
	if name, ok := rule.ownerChangedName(); ok {
		if n := b.Names.Find(name); n != nil {
			return &n.OwnerChangedMatches
		}
		return nil
	}
	switch {
	case rule.Sender == "", rule.Sender == wire.BusName:
		return &b.wildcardMatches
	case wire.IsUniqueName(rule.Sender):
		if id, ok := ParseUniqueName(rule.Sender); ok {
			if peer := b.peers[id]; peer != nil {
				return &peer.senderMatches
			}
		}
		return &b.wildcardMatches
	default:
		if n := b.Names.Find(rule.Sender); n != nil {
			return &n.SenderMatches
		}
		return nil
	}
}

// gcRuleName retires a name entry kept alive only by the removed rule.
func (b *Bus) gcRuleName(rule *MatchRule) {
	name := rule.Sender
	if pinned, ok := rule.ownerChangedName(); ok {
		name = pinned
	}
	if name == "" || wire.IsUniqueName(name) || name == wire.BusName {
		return
	}
	if n := b.Names.Find(name); n != nil {
		b.Names.gc(n)
	}
}

// indexFor picks the registry a rule lives in. Rules that can only select
// NameOwnerChanged about one well-known name index on that name; rules
// keyed to a sender index on the sender; everything else is wildcard.
func (b *Bus) indexFor(rule *MatchRule) *MatchRegistry {
	if name, ok := rule.ownerChangedName(); ok {
		return &b.Names.lookup(name).OwnerChangedMatches
	}
	switch {
	case rule.Sender == "", rule.Sender == wire.BusName:
		return &b.wildcardMatches
	case wire.IsUniqueName(rule.Sender):
		if id, ok := ParseUniqueName(rule.Sender); ok {
			if peer := b.peers[id]; peer != nil {
				return &peer.senderMatches
			}
		}
		// Rules on absent unique names can never fire but stay owned, so
		// RemoveMatch and teardown find them.
		return &b.wildcardMatches
	default:
		return &b.Names.lookup(rule.Sender).SenderMatches
	}
}

// dropOwnedMatch unlinks the rule from the peer's owned set.
func (p *Peer) dropOwnedMatch(rule *MatchRule) {
	for i, r := range p.ownedMatches {
		if r == rule {
			p.ownedMatches = append(p.ownedMatches[:i], p.ownedMatches[i+1:]...)
			return
		}
	}
}

// FlushMatches removes every rule the peer owns from the indices. Goodbye
// step one.
func (b *Bus) FlushMatches(p *Peer) {
	for _, rule := range p.ownedMatches {
		if reg := b.indexForRemoval(rule); reg != nil {
			reg.Remove(rule)
		}
		b.gcRuleName(rule)
	}
	p.ownedMatches = nil
}

// BroadcastDestinations computes the ordered receiver set for a broadcast
// from sender: the wildcard index, rules pinned to the sender's unique
// name, and rules pinned to each name the sender primarily owns.
// Duplicates are collapsed; the sender itself and monitors are excluded.
func (b *Bus) BroadcastDestinations(sender *Peer, meta *wire.Metadata) []*Peer {
	var dst []*Peer
	dst = b.wildcardMatches.Matching(meta, dst)
	dst = sender.senderMatches.Matching(meta, dst)
	for _, name := range sender.PrimaryNames() {
		if n := b.Names.Find(name); n != nil {
			dst = n.SenderMatches.Matching(meta, dst)
		}
	}
	out := dst[:0]
	for _, p := range dst {
		if p == sender || p.Monitoring() || !p.Registered() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SignalDestinations computes receivers for a driver-emitted signal, using
// the wildcard index plus an optional per-name registry.
func (b *Bus) SignalDestinations(matches *MatchRegistry, meta *wire.Metadata) []*Peer {
	var dst []*Peer
	dst = b.wildcardMatches.Matching(meta, dst)
	if matches != nil {
		dst = matches.Matching(meta, dst)
	}
	out := dst[:0]
	for _, p := range dst {
		if p.Monitoring() || !p.Registered() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MonitorDestinations returns every monitor whose rule set selects the
// message, in id order.
func (b *Bus) MonitorDestinations(meta *wire.Metadata) []*Peer {
	if len(b.monitors) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(b.monitors))
	for id := range b.monitors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []*Peer
	for _, id := range ids {
		m := b.monitors[id]
		if m.MonitorMatches(meta) {
			out = append(out, m)
		}
	}
	return out
}

// EnsureActivation attaches an activation record to a name, creating the
// name entry if needed.
func (b *Bus) EnsureActivation(name string) *Activation {
	n := b.Names.lookup(name)
	if n.Activation == nil {
		n.Activation = &Activation{Name: n}
	}
	return n.Activation
}

// DropActivation detaches the activation record from a name.
func (b *Bus) DropActivation(name string) {
	n := b.Names.Find(name)
	if n == nil || n.Activation == nil {
		return
	}
	n.Activation = nil
	b.Names.gc(n)
}

// ReleaseOwnership unlinks one queue entry, reporting a primary transition.
// Goodbye uses it to release names one at a time.
func (b *Bus) ReleaseOwnership(o *NameOwnership) *NameChange {
	return b.Names.dropOwnership(o)
}

// RegisterReply creates a reply slot: waiter awaits serial from responder.
func (b *Bus) RegisterReply(waiter, responder *Peer, serial uint32) (*ReplySlot, error) {
	return registerReply(waiter, responder, serial)
}

// ConsumeReply resolves the slot a reply satisfies, removing it.
func (b *Bus) ConsumeReply(responder, waiter *Peer, serial uint32) (*ReplySlot, error) {
	return consumeReply(responder, waiter, serial)
}
