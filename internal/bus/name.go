package bus

import (
	"errors"
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/wire"
)

// Name-registry error conditions the driver maps onto DBus errors.
var (
	ErrNameReserved = errors.New("name is reserved")
	ErrNameUnique   = errors.New("name is a unique name")
	ErrNameRefused  = errors.New("name refused by policy")
	ErrNameNotFound = errors.New("name not found")
)

// Name is one well-known name with its ordered ownership queue. The head of
// the queue is the primary owner. A name with an empty queue, no activation
// and no match rules keyed to it is removed from the registry.
type Name struct {
	Name string

	queue      []*NameOwnership
	Activation *Activation

	// SenderMatches indexes rules keyed sender=<this name>; they are
	// consulted for broadcasts from the name's primary owner.
	SenderMatches MatchRegistry
	// OwnerChangedMatches indexes rules that can only select
	// NameOwnerChanged about this name (arg0-keyed).
	OwnerChangedMatches MatchRegistry
}

// Primary returns the head of the ownership queue, or nil.
func (n *Name) Primary() *NameOwnership {
	if len(n.queue) == 0 {
		return nil
	}
	return n.queue[0]
}

// QueuedOwners returns every peer in the queue, in queue order.
func (n *Name) QueuedOwners() []*Peer {
	peers := make([]*Peer, len(n.queue))
	for i, o := range n.queue {
		peers[i] = o.peer
	}
	return peers
}

// NameOwnership is one element of a name's queue.
type NameOwnership struct {
	peer  *Peer
	name  *Name
	flags dbus.RequestNameFlags
}

// Peer returns the owning peer.
func (o *NameOwnership) Peer() *Peer { return o.peer }

// Name returns the name this entry queues on.
func (o *NameOwnership) Name() *Name { return o.name }

// NameChange records a primary-owner transition. Old or New may be nil
// (name appeared or was retired).
type NameChange struct {
	Name *Name
	Old  *Peer
	New  *Peer
}

// NameRegistry holds every live well-known name.
type NameRegistry struct {
	names map[string]*Name
}

func newNameRegistry() NameRegistry {
	return NameRegistry{names: make(map[string]*Name)}
}

// Find returns the registered name, or nil.
func (r *NameRegistry) Find(name string) *Name {
	return r.names[name]
}

// Names returns every registered name, sorted.
func (r *NameRegistry) Names() []*Name {
	keys := make([]string, 0, len(r.names))
	for k := range r.names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Name, len(keys))
	for i, k := range keys {
		out[i] = r.names[k]
	}
	return out
}

// lookup returns the name entry, creating it if needed.
func (r *NameRegistry) lookup(name string) *Name {
	n := r.names[name]
	if n == nil {
		n = &Name{Name: name}
		r.names[name] = n
	}
	return n
}

// gc removes the name if nothing references it anymore.
func (r *NameRegistry) gc(n *Name) {
	if len(n.queue) == 0 && n.Activation == nil && n.SenderMatches.Empty() && n.OwnerChangedMatches.Empty() {
		delete(r.names, n.Name)
	}
}

// Request implements the RequestName decision tree. It returns the DBus
// reply code and, when the primary owner changed, a NameChange. Reserved,
// unique-form and policy-refused names fail with an error instead.
func (r *NameRegistry) Request(peer *Peer, name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, *NameChange, error) {
	if name == wire.BusName {
		return 0, nil, ErrNameReserved
	}
	if wire.IsUniqueName(name) {
		return 0, nil, ErrNameUnique
	}
	if !peer.policy.CheckOwn(name) {
		return 0, nil, ErrNameRefused
	}

	n := r.Find(name)
	if n != nil {
		if primary := n.Primary(); primary != nil {
			if primary.peer == peer {
				primary.flags = flags
				return dbus.RequestNameReplyAlreadyOwner, nil, nil
			}

			if primary.flags&dbus.NameFlagAllowReplacement != 0 && flags&dbus.NameFlagReplaceExisting != 0 {
				return r.replacePrimary(peer, n, flags)
			}

			if flags&dbus.NameFlagDoNotQueue != 0 {
				return dbus.RequestNameReplyExists, nil, nil
			}

			return r.enqueue(peer, n, flags)
		}
	}

	// No current primary: the peer takes the name.
	if len(peer.ownedNames) >= peer.quota.PendingOwnerships {
		return 0, nil, ErrQuota
	}
	n = r.lookup(name)
	o := &NameOwnership{peer: peer, name: n, flags: flags}
	n.queue = append([]*NameOwnership{o}, n.queue...)
	peer.ownedNames[name] = o
	return dbus.RequestNameReplyPrimaryOwner, &NameChange{Name: n, Old: nil, New: peer}, nil
}

// replacePrimary displaces the current primary. The displaced owner moves
// to the head of the queue, or is evicted if it asked not to queue.
func (r *NameRegistry) replacePrimary(peer *Peer, n *Name, flags dbus.RequestNameFlags) (dbus.RequestNameReply, *NameChange, error) {
	displaced := n.queue[0]

	// Reuse the requester's queue entry if it already waits in line.
	o := peer.ownedNames[n.Name]
	if o != nil {
		for i, e := range n.queue {
			if e == o {
				n.queue = append(n.queue[:i], n.queue[i+1:]...)
				break
			}
		}
		o.flags = flags
	} else {
		if len(peer.ownedNames) >= peer.quota.PendingOwnerships {
			return 0, nil, ErrQuota
		}
		o = &NameOwnership{peer: peer, name: n, flags: flags}
		peer.ownedNames[n.Name] = o
	}

	if displaced.flags&dbus.NameFlagDoNotQueue != 0 {
		n.queue = n.queue[1:]
		delete(displaced.peer.ownedNames, n.Name)
	}
	n.queue = append([]*NameOwnership{o}, n.queue...)

	return dbus.RequestNameReplyPrimaryOwner, &NameChange{Name: n, Old: displaced.peer, New: peer}, nil
}

func (r *NameRegistry) enqueue(peer *Peer, n *Name, flags dbus.RequestNameFlags) (dbus.RequestNameReply, *NameChange, error) {
	if o := peer.ownedNames[n.Name]; o != nil {
		o.flags = flags
		return dbus.RequestNameReplyInQueue, nil, nil
	}
	if len(peer.ownedNames) >= peer.quota.PendingOwnerships {
		return 0, nil, ErrQuota
	}
	o := &NameOwnership{peer: peer, name: n, flags: flags}
	n.queue = append(n.queue, o)
	peer.ownedNames[n.Name] = o
	return dbus.RequestNameReplyInQueue, nil, nil
}

// Release removes the peer's queue entry for name. If the peer was primary,
// the next entry (if any) becomes primary and a NameChange is produced.
func (r *NameRegistry) Release(peer *Peer, name string) (dbus.ReleaseNameReply, *NameChange, error) {
	if name == wire.BusName {
		return 0, nil, ErrNameReserved
	}
	if wire.IsUniqueName(name) {
		return 0, nil, ErrNameUnique
	}

	n := r.Find(name)
	if n == nil || len(n.queue) == 0 {
		return dbus.ReleaseNameReplyNonExistent, nil, nil
	}
	o := peer.ownedNames[name]
	if o == nil {
		return dbus.ReleaseNameReplyNotOwner, nil, nil
	}

	change := r.dropOwnership(o)
	return dbus.ReleaseNameReplyReleased, change, nil
}

// dropOwnership unlinks a queue entry and reports the resulting primary
// transition, if any.
func (r *NameRegistry) dropOwnership(o *NameOwnership) *NameChange {
	n := o.name
	wasPrimary := n.Primary() == o
	for i, e := range n.queue {
		if e == o {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			break
		}
	}
	delete(o.peer.ownedNames, n.Name)

	if !wasPrimary {
		r.gc(n)
		return nil
	}

	var next *Peer
	if p := n.Primary(); p != nil {
		next = p.peer
	}
	change := &NameChange{Name: n, Old: o.peer, New: next}
	r.gc(n)
	return change
}
