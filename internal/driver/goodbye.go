package driver

import (
	"github.com/mowaka/brokerd/internal/bus"
)

// Goodbye tears a peer down: matches, reply slots, names, registration,
// waiters. It runs on disconnect and on the monitor transition; silent
// suppresses every NameOwnerChanged emission and the NoReply errors.
//
// The order matters. Matches go first: while the peer still holds names, a
// later flush would race with the NameOwnerChanged emission for the peer's
// own losses.
func (d *Driver) Goodbye(peer *bus.Peer, silent bool) error {
	// 1. The peer's own subscriptions.
	d.bus.FlushMatches(peer)

	// 2. Replies the peer was waiting for. The responders are not told;
	// their own teardown clears the other side.
	for _, slot := range peer.AwaitedReplies() {
		slot.Free()
	}

	// 3. Rules other peers keyed to this peer's unique name.
	peer.FlushSenderMatches()

	// 4. Owned names, releasing each and notifying unless silent.
	for _, name := range peer.OwnedNames() {
		ownership := peer.Ownership(name)
		if ownership == nil {
			continue
		}
		change := d.bus.ReleaseOwnership(ownership)
		if silent || change == nil {
			continue
		}
		if err := d.notifyNameChange(change); err != nil {
			return err
		}
	}

	// 5. The unique name itself.
	if peer.Registered() {
		if !silent {
			if err := d.nameOwnerChanged(nil, "", peer, nil); err != nil {
				return err
			}
		}
		peer.Unregister()
	} else if peer.Monitoring() {
		peer.StopMonitor()
	}

	// 6. Replies other peers were waiting for from this peer.
	for _, slot := range peer.ExpectedReplies() {
		if !silent {
			if err := d.sendErrorNamed(slot.Waiter(), slot.Serial, "org.freedesktop.DBus.Error.NoReply", "Remote peer disconnected"); err != nil {
				return err
			}
		}
		slot.Free()
	}

	return nil
}

// Disconnect runs the non-silent goodbye and removes the peer from the
// registry. The daemon calls it when the transport closes.
func (d *Driver) Disconnect(peer *bus.Peer) error {
	err := d.Goodbye(peer, false)
	d.bus.RemovePeer(peer)
	return err
}
