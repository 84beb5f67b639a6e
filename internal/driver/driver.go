package driver

import (
	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
)

// Controller is the parent-process interface the driver forwards to.
// Requests are fire-and-forget; completions arrive later through the
// driver's callback entry points.
type Controller interface {
	// ReloadConfig asks for a config reload on behalf of the given peer.
	// The reply to the peer is produced by ReloadConfigCompleted or
	// ReloadConfigInvalid.
	ReloadConfig(uid uint32, senderID uint64, serial uint32) error
	// UpdateEnvironment forwards activation-environment pairs.
	UpdateEnvironment(pairs map[string]string) error
	// RequestServiceStart asks for the activatable service to be launched.
	RequestServiceStart(name string) error
}

// NopController discards every request. Tests and sessions without a parent
// process use it.
type NopController struct{}

func (NopController) ReloadConfig(uint32, uint64, uint32) error { return nil }
func (NopController) UpdateEnvironment(map[string]string) error { return nil }
func (NopController) RequestServiceStart(string) error          { return nil }

// SELinux support is compile-time in the reference broker. This build does
// not carry an SELinux policy engine.
const selinuxEnabled = false

// EventSink observes name-ownership transitions. The daemon feeds the
// status API through it; a nil sink is never called.
type EventSink interface {
	NameOwnerChanged(name, oldOwner, newOwner string)
}

// Driver routes every client message and implements org.freedesktop.DBus.
// It holds a reference to the bus singleton; it never owns it.
type Driver struct {
	bus        *bus.Bus
	log        *logging.Logger
	controller Controller
	sink       EventSink
}

// SetEventSink registers the ownership-transition observer.
func (d *Driver) SetEventSink(sink EventSink) { d.sink = sink }

// New returns a driver routing through b. A nil controller falls back to
// NopController.
func New(b *bus.Bus, log *logging.Logger, controller Controller) *Driver {
	if controller == nil {
		controller = NopController{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Driver{bus: b, log: log, controller: controller}
}

// Bus returns the bus the driver routes through.
func (d *Driver) Bus() *bus.Bus { return d.bus }
