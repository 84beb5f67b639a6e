package driver

import (
	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/wire"
)

// replyState carries the pre-filled reply through a handler. Handlers that
// send (or defer) the reply themselves mark it sent so the dispatcher does
// not emit a second one.
type replyState struct {
	msg  *wire.Message
	sent bool
}

type handlerFunc func(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error

// method is one driver-method table entry: the handler plus the static
// input/output body signatures and dispatch constraints.
type method struct {
	name              string
	needsRegistration bool
	path              string // pinned object path, or "" for any
	fn                handlerFunc
	in                string
	out               string
}

type driverInterface struct {
	name    string
	methods []method
}

var driverInterfaces = []driverInterface{
	{wire.BusInterface, []method{
		{"Hello", false, "", methodHello, "", "s"},
		{"AddMatch", true, "", methodAddMatch, "s", ""},
		{"RemoveMatch", true, "", methodRemoveMatch, "s", ""},
		{"RequestName", true, "", methodRequestName, "su", "u"},
		{"ReleaseName", true, "", methodReleaseName, "s", "u"},
		{"GetConnectionCredentials", true, "", methodGetConnectionCredentials, "s", "a{sv}"},
		{"GetConnectionUnixUser", true, "", methodGetConnectionUnixUser, "s", "u"},
		{"GetConnectionUnixProcessID", true, "", methodGetConnectionUnixProcessID, "s", "u"},
		{"GetAdtAuditSessionData", true, "", methodGetAdtAuditSessionData, "s", "ay"},
		{"GetConnectionSELinuxSecurityContext", true, "", methodGetConnectionSELinuxSecurityContext, "s", "ay"},
		{"StartServiceByName", true, "", methodStartServiceByName, "su", "u"},
		{"ListQueuedOwners", true, "", methodListQueuedOwners, "s", "as"},
		{"ListNames", true, "", methodListNames, "", "as"},
		{"ListActivatableNames", true, "", methodListActivatableNames, "", "as"},
		{"NameHasOwner", true, "", methodNameHasOwner, "s", "b"},
		{"UpdateActivationEnvironment", true, string(wire.BusPath), methodUpdateActivationEnvironment, "a{ss}", ""},
		{"GetNameOwner", true, "", methodGetNameOwner, "s", "s"},
		{"ReloadConfig", true, "", methodReloadConfig, "", ""},
		{"GetId", true, "", methodGetId, "", "s"},
	}},
	{wire.MonitoringInterface, []method{
		{"BecomeMonitor", true, string(wire.BusPath), methodBecomeMonitor, "asu", ""},
	}},
	{wire.IntrospectableInterface, []method{
		{"Introspect", true, "", methodIntrospect, "", "s"},
	}},
	{wire.PeerInterface, []method{
		{"Ping", true, "", methodPing, "", ""},
		{"GetMachineId", true, "", methodGetMachineId, "", "s"},
	}},
	{wire.PropertiesInterface, []method{
		{"Get", true, string(wire.BusPath), methodPropertiesGet, "ss", "v"},
		{"Set", true, string(wire.BusPath), methodPropertiesSet, "ssv", ""},
		{"GetAll", true, string(wire.BusPath), methodPropertiesGetAll, "s", "a{sv}"},
	}},
}

// peerInterfaceMethods is the table the destination-less pseudo-peer
// implements.
func peerInterfaceMethods() []method {
	for _, iface := range driverInterfaces {
		if iface.name == wire.PeerInterface {
			return iface.methods
		}
	}
	return nil
}

// dispatchMethod scans one interface table. Entries requiring registration
// are invisible to unregistered peers.
func (d *Driver) dispatchMethod(peer *bus.Peer, methods []method, serial uint32, member, path, signature string, msg *wire.Message) error {
	for i := range methods {
		m := &methods[i]
		if m.name != member {
			continue
		}
		if peer.Registered() || !m.needsRegistration {
			return d.handleMethod(m, peer, path, serial, signature, msg)
		}
	}
	return kindErr(KindUnexpectedMethod)
}

// handleMethod verifies the pinned path and input signature, pre-fills the
// reply and runs the handler. Unless the handler took over, the reply is
// enqueued afterwards.
func (d *Driver) handleMethod(m *method, peer *bus.Peer, path string, serial uint32, signature string, msg *wire.Message) error {
	if m.path != "" && path != m.path {
		return kindErr(KindUnexpectedPath)
	}
	if signature != m.in {
		return kindErr(KindUnexpectedSignature)
	}

	reply := &replyState{msg: newMethodReturn(peer, serial, m.out)}
	if err := m.fn(d, peer, path, msg.Body, serial, reply); err != nil {
		return err
	}
	if reply.sent {
		return nil
	}
	return d.sendReply(peer, reply.msg, serial)
}
