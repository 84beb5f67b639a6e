package driver

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/wire"
)

// Body-argument accessors. The input signature was verified before the
// handler ran, so a mismatch here means the codec produced a body that
// contradicts its signature.

func argString(in []any, i int) (string, error) {
	if i < len(in) {
		if s, ok := in[i].(string); ok {
			return s, nil
		}
	}
	return "", kindErr(KindInvalidMessage)
}

func argUint32(in []any, i int) (uint32, error) {
	if i < len(in) {
		if u, ok := in[i].(uint32); ok {
			return u, nil
		}
	}
	return 0, kindErr(KindInvalidMessage)
}

func methodHello(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	if peer.Registered() {
		return kindErr(KindPeerAlreadyRegistered)
	}

	peer.Register()
	reply.msg.Body = []any{peer.UniqueName()}

	if err := d.sendReply(peer, reply.msg, serial); err != nil {
		return err
	}
	reply.sent = true

	return d.nameOwnerChanged(nil, "", nil, peer)
}

func methodRequestName(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	flags, err := argUint32(in, 1)
	if err != nil {
		return err
	}

	if !wire.ValidBusName(name) {
		return kindErr(KindNameInvalid)
	}

	code, change, err := d.bus.Names.Request(peer, name, dbus.RequestNameFlags(flags))
	switch err {
	case nil:
	case bus.ErrNameReserved:
		return kindErr(KindNameReserved)
	case bus.ErrNameUnique:
		return kindErr(KindNameUnique)
	case bus.ErrNameRefused:
		return kindErr(KindNameRefused)
	case bus.ErrQuota:
		return kindErr(KindQuota)
	default:
		return err
	}

	reply.msg.Body = []any{uint32(code)}

	if change != nil {
		if err := d.notifyNameChange(change); err != nil {
			return err
		}
		if change.New != nil {
			if err := d.nameActivated(change.Name.Activation, change.New); err != nil {
				return err
			}
		}
	}
	return nil
}

func methodReleaseName(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}

	if !wire.ValidBusName(name) {
		return kindErr(KindNameInvalid)
	}

	code, change, err := d.bus.Names.Release(peer, name)
	switch err {
	case nil:
	case bus.ErrNameReserved:
		return kindErr(KindNameReserved)
	case bus.ErrNameUnique:
		return kindErr(KindNameUnique)
	default:
		return err
	}

	reply.msg.Body = []any{uint32(code)}

	return d.notifyNameChange(change)
}

func methodListQueuedOwners(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	nameStr, err := argString(in, 0)
	if err != nil {
		return err
	}

	if nameStr == wire.BusName {
		reply.msg.Body = []any{[]string{wire.BusName}}
		return nil
	}

	owner, name := d.bus.FindPeerByName(nameStr)
	if owner == nil {
		return kindErr(KindNameNotFound)
	}

	var owners []string
	if name != nil {
		for _, p := range name.QueuedOwners() {
			owners = append(owners, p.UniqueName())
		}
	} else {
		owners = []string{owner.UniqueName()}
	}
	reply.msg.Body = []any{owners}
	return nil
}

func methodListNames(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	names := []string{wire.BusName}
	for _, p := range d.bus.Peers() {
		if !p.Registered() {
			continue
		}
		names = append(names, p.UniqueName())
	}
	for _, n := range d.bus.Names.Names() {
		if n.Primary() == nil {
			continue
		}
		names = append(names, n.Name)
	}
	reply.msg.Body = []any{names}
	return nil
}

func methodListActivatableNames(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	names := []string{wire.BusName}
	for _, n := range d.bus.Names.Names() {
		if n.Activation == nil {
			continue
		}
		names = append(names, n.Name)
	}
	reply.msg.Body = []any{names}
	return nil
}

func methodNameHasOwner(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}

	if name == wire.BusName {
		reply.msg.Body = []any{true}
		return nil
	}
	owner, _ := d.bus.FindPeerByName(name)
	reply.msg.Body = []any{owner != nil}
	return nil
}

func methodStartServiceByName(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	service, err := argString(in, 0)
	if err != nil {
		return err
	}
	// Flags are silently ignored.
	if _, err := argUint32(in, 1); err != nil {
		return err
	}

	name := d.bus.Names.Find(service)
	if name == nil || name.Activation == nil {
		return kindErr(KindNameNotActivatable)
	}

	if name.Primary() != nil {
		reply.msg.Body = []any{wire.StartReplyAlreadyRunning}
		return nil
	}

	if err := name.Activation.QueueRequest(peer, serial); err != nil {
		if err == bus.ErrQuota {
			return kindErr(KindQuota)
		}
		return err
	}
	reply.sent = true

	return d.requestActivation(name.Activation)
}

// requestActivation asks the controller to start the service, once per
// activation cycle.
func (d *Driver) requestActivation(activation *bus.Activation) error {
	if activation.Requested {
		return nil
	}
	activation.Requested = true
	return d.controller.RequestServiceStart(activation.Name.Name)
}

func methodUpdateActivationEnvironment(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	if !peer.Policy().Privileged() {
		return kindErr(KindPeerNotPrivileged)
	}

	if len(in) < 1 {
		return kindErr(KindInvalidMessage)
	}
	pairs, ok := in[0].(map[string]string)
	if !ok {
		return kindErr(KindInvalidMessage)
	}

	return d.controller.UpdateEnvironment(pairs)
}

func methodGetNameOwner(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}

	if name == wire.BusName {
		reply.msg.Body = []any{wire.BusName}
		return nil
	}
	owner, _ := d.bus.FindPeerByName(name)
	if owner == nil {
		return kindErr(KindNameOwnerNotFound)
	}
	reply.msg.Body = []any{owner.UniqueName()}
	return nil
}

// resolveConnection finds the peer a connection-info method asks about.
// The reserved name resolves to nil with isBus=true: the caller answers with
// the bus's own identity.
func (d *Driver) resolveConnection(name string) (peer *bus.Peer, isBus bool, err error) {
	if name == wire.BusName {
		return nil, true, nil
	}
	p, _ := d.bus.FindPeerByName(name)
	if p == nil {
		return nil, false, kindErr(KindPeerNotFound)
	}
	return p, false, nil
}

func methodGetConnectionUnixUser(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	conn, isBus, err := d.resolveConnection(name)
	if err != nil {
		return err
	}
	if isBus {
		reply.msg.Body = []any{d.bus.UID}
	} else {
		reply.msg.Body = []any{conn.UID}
	}
	return nil
}

func methodGetConnectionUnixProcessID(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	conn, isBus, err := d.resolveConnection(name)
	if err != nil {
		return err
	}
	if isBus {
		reply.msg.Body = []any{d.bus.PID}
	} else {
		reply.msg.Body = []any{conn.PID}
	}
	return nil
}

func methodGetConnectionCredentials(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	conn, isBus, err := d.resolveConnection(name)
	if err != nil {
		return err
	}

	var uid, pid uint32
	var seclabel string
	if isBus {
		uid, pid, seclabel = d.bus.UID, d.bus.PID, d.bus.Seclabel
	} else {
		uid, pid, seclabel = conn.UID, conn.PID, conn.Seclabel
	}

	credentials := map[string]dbus.Variant{
		"UnixUserID": dbus.MakeVariant(uid),
		"ProcessID":  dbus.MakeVariant(pid),
	}
	if seclabel != "" {
		// The DBus specification wants a label of non-zero bytes; the
		// kernel hands out labels the spec cannot express. The label goes
		// out unmodified, with the mandated trailing zero byte.
		credentials["LinuxSecurityLabel"] = dbus.MakeVariant(append([]byte(seclabel), 0))
	}
	reply.msg.Body = []any{credentials}
	return nil
}

func methodGetAdtAuditSessionData(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	if _, _, err := d.resolveConnection(name); err != nil {
		return err
	}

	// ADT audit session data is a Solaris concept; no Linux broker has it.
	return kindErr(KindAdtNotSupported)
}

func methodGetConnectionSELinuxSecurityContext(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	name, err := argString(in, 0)
	if err != nil {
		return err
	}
	conn, isBus, err := d.resolveConnection(name)
	if err != nil {
		return err
	}

	if !selinuxEnabled {
		return kindErr(KindSelinuxNotSupported)
	}

	seclabel := d.bus.Seclabel
	if !isBus {
		seclabel = conn.Seclabel
	}
	// Unlike LinuxSecurityLabel, no trailing zero byte here.
	reply.msg.Body = []any{[]byte(seclabel)}
	return nil
}

func methodAddMatch(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	rule, err := argString(in, 0)
	if err != nil {
		return err
	}

	switch err := d.bus.AddMatch(peer, rule); {
	case err == nil:
		return nil
	case errors.Is(err, bus.ErrQuota):
		return kindErr(KindQuota)
	case errors.Is(err, bus.ErrMatchInvalid):
		return kindErr(KindMatchInvalid)
	default:
		return err
	}
}

func methodRemoveMatch(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	rule, err := argString(in, 0)
	if err != nil {
		return err
	}

	switch err := d.bus.RemoveMatch(peer, rule); {
	case err == nil:
		return nil
	case errors.Is(err, bus.ErrMatchNotFound):
		return kindErr(KindMatchNotFound)
	case errors.Is(err, bus.ErrMatchInvalid):
		return kindErr(KindMatchInvalid)
	default:
		return err
	}
}

func methodReloadConfig(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	if err := d.controller.ReloadConfig(peer.UID, peer.ID, serial); err != nil {
		return kindErr(KindForwardFailed)
	}
	// The reply arrives through ReloadConfigCompleted or
	// ReloadConfigInvalid once the controller is done.
	reply.sent = true
	return nil
}

// ReloadConfigCompleted is the controller's success callback: the deferred
// empty reply goes out to the requesting peer, if it is still connected.
func (d *Driver) ReloadConfigCompleted(senderID uint64, serial uint32) error {
	sender := d.bus.FindPeer(senderID)
	if sender == nil {
		return nil
	}
	return d.sendReply(sender, newMethodReturn(sender, serial, ""), serial)
}

// ReloadConfigInvalid is the controller's failure callback.
func (d *Driver) ReloadConfigInvalid(senderID uint64, serial uint32) error {
	sender := d.bus.FindPeer(senderID)
	if sender == nil {
		return nil
	}
	return d.sendErrorNamed(sender, serial, "org.freedesktop.DBus.Error.Failed", "Config invalid. Reload ignored.")
}

func methodGetId(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	reply.msg.Body = []any{d.bus.GUID}
	return nil
}

func methodIntrospect(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	reply.msg.Body = []any{introspectionFor(path)}
	return nil
}

func methodBecomeMonitor(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	if !peer.Policy().Privileged() {
		return kindErr(KindPeerNotPrivileged)
	}

	if len(in) < 2 {
		return kindErr(KindInvalidMessage)
	}
	ruleStrings, ok := in[0].([]string)
	if !ok {
		return kindErr(KindInvalidMessage)
	}
	flags, err := argUint32(in, 1)
	if err != nil {
		return err
	}

	// An empty rule array means one empty rule: a wildcard, the monitor
	// receives everything.
	if len(ruleStrings) == 0 {
		ruleStrings = []string{""}
	}

	rules := make([]*bus.MatchRule, 0, len(ruleStrings))
	for _, s := range ruleStrings {
		rule, err := bus.ParseMatchRule(s)
		if err != nil {
			return kindErr(KindMatchInvalid)
		}
		rules = append(rules, rule)
	}

	if flags != 0 {
		return kindErr(KindUnexpectedFlags)
	}

	if err := d.sendReply(peer, reply.msg, serial); err != nil {
		return err
	}
	reply.sent = true

	// Only fatal errors from here on: the reply is already out.
	if err := d.Goodbye(peer, true); err != nil {
		return err
	}
	peer.BecomeMonitor(rules)
	return nil
}

func methodPing(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	return nil
}

func methodGetMachineId(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	reply.msg.Body = []any{d.bus.MachineID}
	return nil
}

func propertyFeatures() []string {
	if selinuxEnabled {
		return []string{"SELinux"}
	}
	return []string{}
}

func propertyInterfaces() []string {
	return []string{wire.MonitoringInterface}
}

func methodPropertiesGet(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	iface, err := argString(in, 0)
	if err != nil {
		return err
	}
	property, err := argString(in, 1)
	if err != nil {
		return err
	}

	if iface != wire.BusInterface {
		return kindErr(KindUnexpectedInterface)
	}

	switch property {
	case "Features":
		reply.msg.Body = []any{dbus.MakeVariant(propertyFeatures())}
	case "Interfaces":
		reply.msg.Body = []any{dbus.MakeVariant(propertyInterfaces())}
	default:
		return kindErr(KindUnexpectedProperty)
	}
	return nil
}

func methodPropertiesSet(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	iface, err := argString(in, 0)
	if err != nil {
		return err
	}
	property, err := argString(in, 1)
	if err != nil {
		return err
	}

	if iface != wire.BusInterface {
		return kindErr(KindUnexpectedInterface)
	}
	if property != "Features" && property != "Interfaces" {
		return kindErr(KindUnexpectedProperty)
	}
	return kindErr(KindReadonlyProperty)
}

func methodPropertiesGetAll(d *Driver, peer *bus.Peer, path string, in []any, serial uint32, reply *replyState) error {
	iface, err := argString(in, 0)
	if err != nil {
		return err
	}

	if iface != wire.BusInterface {
		return kindErr(KindUnexpectedInterface)
	}

	reply.msg.Body = []any{map[string]dbus.Variant{
		"Features":   dbus.MakeVariant(propertyFeatures()),
		"Interfaces": dbus.MakeVariant(propertyInterfaces()),
	}}
	return nil
}
