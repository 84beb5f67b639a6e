package driver

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/wire"
)

type testEnv struct {
	t      *testing.T
	bus    *bus.Bus
	driver *Driver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.New()
	return &testEnv{t: t, bus: b, driver: New(b, logging.Discard(), nil)}
}

// addPeer connects an unregistered peer with an unbounded queue.
func (e *testEnv) addPeer(uid uint32) (*bus.Peer, *bus.QueueConn) {
	conn := bus.NewQueueConn(0)
	policy := &bus.AllowAll{UID: uid, BusUID: e.bus.UID + 1}
	peer := e.bus.AddPeer(conn, policy, uid, 4321, "")
	return peer, conn
}

// addRegistered connects a peer and runs Hello, discarding the greetings.
func (e *testEnv) addRegistered(uid uint32) (*bus.Peer, *bus.QueueConn) {
	e.t.Helper()
	peer, conn := e.addPeer(uid)
	e.dispatch(peer, driverCall(1, wire.BusInterface, "Hello", "", nil))
	conn.Drain()
	return peer, conn
}

func (e *testEnv) dispatch(peer *bus.Peer, msg *wire.Message) {
	e.t.Helper()
	if err := e.driver.Dispatch(peer, msg); err != nil {
		e.t.Fatalf("Dispatch: %v", err)
	}
}

// driverCall builds a method call to org.freedesktop.DBus at the canonical
// path.
func driverCall(serial uint32, iface, member, sig string, body []any) *wire.Message {
	return callTo(serial, wire.BusName, wire.BusPath, iface, member, sig, body)
}

func callTo(serial uint32, dest string, path dbus.ObjectPath, iface, member, sig string, body []any) *wire.Message {
	msg := wire.New(dbus.TypeMethodCall)
	msg.Serial = serial
	msg.Headers[dbus.FieldPath] = dbus.MakeVariant(path)
	msg.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	if dest != "" {
		msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(dest)
	}
	if iface != "" {
		msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}
	if sig != "" {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.ParseSignatureMust(sig))
	}
	msg.Body = body
	return msg
}

func signalFrom(serial uint32, path dbus.ObjectPath, iface, member, sig string, body []any) *wire.Message {
	msg := wire.New(dbus.TypeSignal)
	msg.Serial = serial
	msg.Headers[dbus.FieldPath] = dbus.MakeVariant(path)
	msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	msg.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	if sig != "" {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.ParseSignatureMust(sig))
	}
	msg.Body = body
	return msg
}

// --- assertions ---

func requireMessages(t *testing.T, conn *bus.QueueConn, n int) []*wire.Message {
	t.Helper()
	msgs := conn.Drain()
	if len(msgs) != n {
		for i, m := range msgs {
			t.Logf("message %d: type=%d headers=%v body=%v", i, m.Type, m.Headers, m.Body)
		}
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	return msgs
}

func assertMethodReturn(t *testing.T, msg *wire.Message, replySerial uint32) {
	t.Helper()
	if msg.Type != dbus.TypeMethodReply {
		t.Fatalf("type = %d, want method return", msg.Type)
	}
	if got := msg.Headers[dbus.FieldReplySerial].Value(); got != replySerial {
		t.Errorf("reply serial = %v, want %d", got, replySerial)
	}
	if msg.Sender() != wire.BusName {
		t.Errorf("sender = %q, want %q", msg.Sender(), wire.BusName)
	}
	if msg.Flags&dbus.FlagNoReplyExpected == 0 {
		t.Error("driver replies must carry NoReplyExpected")
	}
}

func assertErrorReply(t *testing.T, msg *wire.Message, name, text string) {
	t.Helper()
	if msg.Type != dbus.TypeError {
		t.Fatalf("type = %d, want error", msg.Type)
	}
	if got := msg.Headers[dbus.FieldErrorName].Value(); got != name {
		t.Errorf("error name = %v, want %q", got, name)
	}
	if len(msg.Body) != 1 || msg.Body[0] != text {
		t.Errorf("error body = %v, want [%q]", msg.Body, text)
	}
}

func assertSignal(t *testing.T, msg *wire.Message, member string, args ...string) {
	t.Helper()
	if msg.Type != dbus.TypeSignal {
		t.Fatalf("type = %d, want signal", msg.Type)
	}
	if got := msg.Headers[dbus.FieldMember].Value(); got != member {
		t.Fatalf("member = %v, want %q", got, member)
	}
	if got := msg.Headers[dbus.FieldPath].Value(); got != wire.BusPath {
		t.Errorf("path = %v, want %v", got, wire.BusPath)
	}
	if len(msg.Body) != len(args) {
		t.Fatalf("body = %v, want %v", msg.Body, args)
	}
	for i, want := range args {
		if msg.Body[i] != want {
			t.Errorf("arg %d = %v, want %q", i, msg.Body[i], want)
		}
	}
}

// --- registration ---

func TestHello(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addPeer(1000)

	e.dispatch(peer, driverCall(1, wire.BusInterface, "Hello", "", nil))

	msgs := requireMessages(t, conn, 2)
	assertMethodReturn(t, msgs[0], 1)
	if len(msgs[0].Body) != 1 || msgs[0].Body[0] != peer.UniqueName() {
		t.Errorf("Hello body = %v, want unique name %q", msgs[0].Body, peer.UniqueName())
	}
	assertSignal(t, msgs[1], "NameAcquired", peer.UniqueName())

	if !peer.Registered() {
		t.Error("peer should be registered after Hello")
	}
}

func TestHelloTwiceFails(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addRegistered(1000)

	e.dispatch(peer, driverCall(2, wire.BusInterface, "Hello", "", nil))

	msgs := requireMessages(t, conn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.Failed", "Hello() already called")
}

func TestUnregisteredPeerCanOnlyHello(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addPeer(1000)

	// Scenario: ListNames before Hello yields AccessDenied.
	e.dispatch(peer, driverCall(1, wire.BusInterface, "ListNames", "", nil))
	msgs := requireMessages(t, conn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.AccessDenied", "Hello() was not yet called")

	// Hello still succeeds afterwards.
	e.dispatch(peer, driverCall(2, wire.BusInterface, "Hello", "", nil))
	msgs = requireMessages(t, conn, 2)
	assertMethodReturn(t, msgs[0], 2)
}

func TestUnregisteredForwardIsProtocolViolation(t *testing.T) {
	e := newTestEnv(t)
	target, _ := e.addRegistered(1000)
	peer, _ := e.addPeer(1000)

	msg := callTo(1, target.UniqueName(), "/obj", "com.x.If", "M", "", nil)
	err := e.driver.Dispatch(peer, msg)
	if errKind(err) != KindProtocolViolation {
		t.Errorf("err = %v, want protocol violation", err)
	}
}

func TestMonitorCannotSend(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addRegistered(0)

	e.dispatch(peer, driverCall(2, wire.MonitoringInterface, "BecomeMonitor", "asu", []any{[]string{}, uint32(0)}))
	conn.Drain()
	if !peer.Monitoring() {
		t.Fatal("peer should be a monitor")
	}

	err := e.driver.Dispatch(peer, driverCall(3, wire.BusInterface, "ListNames", "", nil))
	if errKind(err) != KindProtocolViolation {
		t.Errorf("monitor send: err = %v, want protocol violation", err)
	}
}

// --- end-to-end scenarios ---

func TestScenarioHelloRequestNameSignals(t *testing.T) {
	e := newTestEnv(t)

	a, aConn := e.addPeer(1000)
	e.dispatch(a, driverCall(1, wire.BusInterface, "Hello", "", nil))
	msgs := requireMessages(t, aConn, 2)
	if msgs[0].Body[0] != ":1.1" {
		t.Fatalf("A unique name = %v, want :1.1", msgs[0].Body[0])
	}

	b, bConn := e.addPeer(1000)
	e.dispatch(b, driverCall(1, wire.BusInterface, "Hello", "", nil))
	msgs = requireMessages(t, bConn, 2)
	if msgs[0].Body[0] != ":1.2" {
		t.Fatalf("B unique name = %v, want :1.2", msgs[0].Body[0])
	}

	e.dispatch(b, driverCall(2, wire.BusInterface, "AddMatch", "s",
		[]any{"type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged'"}))
	msgs = requireMessages(t, bConn, 1)
	assertMethodReturn(t, msgs[0], 2)

	e.dispatch(a, driverCall(2, wire.BusInterface, "RequestName", "su", []any{"com.x", uint32(0)}))

	// A: NameAcquired unicast, then the method reply.
	msgs = requireMessages(t, aConn, 2)
	assertSignal(t, msgs[0], "NameAcquired", "com.x")
	assertMethodReturn(t, msgs[1], 2)
	if msgs[1].Body[0] != uint32(dbus.RequestNameReplyPrimaryOwner) {
		t.Errorf("RequestName reply = %v, want PrimaryOwner", msgs[1].Body[0])
	}

	// B: the broadcast.
	msgs = requireMessages(t, bConn, 1)
	assertSignal(t, msgs[0], "NameOwnerChanged", "com.x", "", ":1.1")
}

func TestScenarioReplacement(t *testing.T) {
	e := newTestEnv(t)
	a, aConn := e.addRegistered(1000)
	b, bConn := e.addRegistered(1000)
	observer, oConn := e.addRegistered(1000)

	e.dispatch(observer, driverCall(2, wire.BusInterface, "AddMatch", "s",
		[]any{"type='signal',member='NameOwnerChanged'"}))
	oConn.Drain()

	e.dispatch(a, driverCall(2, wire.BusInterface, "RequestName", "su",
		[]any{"com.x", uint32(dbus.NameFlagAllowReplacement)}))
	aConn.Drain()
	oConn.Drain()

	e.dispatch(b, driverCall(2, wire.BusInterface, "RequestName", "su",
		[]any{"com.x", uint32(dbus.NameFlagReplaceExisting)}))

	// A observes NameLost.
	msgs := requireMessages(t, aConn, 1)
	assertSignal(t, msgs[0], "NameLost", "com.x")

	// B observes NameAcquired then its reply (u 1).
	msgs = requireMessages(t, bConn, 2)
	assertSignal(t, msgs[0], "NameAcquired", "com.x")
	assertMethodReturn(t, msgs[1], 2)
	if msgs[1].Body[0] != uint32(dbus.RequestNameReplyPrimaryOwner) {
		t.Errorf("reply = %v, want PrimaryOwner", msgs[1].Body[0])
	}

	// The observer sees the transition.
	msgs = requireMessages(t, oConn, 1)
	assertSignal(t, msgs[0], "NameOwnerChanged", "com.x", a.UniqueName(), b.UniqueName())
}

func TestScenarioGetNameOwnerMissing(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addRegistered(1000)

	e.dispatch(peer, driverCall(2, wire.BusInterface, "GetNameOwner", "s", []any{"does.not.exist"}))
	msgs := requireMessages(t, conn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.NameHasNoOwner", "The name does not have an owner")
}

func TestScenarioRequestUniqueName(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addRegistered(1000)

	e.dispatch(peer, driverCall(2, wire.BusInterface, "RequestName", "su", []any{":1.99", uint32(0)}))
	msgs := requireMessages(t, conn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.InvalidArgs", "The name is a unique name")
}

func TestScenarioNoReplyExpectedSuppressesErrors(t *testing.T) {
	e := newTestEnv(t)
	peer, conn := e.addRegistered(1000)

	msg := driverCall(2, wire.BusInterface, "AddMatch", "s", []any{"bogus"})
	msg.Flags = dbus.FlagNoReplyExpected
	e.dispatch(peer, msg)

	requireMessages(t, conn, 0)
}
