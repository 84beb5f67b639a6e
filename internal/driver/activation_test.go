package driver

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/wire"
)

// recordingController captures service-start requests.
type recordingController struct {
	NopController
	started []string
}

func (c *recordingController) RequestServiceStart(name string) error {
	c.started = append(c.started, name)
	return nil
}

func TestStartServiceByName(t *testing.T) {
	e := newTestEnv(t)
	ctrl := &recordingController{}
	e.driver.controller = ctrl
	e.bus.EnsureActivation("com.svc")

	a, aConn := e.addRegistered(1000)

	// No reply yet: the request queues until the name is taken.
	e.dispatch(a, driverCall(5, wire.BusInterface, "StartServiceByName", "su", []any{"com.svc", uint32(0)}))
	requireMessages(t, aConn, 0)
	if len(ctrl.started) != 1 || ctrl.started[0] != "com.svc" {
		t.Fatalf("controller starts = %v, want [com.svc]", ctrl.started)
	}

	// A second request does not re-trigger the controller.
	e.dispatch(a, driverCall(6, wire.BusInterface, "StartServiceByName", "su", []any{"com.svc", uint32(0)}))
	if len(ctrl.started) != 1 {
		t.Errorf("controller re-triggered: %v", ctrl.started)
	}

	// The service takes the name: both requests succeed.
	svc, svcConn := e.addRegistered(1000)
	e.dispatch(svc, driverCall(2, wire.BusInterface, "RequestName", "su", []any{"com.svc", uint32(0)}))
	svcConn.Drain()

	msgs := requireMessages(t, aConn, 2)
	for i, serial := range []uint32{5, 6} {
		assertMethodReturn(t, msgs[i], serial)
		if msgs[i].Body[0] != wire.StartReplySuccess {
			t.Errorf("start reply %d = %v, want success", i, msgs[i].Body[0])
		}
	}
}

func TestStartServiceByNameAlreadyRunning(t *testing.T) {
	e := newTestEnv(t)
	e.bus.EnsureActivation("com.svc")
	svc, svcConn := e.addRegistered(1000)
	e.dispatch(svc, driverCall(2, wire.BusInterface, "RequestName", "su", []any{"com.svc", uint32(0)}))
	svcConn.Drain()

	a, aConn := e.addRegistered(1000)
	e.dispatch(a, driverCall(5, wire.BusInterface, "StartServiceByName", "su", []any{"com.svc", uint32(0)}))
	msgs := requireMessages(t, aConn, 1)
	assertMethodReturn(t, msgs[0], 5)
	if msgs[0].Body[0] != wire.StartReplyAlreadyRunning {
		t.Errorf("reply = %v, want AlreadyRunning", msgs[0].Body[0])
	}
}

func TestStartServiceByNameNotActivatable(t *testing.T) {
	e := newTestEnv(t)
	a, aConn := e.addRegistered(1000)

	e.dispatch(a, driverCall(5, wire.BusInterface, "StartServiceByName", "su", []any{"com.plain", uint32(0)}))
	msgs := requireMessages(t, aConn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.ServiceUnknown", "The name is not activatable")
}

func TestActivationCapturesMessagesFIFO(t *testing.T) {
	e := newTestEnv(t)
	e.bus.EnsureActivation("com.svc")
	a, aConn := e.addRegistered(1000)

	e.dispatch(a, callTo(10, "com.svc", "/obj", "com.svc.If", "First", "", nil))
	e.dispatch(a, callTo(11, "com.svc", "/obj", "com.svc.If", "Second", "", nil))
	requireMessages(t, aConn, 0)

	svc, svcConn := e.addRegistered(1000)
	e.dispatch(svc, driverCall(2, wire.BusInterface, "RequestName", "su", []any{"com.svc", uint32(0)}))

	// NameAcquired, both captured calls in order, then the RequestName
	// reply.
	msgs := requireMessages(t, svcConn, 4)
	assertSignal(t, msgs[0], "NameAcquired", "com.svc")
	if got := msgs[1].Headers[dbus.FieldMember].Value(); got != "First" {
		t.Errorf("first captured = %v", got)
	}
	if got := msgs[2].Headers[dbus.FieldMember].Value(); got != "Second" {
		t.Errorf("second captured = %v", got)
	}
	assertMethodReturn(t, msgs[3], 2)

	// Reply slots were registered for the captured calls.
	if len(svc.ExpectedReplies()) != 2 {
		t.Errorf("expected replies = %d, want 2", len(svc.ExpectedReplies()))
	}
}

func TestActivationNoAutoStart(t *testing.T) {
	e := newTestEnv(t)
	e.bus.EnsureActivation("com.svc")
	a, aConn := e.addRegistered(1000)

	call := callTo(10, "com.svc", "/obj", "com.svc.If", "M", "", nil)
	call.Flags = dbus.FlagNoAutoStart
	e.dispatch(a, call)

	msgs := requireMessages(t, aConn, 1)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.NameHasNoOwner", "Destination does not exist")
}

func TestActivationFailure(t *testing.T) {
	e := newTestEnv(t)
	e.bus.EnsureActivation("com.svc")
	a, aConn := e.addRegistered(1000)

	e.dispatch(a, driverCall(5, wire.BusInterface, "StartServiceByName", "su", []any{"com.svc", uint32(0)}))
	e.dispatch(a, callTo(6, "com.svc", "/obj", "com.svc.If", "M", "", nil))
	requireMessages(t, aConn, 0)

	activation := e.bus.Names.Find("com.svc").Activation
	if !activation.Requested {
		t.Fatal("activation should be marked requested")
	}
	if err := e.driver.NameActivationFailed(activation); err != nil {
		t.Fatalf("NameActivationFailed: %v", err)
	}

	msgs := requireMessages(t, aConn, 2)
	assertErrorReply(t, msgs[0], "org.freedesktop.DBus.Error.ServiceUnknown", "Could not activate remote peer.")
	assertErrorReply(t, msgs[1], "org.freedesktop.DBus.Error.NameHasNoOwner", "Could not activate remote peer.")

	// The request flag is re-armed for the next attempt.
	if activation.Requested {
		t.Error("activation must be re-armed after failure")
	}
}

func TestActivationDeliveryAfterSenderDisconnect(t *testing.T) {
	e := newTestEnv(t)
	e.bus.EnsureActivation("com.svc")

	// A capture outlives its sender: delivery uses the snapshot, with no
	// reply slot (nobody is left to wait).
	a, aConn := e.addRegistered(1000)
	e.dispatch(a, callTo(10, "com.svc", "/obj", "com.svc.If", "M", "", nil))
	requireMessages(t, aConn, 0)

	if err := e.driver.Disconnect(a); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	svc, svcConn := e.addRegistered(1000)
	e.dispatch(svc, driverCall(2, wire.BusInterface, "RequestName", "su", []any{"com.svc", uint32(0)}))

	msgs := requireMessages(t, svcConn, 3)
	assertSignal(t, msgs[0], "NameAcquired", "com.svc")
	if got := msgs[1].Headers[dbus.FieldMember].Value(); got != "M" {
		t.Errorf("captured member = %v", got)
	}
	if len(svc.ExpectedReplies()) != 0 {
		t.Error("no reply slot should exist for a disconnected sender")
	}
}
