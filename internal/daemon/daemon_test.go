package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/config"
	"github.com/mowaka/brokerd/internal/logging"
)

// startTestDaemon runs a broker on a temp socket and waits for the listen
// socket to appear.
func startTestDaemon(t *testing.T, cfg *config.Config) string {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "bus.sock")
	d := New(cfg, "", socket, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx) //nolint:errcheck

	for range 50 {
		if _, err := os.Stat(socket); err == nil {
			return socket
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker socket not created: %s", socket)
	return ""
}

func connectClient(t *testing.T, socket string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect("unix:path=" + socket)
	if err != nil {
		t.Fatalf("connect to broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDaemonHelloAndNames(t *testing.T) {
	socket := startTestDaemon(t, &config.Config{})
	conn := connectClient(t, socket)

	// Connect ran Hello; the connection has a unique name.
	if conn.Names()[0] == "" {
		t.Fatal("no unique name after Hello")
	}

	reply, err := conn.RequestName("com.test.Svc", 0)
	if err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName reply = %d, want PrimaryOwner", reply)
	}

	var owner string
	err = conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, "com.test.Svc").Store(&owner)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != conn.Names()[0] {
		t.Errorf("owner = %q, want %q", owner, conn.Names()[0])
	}
}

func TestDaemonTwoClients(t *testing.T) {
	socket := startTestDaemon(t, &config.Config{})
	a := connectClient(t, socket)
	b := connectClient(t, socket)

	if a.Names()[0] == b.Names()[0] {
		t.Fatal("clients share a unique name")
	}

	var has bool
	if err := b.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, a.Names()[0]).Store(&has); err != nil {
		t.Fatalf("NameHasOwner: %v", err)
	}
	if !has {
		t.Error("peer A's unique name should have an owner")
	}
}

func TestDaemonSignalDelivery(t *testing.T) {
	socket := startTestDaemon(t, &config.Config{})
	sender := connectClient(t, socket)
	receiver := connectClient(t, socket)

	if err := receiver.AddMatchSignal(
		dbus.WithMatchInterface("com.test.If"),
		dbus.WithMatchMember("Ping"),
	); err != nil {
		t.Fatalf("AddMatchSignal: %v", err)
	}
	signals := make(chan *dbus.Signal, 1)
	receiver.Signal(signals)

	if err := sender.Emit("/com/test", "com.test.If.Ping", "hello"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case sig := <-signals:
		if sig.Name != "com.test.If.Ping" {
			t.Errorf("signal = %q", sig.Name)
		}
		if len(sig.Body) != 1 || sig.Body[0] != "hello" {
			t.Errorf("body = %v", sig.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestQuotaFromConfigDefaults(t *testing.T) {
	q := quotaFromConfig(config.QuotaConfig{})
	if q.Matches == 0 || q.Replies == 0 {
		t.Error("zero config values must fall back to defaults")
	}
	q = quotaFromConfig(config.QuotaConfig{Matches: 7})
	if q.Matches != 7 {
		t.Errorf("Matches = %d, want 7", q.Matches)
	}
}
