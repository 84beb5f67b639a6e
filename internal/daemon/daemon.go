// Package daemon runs the broker: it owns the listen socket, authenticates
// connections, reads peer credentials, and serializes every call into the
// driver behind one lock, standing in for the reference broker's
// single-threaded event loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/config"
	"github.com/mowaka/brokerd/internal/controller"
	"github.com/mowaka/brokerd/internal/driver"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/procutil"
)

// PeerInfo describes a connection for observers and the status API.
type PeerInfo struct {
	UniqueName string `json:"unique_name"`
	UID        uint32 `json:"uid"`
	PID        uint32 `json:"pid"`
	Comm       string `json:"comm,omitempty"`
}

// Observer receives daemon lifecycle events.
type Observer interface {
	OnPeerConnected(peer PeerInfo)
	OnPeerDisconnected(peer PeerInfo)
	OnNameOwnerChanged(name, oldOwner, newOwner string)
}

// Daemon ties the listener, the bus and the driver together.
type Daemon struct {
	configPath string
	socketPath string

	mu     sync.Mutex // the bus lock; every driver call runs under it
	cfg    *config.Config
	bus    *bus.Bus
	driver *driver.Driver
	ctrl   *controller.Controller
	log    *logging.Logger

	observersMu sync.RWMutex
	observers   []Observer
}

// New assembles a daemon from a loaded config.
func New(cfg *config.Config, configPath, socketPath string, log *logging.Logger) *Daemon {
	d := &Daemon{
		configPath: configPath,
		socketPath: socketPath,
		cfg:        cfg,
		bus:        bus.New(),
		log:        log,
	}
	if cfg.MachineID != "" {
		d.bus.MachineID = cfg.MachineID
	}
	d.bus.SetQuota(quotaFromConfig(cfg.Quota))

	d.ctrl = controller.New(configPath, cfg.Services, (*controllerCallbacks)(d))
	d.driver = driver.New(d.bus, log, d.ctrl)
	d.driver.SetEventSink(d)

	for _, svc := range cfg.Services {
		d.bus.EnsureActivation(svc.Name)
	}
	return d
}

func quotaFromConfig(q config.QuotaConfig) bus.Quota {
	quota := bus.DefaultQuota
	if q.Matches > 0 {
		quota.Matches = q.Matches
	}
	if q.Replies > 0 {
		quota.Replies = q.Replies
	}
	if q.PendingOwnerships > 0 {
		quota.PendingOwnerships = q.PendingOwnerships
	}
	if q.ActivationMessages > 0 {
		quota.ActivationMessages = q.ActivationMessages
	}
	return quota
}

func (d *Daemon) outgoingLimit() int {
	if d.cfg.Quota.OutgoingMessages > 0 {
		return d.cfg.Quota.OutgoingMessages
	}
	return 1024
}

// Bus exposes the bus for the status API; callers must use Snapshot-style
// accessors through WithLock.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// WithLock runs fn under the bus lock.
func (d *Daemon) WithLock(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Subscribe registers an observer for lifecycle events.
func (d *Daemon) Subscribe(o Observer) {
	d.observersMu.Lock()
	defer d.observersMu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *Daemon) eachObserver(fn func(Observer)) {
	d.observersMu.RLock()
	defer d.observersMu.RUnlock()
	for _, o := range d.observers {
		fn(o)
	}
}

// NameOwnerChanged implements driver.EventSink for the status feed.
func (d *Daemon) NameOwnerChanged(name, oldOwner, newOwner string) {
	d.eachObserver(func(o Observer) { o.OnNameOwnerChanged(name, oldOwner, newOwner) })
}

// Run listens on the socket and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// A stale socket from a dead broker blocks the listen.
	os.Remove(d.socketPath)

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(d.socketPath)

	slog.Info("broker listening", "socket", d.socketPath, "guid", d.bus.GUID)

	go d.watchConfig(ctx)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.serveConn(ctx, sock)
	}
}

// serveConn runs the handshake and the read loop for one connection.
func (d *Daemon) serveConn(ctx context.Context, sock net.Conn) {
	defer sock.Close()

	cred, err := peerCredentials(sock)
	if err != nil {
		slog.Warn("rejecting connection without credentials", "error", err)
		return
	}

	conn := newPeerConn(d, sock, d.outgoingLimit())

	auth := &externalAuth{guid: d.bus.GUID}
	if err := auth.Authenticate(conn.rw); err != nil {
		slog.Debug("authentication failed", "error", err)
		return
	}

	policy := &bus.Snapshot{
		AllowAll: bus.AllowAll{
			UID:         uint32(cred.Uid),
			BusUID:      d.bus.UID,
			TrustedUIDs: trustedSet(d.cfg.Policy.TrustedUIDs),
		},
		DenyOwnPrefixes: d.cfg.Policy.DenyOwnPrefixes,
	}

	d.mu.Lock()
	peer := d.bus.AddPeer(conn, policy, uint32(cred.Uid), uint32(cred.Pid), "")
	d.mu.Unlock()

	info := PeerInfo{
		UniqueName: peer.UniqueName(),
		UID:        uint32(cred.Uid),
		PID:        uint32(cred.Pid),
		Comm:       procutil.ReadComm(cred.Pid),
	}
	d.log.PeerEvent(ctx, "peer connected", peer.ID,
		slog.Uint64("uid", uint64(info.UID)),
		slog.Uint64("pid", uint64(info.PID)),
		slog.String("comm", info.Comm))
	d.eachObserver(func(o Observer) { o.OnPeerConnected(info) })

	done := make(chan struct{})
	defer close(done)
	go conn.writeLoop(done)

	for {
		msg, err := conn.readMessage()
		if err != nil {
			break
		}

		d.mu.Lock()
		err = d.driver.Dispatch(peer, msg)
		d.mu.Unlock()
		if err != nil {
			// Protocol violations (and fatal failures) drop the transport.
			slog.Debug("dropping peer", "peer", peer.UniqueName(), "error", err)
			break
		}
	}

	d.mu.Lock()
	if err := d.driver.Disconnect(peer); err != nil {
		slog.Error("peer teardown failed", "peer", peer.UniqueName(), "error", err)
	}
	d.mu.Unlock()

	d.log.PeerEvent(ctx, "peer disconnected", peer.ID)
	d.eachObserver(func(o Observer) { o.OnPeerDisconnected(info) })
}

func trustedSet(uids []uint32) map[uint32]bool {
	if len(uids) == 0 {
		return nil
	}
	set := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		set[uid] = true
	}
	return set
}

// peerCredentials reads SO_PEERCRED off the accepted Unix socket.
func peerCredentials(c net.Conn) (*unix.Ucred, error) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, credErr
	}
	return cred, nil
}

// watchConfig reloads the config file when it changes on disk, driving the
// same path as the driver's ReloadConfig.
func (d *Daemon) watchConfig(ctx context.Context) {
	if d.configPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace files instead of writing them.
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		slog.Warn("config watch unavailable", "path", d.configPath, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(d.configPath)
			if err != nil {
				slog.Warn("ignoring invalid config", "path", d.configPath, "error", err)
				continue
			}
			d.applyConfig(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// applyConfig installs a reloaded config: quotas and policy apply to new
// peers, the activatable service table is replaced.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.bus.SetQuota(quotaFromConfig(cfg.Quota))
	d.ctrl.SetServices(cfg.Services)

	declared := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		declared[svc.Name] = true
		d.bus.EnsureActivation(svc.Name)
	}
	for _, n := range d.bus.Names.Names() {
		if n.Activation != nil && !declared[n.Name] && len(n.Activation.Requests) == 0 && len(n.Activation.Messages) == 0 {
			d.bus.DropActivation(n.Name)
		}
	}

	slog.Info("config reloaded", "services", len(cfg.Services))
}

// controllerCallbacks routes controller completions back into the driver
// under the bus lock.
type controllerCallbacks Daemon

func (c *controllerCallbacks) ReloadConfigCompleted(senderID uint64, serial uint32) {
	d := (*Daemon)(c)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.driver.ReloadConfigCompleted(senderID, serial); err != nil {
		slog.Error("reload completion failed", "error", err)
	}
}

func (c *controllerCallbacks) ReloadConfigInvalid(senderID uint64, serial uint32) {
	d := (*Daemon)(c)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.driver.ReloadConfigInvalid(senderID, serial); err != nil {
		slog.Error("reload completion failed", "error", err)
	}
}

func (c *controllerCallbacks) ActivationFailed(name string) {
	d := (*Daemon)(c)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.bus.Names.Find(name)
	if n == nil || n.Activation == nil || n.Primary() != nil {
		return
	}
	if err := d.driver.NameActivationFailed(n.Activation); err != nil {
		slog.Error("activation failure fan-out failed", "name", name, "error", err)
	}
}

func (c *controllerCallbacks) ConfigReloaded(cfg *config.Config) {
	(*Daemon)(c).applyConfig(cfg)
}
