// Package api serves the broker's status API: JSON snapshots of names and
// peers, and a websocket feed of bus events. It listens on whatever TCP
// address it is given; the address is not restricted to loopback.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mowaka/brokerd/internal/daemon"
)

// NameInfo is one row of the /names listing.
type NameInfo struct {
	Name         string   `json:"name"`
	Owner        string   `json:"owner,omitempty"`
	QueuedOwners []string `json:"queued_owners,omitempty"`
	Activatable  bool     `json:"activatable"`
}

// Server is the HTTP status server.
type Server struct {
	daemon   *daemon.Daemon
	listener net.Listener
	server   *http.Server
	ws       *wsHandler
}

// NewServer binds the status API to addr. The daemon keeps serving even if
// the status listener cannot bind; the caller decides whether that is
// fatal.
func NewServer(addr string, d *daemon.Daemon) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		daemon:   d,
		listener: listener,
		ws:       newWSHandler(),
	}
	d.Subscribe(s.ws)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /names", s.handleNames)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("GET /events", s.ws.handle)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start serves in the background.
func (s *Server) Start() {
	go s.server.Serve(s.listener) //nolint:errcheck
}

// Shutdown stops the server and closes the event feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.closeAll()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	var names []NameInfo
	s.daemon.WithLock(func() {
		for _, n := range s.daemon.Bus().Names.Names() {
			info := NameInfo{
				Name:        n.Name,
				Activatable: n.Activation != nil,
			}
			for _, p := range n.QueuedOwners() {
				info.QueuedOwners = append(info.QueuedOwners, p.UniqueName())
			}
			if len(info.QueuedOwners) > 0 {
				info.Owner = info.QueuedOwners[0]
			}
			names = append(names, info)
		}
	})
	if names == nil {
		names = []NameInfo{}
	}
	writeJSON(w, names)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var peers []daemon.PeerInfo
	s.daemon.WithLock(func() {
		for _, p := range s.daemon.Bus().Peers() {
			if !p.Registered() && !p.Monitoring() {
				continue
			}
			peers = append(peers, daemon.PeerInfo{
				UniqueName: p.UniqueName(),
				UID:        p.UID,
				PID:        p.PID,
			})
		}
	})
	if peers == nil {
		peers = []daemon.PeerInfo{}
	}
	writeJSON(w, peers)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
