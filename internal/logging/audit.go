// Package logging provides structured audit logging for routed traffic:
// policy denials, quota disconnects and peer teardown each produce one
// record carrying enough context to reconstruct the transaction.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog for broker audit records.
type Logger struct {
	*slog.Logger
}

// New creates an audit logger that writes JSON to stderr.
func New(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// FromSlog wraps an existing slog logger.
func FromSlog(l *slog.Logger) *Logger {
	return &Logger{Logger: l}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Transaction describes one routed (or refused) message for audit output.
type Transaction struct {
	SenderID      uint64
	ReceiverID    uint64
	SenderNames   []string
	ReceiverNames []string
	SenderLabel   string
	ReceiverLabel string
	Type          string
	Interface     string
	Member        string
	Path          string
}

func (t Transaction) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.Uint64("sender_id", t.SenderID),
		slog.Uint64("receiver_id", t.ReceiverID),
		slog.String("type", t.Type),
	}
	if len(t.SenderNames) > 0 {
		attrs = append(attrs, slog.Any("sender_names", t.SenderNames))
	}
	if len(t.ReceiverNames) > 0 {
		attrs = append(attrs, slog.Any("receiver_names", t.ReceiverNames))
	}
	if t.SenderLabel != "" {
		attrs = append(attrs, slog.String("sender_label", t.SenderLabel))
	}
	if t.ReceiverLabel != "" {
		attrs = append(attrs, slog.String("receiver_label", t.ReceiverLabel))
	}
	if t.Interface != "" {
		attrs = append(attrs, slog.String("interface", t.Interface))
	}
	if t.Member != "" {
		attrs = append(attrs, slog.String("member", t.Member))
	}
	if t.Path != "" {
		attrs = append(attrs, slog.String("path", t.Path))
	}
	return attrs
}

// QuotaDisconnect logs a receiver being disconnected for running out of
// queue space, with the reference broker's phrasing.
func (l *Logger) QuotaDisconnect(ctx context.Context, message string, t Transaction) {
	l.LogAttrs(ctx, slog.LevelWarn, message, t.attrs()...)
}

// PolicyDenial logs a send or receive refused by policy.
func (l *Logger) PolicyDenial(ctx context.Context, message string, t Transaction) {
	l.LogAttrs(ctx, slog.LevelWarn, message, t.attrs()...)
}

// PeerEvent logs a peer lifecycle event (connect, register, goodbye).
func (l *Logger) PeerEvent(ctx context.Context, event string, id uint64, attrs ...slog.Attr) {
	all := append([]slog.Attr{slog.Uint64("peer_id", id)}, attrs...)
	l.LogAttrs(ctx, slog.LevelInfo, event, all...)
}
