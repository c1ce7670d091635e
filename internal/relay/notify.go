package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Notifier is the consumed contract for the out-of-scope
// notification-socket subsystem (spec §1): on TTL expiry the reaper
// hands it a best-effort termination record (the D and X commands send
// none); it does not need to understand anything about sessions beyond
// that.
type Notifier interface {
	Notify(ctx context.Context, rec NotifyRecord) error
}

// NotifyRecord is the payload delivered to a session's notify_target on
// termination (spec §3 notify_target, §4.8 expiry notification).
type NotifyRecord struct {
	ID     string    `json:"id"`
	CallID string    `json:"call_id"`
	Reason string    `json:"reason"` // "expired" (the reaper is the only sender)
	At     time.Time `json:"at"`
}

// NoopNotifier drops every record; used when a session has no
// notify_target configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, NotifyRecord) error { return nil }

// UDPNotifier delivers a JSON-encoded NotifyRecord as a single
// best-effort datagram to a fixed target address — the simplest wire
// shape that satisfies "opaque string or none" target addressing (spec
// §3) without requiring the notification-socket subsystem itself
// (out of scope) to be implemented here.
type UDPNotifier struct {
	conn *net.UDPConn
}

// NewUDPNotifier resolves target ("host:port") and dials a UDP socket
// to it.
func NewUDPNotifier(target string) (*UDPNotifier, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("notify: %w: %v", ErrSyntax, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("notify: %w: %v", ErrIO, err)
	}
	return &UDPNotifier{conn: conn}, nil
}

// Notify sends rec as JSON, stamping a fresh message id. Best-effort:
// write errors are returned and the reaper, the only caller, just logs
// them, per spec §7 ("errors inside the timed
// wheel callbacks are logged; the wheel continues").
func (n *UDPNotifier) Notify(ctx context.Context, rec NotifyRecord) error {
	rec.ID = uuid.NewString()
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("notify: %w: %v", ErrInternal, err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = n.conn.SetWriteDeadline(deadline)
	} else {
		_ = n.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	}
	if _, err := n.conn.Write(body); err != nil {
		return fmt.Errorf("notify: %w: %v", ErrIO, err)
	}
	return nil
}

// Close releases the underlying socket.
func (n *UDPNotifier) Close() error { return n.conn.Close() }
