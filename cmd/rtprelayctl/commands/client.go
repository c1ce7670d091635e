package commands

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

// Client is a thin wrapper around a single control connection: it sends
// one "COOKIE OPCODE ARGS..." request line (spec §6.2) and waits for the
// matching reply line.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	dgram  bool
	mu     sync.Mutex
	seq    atomic.Uint64
}

// Dial opens a connection to a control endpoint named with the same
// "type:path[:opts]" syntax the daemon listens with (spec §6.1). stdio
// and sysd are server-only endpoint types and are rejected here.
func Dial(addr string) (*Client, error) {
	ep, err := relay.ParseEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("parse control address %q: %w", addr, err)
	}

	switch ep.Type {
	case relay.EndpointUnix, relay.EndpointTCP, relay.EndpointTCP6:
		conn, err := net.DialTimeout(dialNetwork(ep.Type), ep.Path, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
	case relay.EndpointCUnix, relay.EndpointUDP, relay.EndpointUDP6:
		conn, err := net.DialTimeout(dialNetwork(ep.Type), ep.Path, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &Client{conn: conn, reader: bufio.NewReader(conn), dgram: true}, nil
	default:
		return nil, fmt.Errorf("control address %q: endpoint type %q has no client transport", addr, ep.Type)
	}
}

func dialNetwork(t relay.EndpointType) string {
	switch t {
	case relay.EndpointUnix:
		return "unix"
	case relay.EndpointCUnix:
		return "unixgram"
	case relay.EndpointTCP:
		return "tcp4"
	case relay.EndpointTCP6:
		return "tcp6"
	case relay.EndpointUDP:
		return "udp4"
	case relay.EndpointUDP6:
		return "udp6"
	default:
		return ""
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Send issues opcode with args, waits for the reply, and returns the
// reply with the echoed cookie stripped off (spec §6.2: "each reply is
// one line beginning with the same COOKIE").
func (c *Client) Send(opcode string, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cookie := c.nextCookie()
	line := cookie + " " + opcode
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}

	if err := c.conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("send %s: %w", opcode, err)
	}

	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %s: %w", opcode, err)
	}
	reply = strings.TrimRight(reply, "\r\n")

	fields := strings.SplitN(reply, " ", 2)
	if len(fields) == 0 || fields[0] != cookie {
		return "", fmt.Errorf("reply cookie mismatch: sent %q, got %q", cookie, reply)
	}
	if len(fields) == 1 {
		return "", nil
	}
	return fields[1], nil
}

func (c *Client) nextCookie() string {
	n := c.seq.Add(1)
	return fmt.Sprintf("%d_%d", os.Getpid(), n)
}
