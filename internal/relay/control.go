package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// EndpointType is one of the control-socket address types spec §6.1
// enumerates.
type EndpointType string

const (
	EndpointUnix  EndpointType = "unix"  // UNIX stream
	EndpointCUnix EndpointType = "cunix" // UNIX datagram
	EndpointUDP   EndpointType = "udp"
	EndpointUDP6  EndpointType = "udp6"
	EndpointTCP   EndpointType = "tcp"
	EndpointTCP6  EndpointType = "tcp6"
	EndpointStdio EndpointType = "stdio"
	EndpointSysd  EndpointType = "sysd" // systemd socket activation, fd 3
)

// Endpoint is a parsed control-socket address: "type:path[:opts]"
// (spec §6.1). Opts is a comma-separated list; tcp/tcp6 currently
// recognize "reuseaddr" (SO_REUSEADDR before bind).
type Endpoint struct {
	Type EndpointType
	Path string
	Opts string
}

// ParseEndpoint parses "type:path[:opts]" (e.g. "unix:/var/run/rtprelay.sock").
func ParseEndpoint(spec string) (Endpoint, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return Endpoint{}, fmt.Errorf("control endpoint: %w: %q missing type:path", ErrSyntax, spec)
	}
	ep := Endpoint{Type: EndpointType(strings.ToLower(parts[0])), Path: parts[1]}
	if len(parts) == 3 {
		ep.Opts = parts[2]
	}
	switch ep.Type {
	case EndpointUDP, EndpointUDP6, EndpointTCP, EndpointTCP6:
		// A network path is host:port and so holds a colon of its own;
		// a trailing segment that is not a port number is opts.
		rest := spec[len(parts[0])+1:]
		ep.Path, ep.Opts = rest, ""
		if i := strings.LastIndexByte(rest, ':'); i >= 0 {
			if _, err := strconv.ParseUint(rest[i+1:], 10, 16); err != nil {
				ep.Path, ep.Opts = rest[:i], rest[i+1:]
			}
		}
	case EndpointUnix, EndpointCUnix, EndpointStdio, EndpointSysd:
	default:
		return Endpoint{}, fmt.Errorf("control endpoint: %w: unknown type %q", ErrSyntax, ep.Type)
	}
	return ep, nil
}

// Listener accepts connections/datagrams on one configured control
// endpoint and hands framed request lines to a CommandProcessor (C10).
type Listener struct {
	ep        Endpoint
	processor *CommandProcessor
	logger    *slog.Logger

	closeOnce sync.Once
	closers   []io.Closer
	wg        sync.WaitGroup
}

// NewListener constructs (but does not yet start) a listener for ep.
func NewListener(ep Endpoint, processor *CommandProcessor, logger *slog.Logger) *Listener {
	return &Listener{
		ep:        ep,
		processor: processor,
		logger:    logger.With(slog.String("component", "control"), slog.String("endpoint", string(ep.Type))),
	}
}

// Serve runs until ctx is canceled or a fatal accept error occurs.
func (l *Listener) Serve(ctx context.Context) error {
	switch l.ep.Type {
	case EndpointUnix, EndpointTCP, EndpointTCP6:
		return l.serveStream(ctx)
	case EndpointCUnix, EndpointUDP, EndpointUDP6:
		return l.serveDgram(ctx)
	case EndpointStdio:
		return l.serveStdio(ctx)
	case EndpointSysd:
		return l.serveSystemdActivation(ctx)
	default:
		return fmt.Errorf("control endpoint: %w: unsupported type %q", ErrInternal, l.ep.Type)
	}
}

func (l *Listener) network() string {
	switch l.ep.Type {
	case EndpointUnix, EndpointCUnix:
		return "unix"
	case EndpointTCP:
		return "tcp4"
	case EndpointTCP6:
		return "tcp6"
	case EndpointUDP:
		return "udp4"
	case EndpointUDP6:
		return "udp6"
	default:
		return ""
	}
}

func (l *Listener) serveStream(ctx context.Context) error {
	if l.ep.Type == EndpointUnix {
		_ = os.Remove(l.ep.Path)
	}
	lc := net.ListenConfig{}
	if (l.ep.Type == EndpointTCP || l.ep.Type == EndpointTCP6) && hasOpt(l.ep.Opts, "reuseaddr") {
		lc.Control = setReuseAddr
	}
	ln, err := lc.Listen(ctx, l.network(), l.ep.Path)
	if err != nil {
		return fmt.Errorf("control listen: %w: %v", ErrIO, err)
	}
	l.track(ln)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control accept: %w: %v", ErrIO, err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

// serveConn frames a stream connection by newline and hands each line
// to the processor, one reply per request (spec §4.10).
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		reply := l.processor.Handle(line)
		if _, err := io.WriteString(conn, reply+"\n"); err != nil {
			return
		}
	}
}

func (l *Listener) serveDgram(ctx context.Context) error {
	var conn net.PacketConn
	var err error
	if l.ep.Type == EndpointCUnix {
		_ = os.Remove(l.ep.Path)
		conn, err = net.ListenPacket("unixgram", l.ep.Path)
	} else {
		conn, err = net.ListenPacket(l.network(), l.ep.Path)
	}
	if err != nil {
		return fmt.Errorf("control listen: %w: %v", ErrIO, err)
	}
	l.track(conn)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control read: %w: %v", ErrIO, err)
		}
		line := strings.TrimSpace(string(buf[:n]))
		if line == "" {
			continue
		}
		reply := l.processor.Handle(line)
		_, _ = conn.WriteTo([]byte(reply+"\n"), addr)
	}
}

// serveStdio frames stdin by newline and writes replies to stdout — a
// single-shot, single-connection control channel useful for scripted
// tests and for supervisors that pipe commands directly.
func (l *Listener) serveStdio(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			reply := l.processor.Handle(line)
			fmt.Fprintln(os.Stdout, reply)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return nil
	}
}

// serveSystemdActivation reads a pre-opened socket-activation fd
// (LISTEN_FDS=1, fd 3) and serves it as a stream endpoint, instead of
// depending on go-systemd's daemon package (which covers readiness/
// watchdog notify, not socket activation) for a feature the pack has no
// library surface for.
func (l *Listener) serveSystemdActivation(ctx context.Context) error {
	const firstActivationFD = 3
	if os.Getenv("LISTEN_FDS") == "" {
		return fmt.Errorf("control listen: %w: LISTEN_FDS not set for sysd endpoint", ErrInternal)
	}
	count, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || count < 1 {
		return fmt.Errorf("control listen: %w: invalid LISTEN_FDS", ErrInternal)
	}
	f := os.NewFile(uintptr(firstActivationFD), "systemd-activation")
	ln, err := net.FileListener(f)
	if err != nil {
		return fmt.Errorf("control listen: %w: %v", ErrIO, err)
	}
	l.track(ln)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control accept: %w: %v", ErrIO, err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

func (l *Listener) track(c io.Closer) {
	l.closers = append(l.closers, c)
}

// hasOpt reports whether a comma-separated opts string (spec §6.1's
// "type:path[:opts]" third segment) contains name.
func hasOpt(opts, name string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == name {
			return true
		}
	}
	return false
}

// setReuseAddr sets SO_REUSEADDR on a listening socket before bind, so
// a "tcp:addr:port:reuseaddr" control endpoint can rebind immediately
// after a restart instead of waiting out TIME_WAIT.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Close closes all underlying sockets and waits for in-flight
// connections to finish (spec §5: "in-flight commands complete").
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		for _, c := range l.closers {
			_ = c.Close()
		}
	})
	l.wg.Wait()
}
