package relay_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sippy-relay/rtprelayd/internal/relay"
)

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    string
		want    relay.Endpoint
		wantErr bool
	}{
		{
			name: "unix with path",
			spec: "unix:/var/run/rtpproxy.sock",
			want: relay.Endpoint{Type: relay.EndpointUnix, Path: "/var/run/rtpproxy.sock"},
		},
		{
			name: "tcp with opts",
			spec: "tcp:0.0.0.0:22222:reuseaddr",
			want: relay.Endpoint{Type: relay.EndpointTCP, Path: "0.0.0.0:22222", Opts: "reuseaddr"},
		},
		{
			name: "stdio",
			spec: "stdio:-",
			want: relay.Endpoint{Type: relay.EndpointStdio, Path: "-"},
		},
		{
			name:    "missing path",
			spec:    "unix",
			wantErr: true,
		},
		{
			name:    "unknown type",
			spec:    "carrier-pigeon:/dev/null",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := relay.ParseEndpoint(tc.spec)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestUnixStreamListenerRoundTrip exercises C10 end to end over a real
// unix-stream socket: newline framing in, newline framing out, cookie
// echoed verbatim (spec §6.2).
func TestUnixStreamListenerRoundTrip(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, 37200, 37210)
	cp := relay.NewCommandProcessor(engine)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	ln := relay.NewListener(relay.Endpoint{Type: relay.EndpointUnix, Path: sockPath}, cp, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve(ctx) }()

	waitForSocket(t, sockPath)

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("42 V\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "42 20040107\n", reply)

	cancel()
	ln.Close()
	require.NoError(t, <-serveErr)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("control socket %s never came up", path)
}
