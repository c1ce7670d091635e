package relay

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// splitHostPort parses a "host:port" string into a net.IP and port,
// used only to build the synthetic frame headers PCAPRecorder writes.
func splitHostPort(hostport string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, 0, fmt.Errorf("pcap recorder: %w: %v", ErrInternal, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("pcap recorder: %w: invalid address %q", ErrInternal, host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("pcap recorder: %w: invalid port %q", ErrInternal, portStr)
	}
	return ip.To4(), uint16(port), nil
}

// Recorder is the consumed contract for the out-of-scope PCAP/recording
// subsystem (spec §1): the core only needs to hand forwarded packets to
// whatever recorder a session's RecordMode selects, not to understand
// RTCP or PCAP internals itself.
type Recorder interface {
	Write(ctx PacketContext, payload []byte, src, dst string) error
	Close() error
}

// NoopRecorder discards every packet; used for RecordOff.
type NoopRecorder struct{}

func (NoopRecorder) Write(PacketContext, []byte, string, string) error { return nil }
func (NoopRecorder) Close() error                                     { return nil }

// RawRecorder appends raw payload bytes to a flat file, one write per
// packet with no framing beyond the payload itself — RecordMode=raw.
type RawRecorder struct {
	mu sync.Mutex
	f  *os.File
}

// NewRawRecorder opens (creating if needed) path for appending.
func NewRawRecorder(path string) (*RawRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("raw recorder: %w: %v", ErrIO, err)
	}
	return &RawRecorder{f: f}, nil
}

func (r *RawRecorder) Write(_ PacketContext, payload []byte, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(payload); err != nil {
		return fmt.Errorf("raw recorder write: %w: %v", ErrIO, err)
	}
	return nil
}

func (r *RawRecorder) Close() error { return r.f.Close() }

// PCAPRecorder writes a classic pcap (libpcap format) capture of
// relayed packets using
// gopacket's writer (grounded on gravwell-gravwell's go.mod, which is
// the only repo in the retrieval pack importing gopacket). We build a
// synthetic Ethernet/IPv4/UDP frame around each payload rather than
// re-implementing RTCP parsing internals, which stay out of scope per
// spec §1 — the recorder's job is to produce a capture a generic
// analyzer can read, not to interpret the payload itself.
type PCAPRecorder struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// NewPCAPRecorder creates path and writes the pcap global file header.
func NewPCAPRecorder(path string) (*PCAPRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap recorder: %w: %v", ErrIO, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pcap recorder header: %w: %v", ErrIO, err)
	}
	return &PCAPRecorder{f: f, w: w}, nil
}

func (r *PCAPRecorder) Write(_ PacketContext, payload []byte, src, dst string) error {
	frame, err := synthesizeUDPFrame(src, dst, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("pcap recorder write: %w: %v", ErrIO, err)
	}
	return nil
}

func (r *PCAPRecorder) Close() error { return r.f.Close() }

// synthesizeUDPFrame wraps payload in a minimal Ethernet/IPv4/UDP frame
// so generic pcap tooling can display the relayed stream without this
// package depending on any RTCP-aware dissector.
func synthesizeUDPFrame(src, dst string, payload []byte) ([]byte, error) {
	srcAddr, srcPort, err := splitHostPort(src)
	if err != nil {
		return nil, err
	}
	dstAddr, dstPort, err := splitHostPort(dst)
	if err != nil {
		return nil, err
	}

	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcAddr,
		DstIP:    dstAddr,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("pcap recorder checksum: %w: %v", ErrInternal, err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("pcap recorder serialize: %w: %v", ErrInternal, err)
	}
	return buf.Bytes(), nil
}
