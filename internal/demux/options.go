// Package demux provides the demuxer abstraction the supervisor opens
// per stream, plus the transport-specific options from §4.8. The real
// transport/decode backend is FFmpeg (no pure-Go RTSP/RTP/MPEG-TS
// stack exists in the example corpus); this package gives the rest of
// the pipeline a Go-native Packet interface instead of FFmpeg-style C
// callbacks, per the §9 re-architecture guidance.
package demux

import "time"

// Transport selects the preferred RTSP transport.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Options captures the transport-specific tuning from §4.8.
type Options struct {
	Transport Transport

	// UDP / multicast.
	UDPReceiveBufferBytes int           // 16 MB
	UDPFFlags             string        // "genpts+discardcorrupt+nobuffer"
	UDPIOTimeout          time.Duration // 10s
	UDPMaxDelay           time.Duration // 2s

	// TCP / RTSP.
	TCPStimeout       time.Duration // 5s
	ReconnectOnClose  bool

	// Both.
	AllowedSchemes []string // protocol allowlist
}

// DefaultOptions returns the §4.8 defaults for a given transport.
func DefaultOptions(t Transport) Options {
	o := Options{
		Transport:      t,
		AllowedSchemes: []string{"rtsp", "rtsps", "rtp", "rtmp"},
	}
	switch t {
	case TransportUDP:
		o.UDPReceiveBufferBytes = 16 * 1024 * 1024
		o.UDPFFlags = "genpts+discardcorrupt+nobuffer"
		o.UDPIOTimeout = 10 * time.Second
		o.UDPMaxDelay = 2 * time.Second
	default:
		o.Transport = TransportTCP
		o.TCPStimeout = 5 * time.Second
		o.ReconnectOnClose = true
	}
	return o
}

// IsMulticast reports whether host is in the 224.0.0.0/4 multicast
// range this package accepts for UDP sources (§4.8, §GLOSSARY).
func IsMulticast(ip [4]byte) bool {
	return ip[0] >= 224 && ip[0] <= 239
}
