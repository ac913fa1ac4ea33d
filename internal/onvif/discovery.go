// Package onvif implements a best-effort WS-Discovery probe (§4.12
// expansion): a UDP multicast probe to 239.255.255.250:3702 collecting
// ProbeMatch replies for a bounded window. This is discovery only —
// full ONVIF device/media/PTZ service binding is out of scope per the
// spec's exclusion of the ONVIF discovery protocol implementation to
// an external collaborator; this stub exists to supply the onvif_*
// stream configuration fields a human operator would otherwise type
// in by hand.
package onvif

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	discoveryAddr = "239.255.255.250:3702"
	probeMessage  = `<?xml version="1.0" encoding="UTF-8"?>
<e:Envelope xmlns:e="http://www.w3.org/2003/05/soap-envelope"
            xmlns:w="http://schemas.xmlsoap.org/ws/2004/08/addressing"
            xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
            xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
  <e:Header>
    <w:MessageID>uuid:%s</w:MessageID>
    <w:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</w:To>
    <w:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</w:Action>
  </e:Header>
  <e:Body>
    <d:Probe>
      <d:Types>dn:NetworkVideoTransmitter</d:Types>
    </d:Probe>
  </e:Body>
</e:Envelope>`
)

// Device is a discovered ONVIF device's address and advertised scopes.
type Device struct {
	Address string
	XAddrs  []string
	Scopes  []string
}

// Prober sends WS-Discovery probes and collects replies.
type Prober struct {
	logger *slog.Logger
}

// NewProber constructs a Prober.
func NewProber() *Prober {
	return &Prober{logger: slog.Default().With("component", "onvif")}
}

// Discover broadcasts a single WS-Discovery probe and collects
// ProbeMatch replies until window elapses or ctx is cancelled.
func (p *Prober) Discover(ctx context.Context, correlationID string, window time.Duration) ([]Device, error) {
	addr, err := net.ResolveUDPAddr("udp4", discoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("onvif: resolve multicast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("onvif: listen udp: %w", err)
	}
	defer conn.Close()

	msg := fmt.Sprintf(probeMessage, correlationID)
	if _, err := conn.WriteToUDP([]byte(msg), addr); err != nil {
		return nil, fmt.Errorf("onvif: send probe: %w", err)
	}

	deadline := time.Now().Add(window)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("onvif: set read deadline: %w", err)
	}

	var devices []Device
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return devices, nil
		default:
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return devices, nil
			}
			return devices, fmt.Errorf("onvif: read reply: %w", err)
		}

		dev, ok := parseProbeMatch(buf[:n])
		if !ok {
			continue
		}
		dev.Address = from.IP.String()
		devices = append(devices, dev)
	}
}

// parseProbeMatch extracts XAddrs and Scopes from a ProbeMatch
// response with a minimal substring scan rather than a full XML/SOAP
// parser, since discovery-only consumers need the address list and
// scope hints, not a validated document.
func parseProbeMatch(body []byte) (Device, bool) {
	text := string(body)
	if !strings.Contains(text, "ProbeMatch") {
		return Device{}, false
	}

	dev := Device{}
	if xaddrs := extractTag(text, "XAddrs"); xaddrs != "" {
		dev.XAddrs = strings.Fields(xaddrs)
	}
	if scopes := extractTag(text, "Scopes"); scopes != "" {
		dev.Scopes = strings.Fields(scopes)
	}
	if len(dev.XAddrs) == 0 {
		return Device{}, false
	}
	return dev, true
}

// extractTag finds a namespace-prefixed or bare element's text content,
// e.g. "<d:XAddrs>...</d:XAddrs>" or "<XAddrs>...</XAddrs>".
func extractTag(text, localName string) string {
	startIdx := indexTagOpen(text, localName)
	if startIdx < 0 {
		return ""
	}
	contentStart := strings.IndexByte(text[startIdx:], '>')
	if contentStart < 0 {
		return ""
	}
	contentStart += startIdx + 1
	endIdx := strings.Index(text[contentStart:], "</")
	if endIdx < 0 {
		return ""
	}
	return strings.TrimSpace(text[contentStart : contentStart+endIdx])
}

func indexTagOpen(text, localName string) int {
	idx := strings.Index(text, ":"+localName+">")
	if idx < 0 {
		idx = strings.Index(text, ":"+localName+" ")
	}
	if idx >= 0 {
		// back up to the preceding '<'
		for i := idx; i >= 0; i-- {
			if text[i] == '<' {
				return i
			}
		}
	}
	return strings.Index(text, "<"+localName+">")
}
