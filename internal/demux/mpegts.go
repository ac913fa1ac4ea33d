package demux

import (
	"time"

	"github.com/nvrcore/nvr/internal/packet"
)

const tsPacketSize = 188

// tsParser incrementally reassembles MPEG-TS packets into PES units
// and emits one packet.Packet per PES unit, with PTS/DTS extracted
// from the PES header and keyframe detection via H.264/H.265 NAL
// unit type sniffing. It intentionally does not parse PAT/PMT tables;
// it treats PID 0x101 as video and 0x102 as audio, matching the fixed
// PID layout FFmpeg's mpegts muxer assigns for a single-program,
// two-stream (video+audio) copy-remux output.
type tsParser struct {
	carry []byte
	pes   map[uint16]*pesAssembly
}

type pesAssembly struct {
	pid     uint16
	payload []byte
	pts     int64
	dts     int64
	hasPTS  bool
	hasDTS  bool
}

const (
	pidVideo = 0x101
	pidAudio = 0x102
)

func newTSParser() *tsParser {
	return &tsParser{pes: make(map[uint16]*pesAssembly)}
}

// Feed appends newly read bytes and returns any complete packets that
// became available.
func (p *tsParser) Feed(data []byte) []packet.Packet {
	p.carry = append(p.carry, data...)

	var out []packet.Packet
	for len(p.carry) >= tsPacketSize {
		// Resync to the 0x47 sync byte if misaligned.
		if p.carry[0] != 0x47 {
			idx := indexByte(p.carry, 0x47)
			if idx < 0 {
				p.carry = nil
				break
			}
			p.carry = p.carry[idx:]
			if len(p.carry) < tsPacketSize {
				break
			}
		}

		tsPkt := p.carry[:tsPacketSize]
		p.carry = p.carry[tsPacketSize:]

		if pkt, ok := p.handleTSPacket(tsPkt); ok {
			out = append(out, pkt)
		}
	}
	return out
}

func indexByte(b []byte, target byte) int {
	for i, v := range b {
		if v == target {
			return i
		}
	}
	return -1
}

func (p *tsParser) handleTSPacket(ts []byte) (packet.Packet, bool) {
	pid := uint16(ts[1]&0x1F)<<8 | uint16(ts[2])
	if pid != pidVideo && pid != pidAudio {
		return packet.Packet{}, false
	}

	payloadStart := (ts[1] & 0x40) != 0
	adaptationFieldControl := (ts[3] >> 4) & 0x3

	offset := 4
	if adaptationFieldControl == 2 || adaptationFieldControl == 3 {
		if offset >= len(ts) {
			return packet.Packet{}, false
		}
		adaptLen := int(ts[offset])
		offset += 1 + adaptLen
	}
	if offset >= len(ts) {
		return packet.Packet{}, false
	}
	payload := ts[offset:]

	var finished *pesAssembly

	if payloadStart {
		if prev, ok := p.pes[pid]; ok && len(prev.payload) > 0 {
			finished = prev
		}
		p.pes[pid] = parsePESHeader(pid, payload)
	} else if asm, ok := p.pes[pid]; ok {
		asm.payload = append(asm.payload, payload...)
	}

	if finished == nil {
		return packet.Packet{}, false
	}
	return toPacket(finished), true
}

func parsePESHeader(pid uint16, data []byte) *pesAssembly {
	asm := &pesAssembly{pid: pid}

	// PES start code: 00 00 01; stream_id at data[3].
	if len(data) < 9 || data[0] != 0x00 || data[1] != 0x00 || data[2] != 0x01 {
		asm.payload = append(asm.payload, data...)
		return asm
	}

	ptsDTSFlags := (data[7] >> 6) & 0x3
	headerDataLen := int(data[8])
	headerStart := 9

	if ptsDTSFlags&0x2 != 0 && len(data) >= headerStart+5 {
		asm.pts = extractTimestamp(data[headerStart : headerStart+5])
		asm.hasPTS = true
	}
	if ptsDTSFlags == 0x3 && len(data) >= headerStart+10 {
		asm.dts = extractTimestamp(data[headerStart+5 : headerStart+10])
		asm.hasDTS = true
	} else if asm.hasPTS {
		asm.dts = asm.pts
		asm.hasDTS = true
	}

	bodyStart := 9 + headerDataLen
	if bodyStart < len(data) {
		asm.payload = append(asm.payload, data[bodyStart:]...)
	}
	return asm
}

// extractTimestamp decodes a 33-bit PTS/DTS from its 5-byte encoding
// per the MPEG-2 Systems spec (ISO/IEC 13818-1 §2.4.3.6).
func extractTimestamp(b []byte) int64 {
	ts := int64(b[0]&0x0E) << 29
	ts |= int64(b[1]) << 22
	ts |= int64(b[2]&0xFE) << 14
	ts |= int64(b[3]) << 7
	ts |= int64(b[4]&0xFE) >> 1
	return ts
}

func toPacket(asm *pesAssembly) packet.Packet {
	stream := packet.StreamVideo
	if asm.pid == pidAudio {
		stream = packet.StreamAudio
	}
	return packet.Packet{
		Bytes:       asm.payload,
		PTS:         asm.pts,
		DTS:         asm.dts,
		HasPTS:      asm.hasPTS,
		HasDTS:      asm.hasDTS,
		Stream:      stream,
		IsKeyframe:  stream == packet.StreamVideo && containsIDR(asm.payload),
		ArrivalNano: time.Now().UnixNano(),
	}
}

// containsIDR scans for an H.264 NAL unit of type 5 (IDR slice) or an
// H.265 NAL unit of type 19/20 (IDR_W_RADL/IDR_N_LP) near the start of
// the elementary stream payload.
func containsIDR(data []byte) bool {
	for i := 0; i+4 < len(data) && i < 4096; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			nalByte := data[i+3]
			h264Type := nalByte & 0x1F
			if h264Type == 5 {
				return true
			}
			h265Type := (nalByte >> 1) & 0x3F
			if h265Type == 19 || h265Type == 20 {
				return true
			}
		}
	}
	return false
}
