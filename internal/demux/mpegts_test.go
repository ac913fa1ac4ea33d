package demux

import "testing"

func buildTSPacket(pid uint16, payloadStart bool, payload []byte) []byte {
	ts := make([]byte, tsPacketSize)
	ts[0] = 0x47
	pusi := byte(0)
	if payloadStart {
		pusi = 0x40
	}
	ts[1] = pusi | byte((pid>>8)&0x1F)
	ts[2] = byte(pid & 0xFF)
	ts[3] = 0x10 // no adaptation field, payload only, continuity 0
	copy(ts[4:], payload)
	return ts
}

func buildPESHeader(pts int64) []byte {
	h := make([]byte, 9)
	h[0], h[1], h[2] = 0x00, 0x00, 0x01
	h[3] = 0xE0 // video stream id
	h[6] = 0x80
	h[7] = 0x80 // PTS only
	h[8] = 5    // header_data_length

	pesTS := make([]byte, 5)
	pesTS[0] = 0x21 | byte((pts>>29)&0x0E)
	pesTS[1] = byte((pts >> 22) & 0xFF)
	pesTS[2] = byte((pts>>14)&0xFE) | 0x01
	pesTS[3] = byte((pts >> 7) & 0xFF)
	pesTS[4] = byte((pts<<1)&0xFE) | 0x01

	return append(h, pesTS...)
}

func TestTSParserExtractsPTSAndKeyframe(t *testing.T) {
	parser := newTSParser()

	// IDR NAL (type 5) payload following the PES header.
	nal := []byte{0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB, 0xCC}
	pesHeader := buildPESHeader(90000)
	firstPayload := append(pesHeader, nal...)

	pkt1 := buildTSPacket(pidVideo, true, firstPayload)
	// A second TS packet carrying more of the same PES unit.
	morePayload := make([]byte, 184)
	for i := range morePayload {
		morePayload[i] = byte(i)
	}
	pkt2 := buildTSPacket(pidVideo, false, morePayload)
	// A third packet starting a new PES unit, which flushes the first.
	pkt3 := buildTSPacket(pidVideo, true, buildPESHeader(93000))

	var packets []byte
	packets = append(packets, pkt1...)
	packets = append(packets, pkt2...)
	packets = append(packets, pkt3...)

	out := parser.Feed(packets)
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 flushed packet, got %d", len(out))
	}

	p := out[0]
	if p.PTS != 90000 {
		t.Fatalf("expected pts=90000, got %d", p.PTS)
	}
	if !p.IsKeyframe {
		t.Fatalf("expected keyframe detected from IDR NAL")
	}
}

func TestTSParserIgnoresUnknownPIDs(t *testing.T) {
	parser := newTSParser()
	pkt := buildTSPacket(0x1FFF, true, buildPESHeader(1000))
	out := parser.Feed(pkt)
	if len(out) != 0 {
		t.Fatalf("expected no packets for unrecognized pid, got %d", len(out))
	}
}
