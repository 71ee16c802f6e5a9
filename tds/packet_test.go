package tds

import (
	"bytes"
	"testing"
)

func TestEncodePacketsSingle(t *testing.T) {
	body := []byte("select 1")
	msg, err := EncodePackets(PacketQuery, body, 512)
	if err != nil {
		t.Fatalf("EncodePackets: %v", err)
	}

	hdr, got, rest, err := DecodePacket(msg)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if hdr.Type != PacketQuery {
		t.Errorf("type = %v, want %v", hdr.Type, PacketQuery)
	}
	if !hdr.IsLastPacket() {
		t.Error("single packet must carry EOM")
	}
	if hdr.PacketID != 1 {
		t.Errorf("packet id = %d, want 1", hdr.PacketID)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q, want %q", got, body)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %d bytes, want 0", len(rest))
	}
}

func TestEncodePacketsFragmentation(t *testing.T) {
	tests := []struct {
		name       string
		bodyLen    int
		packetSize int
		wantPkts   int
	}{
		{"empty body", 0, 512, 1},
		{"exactly one payload", 504, 512, 1},
		{"one byte over", 505, 512, 2},
		{"several packets", 2000, 512, 4},
		{"max packet size", 40000, MaxPacketSize, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := make([]byte, tt.bodyLen)
			for i := range body {
				body[i] = byte(i)
			}

			msg, err := EncodePackets(PacketQuery, body, tt.packetSize)
			if err != nil {
				t.Fatalf("EncodePackets: %v", err)
			}

			var reassembled []byte
			pkts := 0
			rest := msg
			for {
				hdr, pktBody, r, err := DecodePacket(rest)
				if err != nil {
					t.Fatalf("packet %d: %v", pkts, err)
				}
				rest = r
				pkts++
				reassembled = append(reassembled, pktBody...)

				if int(hdr.Length) > tt.packetSize {
					t.Errorf("packet %d length %d exceeds %d", pkts, hdr.Length, tt.packetSize)
				}
				if hdr.PacketID != uint8(pkts) {
					t.Errorf("packet %d id = %d", pkts, hdr.PacketID)
				}
				last := hdr.IsLastPacket()
				if last != (len(rest) == 0) {
					t.Errorf("packet %d EOM = %v with %d bytes left", pkts, last, len(rest))
				}
				if last {
					break
				}
			}

			if pkts != tt.wantPkts {
				t.Errorf("packets = %d, want %d", pkts, tt.wantPkts)
			}
			if !bytes.Equal(reassembled, body) {
				t.Error("reassembled body differs from input")
			}
		})
	}
}

func TestEncodePacketsSizeRange(t *testing.T) {
	if _, err := EncodePackets(PacketQuery, nil, MinPacketSize-1); err == nil {
		t.Error("undersized packet size accepted")
	}
	if _, err := EncodePackets(PacketQuery, nil, MaxPacketSize+1); err == nil {
		t.Error("oversized packet size accepted")
	}
}

func TestDecodePacketIncomplete(t *testing.T) {
	msg, err := EncodePackets(PacketReply, []byte("abcdef"), 512)
	if err != nil {
		t.Fatalf("EncodePackets: %v", err)
	}

	for cut := 0; cut < len(msg); cut++ {
		_, _, rest, err := DecodePacket(msg[:cut])
		if err != ErrIncompletePacket {
			t.Fatalf("cut at %d: err = %v, want ErrIncompletePacket", cut, err)
		}
		if !bytes.Equal(rest, msg[:cut]) {
			t.Fatalf("cut at %d: rest not left untouched", cut)
		}
	}
}

func TestDecodePacketInvalidLength(t *testing.T) {
	buf := []byte{byte(PacketReply), 0, 0, 3, 0, 0, 1, 0}
	if _, _, _, err := DecodePacket(buf); err == nil || err == ErrIncompletePacket {
		t.Errorf("err = %v, want hard error for length below header size", err)
	}
}

func TestDecodePacketLeavesRemainder(t *testing.T) {
	first, err := EncodePackets(PacketReply, []byte("one"), 512)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EncodePackets(PacketReply, []byte("two"), 512)
	if err != nil {
		t.Fatal(err)
	}
	joined := append(append([]byte{}, first...), second...)

	_, body, rest, err := DecodePacket(joined)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if string(body) != "one" {
		t.Errorf("body = %q", body)
	}
	if !bytes.Equal(rest, second) {
		t.Error("remainder is not the second packet")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Type:     PacketLogin,
		Status:   StatusEOM,
		Length:   520,
		Channel:  7,
		PacketID: 3,
		Window:   0,
	}

	var buf bytes.Buffer
	if err := in.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	if out.PayloadLength() != 512 {
		t.Errorf("payload length = %d, want 512", out.PayloadLength())
	}
}

func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		typ  PacketType
		want string
	}{
		{PacketLogin, "LOGIN"},
		{PacketReply, "REPLY"},
		{PacketAttention, "ATTENTION"},
		{PacketQuery, "QUERY"},
		{PacketType(0x99), "UNKNOWN(153)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("%#x String() = %q, want %q", uint8(tt.typ), got, tt.want)
		}
	}
}
