package tds

import (
	"testing"
)

func TestCapabilitiesSetHas(t *testing.T) {
	c := &Capabilities{}

	if c.HasRequest(CapReqLang) {
		t.Error("fresh bitmap has CapReqLang set")
	}
	if err := c.SetRequest(CapReqLang, CapDataInt4, CapReqSrvPktSize); err != nil {
		t.Fatalf("SetRequest: %v", err)
	}
	for _, bit := range []int{CapReqLang, CapDataInt4, CapReqSrvPktSize} {
		if !c.HasRequest(bit) {
			t.Errorf("bit %d not set", bit)
		}
	}
	if c.HasRequest(CapReqRPC) {
		t.Error("unset bit reads as set")
	}

	if err := c.SetResponse(CapResNoTdsDebug); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	if !c.HasResponse(CapResNoTdsDebug) {
		t.Error("response bit not set")
	}
	if c.HasResponse(CapResNoMsg) {
		t.Error("unset response bit reads as set")
	}
}

func TestCapabilitiesBitPlacement(t *testing.T) {
	c := &Capabilities{}
	if err := c.SetRequest(1); err != nil {
		t.Fatal(err)
	}
	// Bit 1 lives in the low bits of the final byte.
	if c.Request[CapabilityLength-1] != 0x02 {
		t.Errorf("final byte = %#x, want 0x02", c.Request[CapabilityLength-1])
	}

	c = &Capabilities{}
	if err := c.SetRequest(8); err != nil {
		t.Fatal(err)
	}
	if c.Request[CapabilityLength-2] != 0x01 {
		t.Errorf("second-to-last byte = %#x, want 0x01", c.Request[CapabilityLength-2])
	}
}

func TestCapabilitiesBitOutOfRange(t *testing.T) {
	c := &Capabilities{}
	if err := c.SetRequest(CapabilityLength * 8); err == nil {
		t.Error("out-of-range bit accepted")
	}
}

func TestCapabilitiesEncodeParseRoundTrip(t *testing.T) {
	in := DefaultCapabilities()

	body := in.encode(nil)
	if TokenType(body[0]) != TokenCapability {
		t.Fatalf("token type = %#x", body[0])
	}
	n := int(body[1]) | int(body[2])<<8
	if n != len(body)-3 {
		t.Fatalf("declared length %d, body %d", n, len(body)-3)
	}

	out, err := parseCapability(body[3:])
	if err != nil {
		t.Fatalf("parseCapability: %v", err)
	}
	if out.Request != in.Request {
		t.Error("request bitmap differs after round trip")
	}
	if out.Response != in.Response {
		t.Error("response bitmap differs after round trip")
	}
}

func TestParseCapabilityShortBitmap(t *testing.T) {
	// Older servers send fewer than 14 bytes; the tail must right-align.
	body := []byte{capabilityRequest, 2, 0x01, 0x80}
	c, err := parseCapability(body)
	if err != nil {
		t.Fatalf("parseCapability: %v", err)
	}
	if c.Request[CapabilityLength-1] != 0x80 {
		t.Errorf("last byte = %#x, want 0x80", c.Request[CapabilityLength-1])
	}
	if c.Request[CapabilityLength-2] != 0x01 {
		t.Errorf("second-to-last byte = %#x, want 0x01", c.Request[CapabilityLength-2])
	}
	if !c.HasRequest(7) {
		t.Error("bit 7 lost")
	}
	if !c.HasRequest(8) {
		t.Error("bit 8 lost")
	}
}

func TestParseCapabilityErrors(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"dangling kind byte", []byte{capabilityRequest}},
		{"short bitmap", []byte{capabilityRequest, 14, 0x00}},
		{"unknown kind", []byte{0x07, 1, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCapability(tt.body); err == nil {
				t.Error("malformed capability body accepted")
			}
		})
	}
}

func TestDefaultCapabilities(t *testing.T) {
	c := DefaultCapabilities()
	for _, bit := range []int{CapReqLang, CapReqDynF, CapReqParam, CapDataInt4, CapDataNum} {
		if !c.HasRequest(bit) {
			t.Errorf("default request lacks bit %d", bit)
		}
	}
	if c.HasRequest(CapReqSrvPktSize) {
		t.Error("srvpktsize requested by default")
	}
	if !c.HasResponse(CapResNoTdsDebug) {
		t.Error("default response lacks notdsdebug")
	}
}
