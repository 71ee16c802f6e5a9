package tds

import (
	"fmt"
)

// CapabilityLength is the size in bytes of each capability bitmap.
const CapabilityLength = 14

// Capability sub-token markers inside a TDS_CAPABILITY token.
const (
	capabilityRequest  uint8 = 0x01
	capabilityResponse uint8 = 0x02
)

// Request capability bits. The bit number indexes into the request bitmap
// from the least significant end of the final byte.
const (
	_ = iota
	CapReqLang
	CapReqRPC
	CapReqEvt
	CapReqMstmt
	CapReqBcp
	CapReqCursor
	CapReqDynF
	CapReqMsg
	CapReqParam
	CapDataInt1
	CapDataInt2
	CapDataInt4
	CapDataBit
	CapDataChar
	CapDataVchar
	CapDataBin
	CapDataVbin
	CapDataMny8
	CapDataMny4
	CapDataDate8
	CapDataDate4
	CapDataFlt4
	CapDataFlt8
	CapDataNum
	CapDataText
	CapDataImage
	CapDataDec
	CapDataLchar
	CapDataLbin
	CapDataIntN
	CapDataDatetimeN
	CapDataMoneyN
	CapCsrPrev
	CapCsrFirst
	CapCsrLast
	CapCsrAbs
	CapCsrRel
	CapCsrMulti
	CapConOob
	CapConInband
	CapConLogical
	CapProtoText
	CapProtoBulk
	CapReqUrgevt
	CapDataSensitivity
	CapDataBoundary
	CapProtoDynamic
	CapProtoDynProc
	CapDataFltN
	CapDataBitN
	CapDataInt8
)

// CapReqSrvPktSize asks the server to choose the packet size.
const CapReqSrvPktSize = 79

// Response capability bits the client declines.
const (
	CapResNoMsg      = 1
	CapResNoTdsDebug = 32
)

// Capabilities holds the request and response capability bitmaps exchanged
// at login. The request bitmap names what the client wants to use; the
// response bitmap names what the client refuses to receive.
type Capabilities struct {
	Request  [CapabilityLength]byte
	Response [CapabilityLength]byte
}

// defaultRequestCaps is the feature set this client exercises: language
// requests, dynamic statements with parameters, and the plain datatypes.
var defaultRequestCaps = []int{
	CapReqLang, CapReqDynF, CapReqMsg, CapReqParam,
	CapDataInt1, CapDataInt2, CapDataInt4, CapDataInt8, CapDataBit,
	CapDataChar, CapDataVchar, CapDataBin, CapDataVbin,
	CapDataMny8, CapDataMny4, CapDataDate8, CapDataDate4,
	CapDataFlt4, CapDataFlt8, CapDataNum, CapDataDec,
	CapDataText, CapDataImage, CapDataLchar, CapDataLbin,
	CapDataIntN, CapDataDatetimeN, CapDataMoneyN,
	CapDataFltN, CapDataBitN,
	CapConInband, CapProtoDynamic, CapProtoDynProc,
}

var defaultResponseCaps = []int{CapResNoTdsDebug}

// DefaultCapabilities returns the capability set requested at login.
func DefaultCapabilities() *Capabilities {
	c := &Capabilities{}
	c.SetRequest(defaultRequestCaps...)
	c.SetResponse(defaultResponseCaps...)
	return c
}

func setBits(target []byte, bits ...int) error {
	for _, bit := range bits {
		idx := len(target) - 1 - bit/8
		if idx < 0 {
			return fmt.Errorf("tds: capability bit %d out of range", bit)
		}
		target[idx] |= 1 << (uint(bit) % 8)
	}
	return nil
}

func hasBit(target []byte, bit int) bool {
	idx := len(target) - 1 - bit/8
	return idx >= 0 && target[idx]&(1<<(uint(bit)%8)) != 0
}

// SetRequest sets request capability bits.
func (c *Capabilities) SetRequest(bits ...int) error {
	return setBits(c.Request[:], bits...)
}

// SetResponse sets response capability bits.
func (c *Capabilities) SetResponse(bits ...int) error {
	return setBits(c.Response[:], bits...)
}

// HasRequest reports whether a request capability bit is set.
func (c *Capabilities) HasRequest(bit int) bool {
	return hasBit(c.Request[:], bit)
}

// HasResponse reports whether a response capability bit is set.
func (c *Capabilities) HasResponse(bit int) bool {
	return hasBit(c.Response[:], bit)
}

// encode appends the capability token to a token stream body.
func (c *Capabilities) encode(buf []byte) []byte {
	bodyLen := 2*(1+1) + 2*CapabilityLength
	buf = append(buf, byte(TokenCapability))
	buf = append(buf, byte(bodyLen&0xFF), byte(bodyLen>>8))
	buf = append(buf, capabilityRequest, CapabilityLength)
	buf = append(buf, c.Request[:]...)
	buf = append(buf, capabilityResponse, CapabilityLength)
	buf = append(buf, c.Response[:]...)
	return buf
}

// parseCapability parses the body of a TDS_CAPABILITY token.
func parseCapability(body []byte) (*Capabilities, error) {
	c := &Capabilities{}
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, fmt.Errorf("tds: truncated capability token")
		}
		kind, n := body[0], int(body[1])
		body = body[2:]
		if len(body) < n {
			return nil, fmt.Errorf("tds: truncated capability bitmap")
		}
		var dst []byte
		switch kind {
		case capabilityRequest:
			dst = c.Request[:]
		case capabilityResponse:
			dst = c.Response[:]
		default:
			return nil, fmt.Errorf("tds: unknown capability kind %#x", kind)
		}
		// Server bitmaps may be shorter than ours; right-align.
		copy(dst[len(dst)-min(n, len(dst)):], body[max(0, n-len(dst)):n])
		body = body[n:]
	}
	return c, nil
}
