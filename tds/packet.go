// Package tds implements the wire codec for TDS 5.0 (Tabular Data Stream),
// the protocol spoken by Sybase ASE family database servers.
//
// This package provides the client-side codec: packet framing, the request
// token writer, the reply token reader, and datatype conversion. The
// connection state machine built on top of it lives in the client package.
//
// The implementation follows the TDS 5.0 functional specification and the
// behaviour observed from FreeTDS and Sybase OpenClient libraries.
package tds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketLogin carries the TDS 5.0 login record.
	PacketLogin PacketType = 0x02

	// PacketReply is sent by the server in response to client requests.
	PacketReply PacketType = 0x04

	// PacketAttention is sent by the client to cancel a running request.
	PacketAttention PacketType = 0x06

	// PacketQuery is the "normal" buffer carrying a client token stream
	// (language, dynamic, params) after login.
	PacketQuery PacketType = 0x0F
)

func (p PacketType) String() string {
	switch p {
	case PacketLogin:
		return "LOGIN"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketQuery:
		return "QUERY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the packet size assumed before negotiation.
const DefaultPacketSize = 512

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// ErrIncompletePacket is returned by DecodePacket when the buffer does not
// yet hold one whole packet. The caller should read more bytes and retry.
var ErrIncompletePacket = errors.New("tds: incomplete packet")

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	Channel  uint16 // TDS 5.0 logical channel, 0 for simple clients
	PacketID uint8  // Packet sequence number (1-255, wraps)
	Window   uint8  // Currently unused, always 0
}

// ReadHeader reads a TDS packet header from the given reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		Channel:  binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Write writes the header to the given writer.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.Channel)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload (excluding header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// EncodePackets fragments a token-stream body into framed packets of at most
// packetSize bytes each. The last packet carries the EOM status flag. The
// returned byte slice holds every packet back to back so the caller can hand
// the whole message to the socket in a single write.
func EncodePackets(t PacketType, body []byte, packetSize int) ([]byte, error) {
	if packetSize < MinPacketSize || packetSize > MaxPacketSize {
		return nil, fmt.Errorf("tds: packet size %d out of range [%d,%d]", packetSize, MinPacketSize, MaxPacketSize)
	}

	maxPayload := packetSize - HeaderSize
	out := make([]byte, 0, len(body)+HeaderSize)
	remaining := body
	seq := uint8(1)

	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := StatusNormal
		if isLast {
			status = StatusEOM
		}

		var hdr [HeaderSize]byte
		hdr[0] = byte(t)
		hdr[1] = byte(status)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(HeaderSize+len(chunk)))
		binary.BigEndian.PutUint16(hdr[4:6], 0)
		hdr[6] = seq
		hdr[7] = 0

		out = append(out, hdr[:]...)
		out = append(out, chunk...)

		seq++
		if seq == 0 {
			seq = 1
		}

		if isLast {
			break
		}
	}

	return out, nil
}

// DecodePacket extracts one packet from the front of buf. It returns the
// header, the packet body and the unconsumed remainder. If buf holds fewer
// bytes than one whole packet, it returns ErrIncompletePacket.
func DecodePacket(buf []byte) (Header, []byte, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, buf, ErrIncompletePacket
	}

	hdr := Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		Channel:  binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}

	if hdr.Length < HeaderSize {
		return Header{}, nil, buf, fmt.Errorf("tds: invalid packet length %d", hdr.Length)
	}
	if len(buf) < int(hdr.Length) {
		return Header{}, nil, buf, ErrIncompletePacket
	}

	body := buf[HeaderSize:hdr.Length]
	rest := buf[hdr.Length:]
	return hdr, body, rest, nil
}
