package tds

import (
	"fmt"
	"os"
	"strconv"
)

// Login field sizes fixed by the TDS 5.0 login record layout.
const (
	loginFieldLen      = 30
	loginLibraryLen    = 10
	loginPacketSizeLen = 6
)

// Protocol and library identification sent in every login record.
var (
	loginProtocolVersion = [4]byte{5, 0, 0, 0}
	loginLibraryVersion  = [4]byte{1, 0, 0, 0}
)

// LoginRecord holds the fields of a TDS 5.0 login request. Zero values
// are sent as empty fields; a zero PacketSize asks the server to pick
// one via the srvpktsize capability.
type LoginRecord struct {
	ClientHost  string
	User        string
	Password    string
	Application string
	Server      string
	Language    string
	Charset     string
	Library     string
	PacketSize  int

	Caps *Capabilities
}

// appendPadded appends s into a fixed-size field, zero padded, followed
// by a one-byte actual length.
func appendPadded(buf []byte, s string, size int) ([]byte, error) {
	if len(s) > size {
		return nil, fmt.Errorf("tds: login field %q exceeds %d bytes", s, size)
	}
	buf = append(buf, s...)
	for i := len(s); i < size; i++ {
		buf = append(buf, 0)
	}
	return append(buf, byte(len(s))), nil
}

func appendZeros(buf []byte, n int) []byte {
	for i := 0; i < n; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// Encode produces the login message body: the fixed-layout login record
// followed by the client capability token. The caller frames the result
// into login packets.
func (l *LoginRecord) Encode() ([]byte, error) {
	caps := l.Caps
	if caps == nil {
		caps = DefaultCapabilities()
	}
	if l.PacketSize == 0 {
		if err := caps.SetRequest(CapReqSrvPktSize); err != nil {
			return nil, err
		}
	}
	library := l.Library
	if library == "" {
		library = "sybtds"
	}

	buf := make([]byte, 0, 640)
	var err error
	if buf, err = appendPadded(buf, l.ClientHost, loginFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendPadded(buf, l.User, loginFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendPadded(buf, l.Password, loginFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendPadded(buf, strconv.Itoa(os.Getpid()), loginFieldLen); err != nil {
		return nil, err
	}

	buf = append(buf,
		3,  // int2 little-endian
		1,  // int4 little-endian
		6,  // char is ascii
		10, // float ieee little-endian
		9,  // date little-endian
		1,  // notify on use database
		0,  // no dump/load or bulk insert
	)
	buf = appendZeros(buf, 9)

	if buf, err = appendPadded(buf, l.Application, loginFieldLen); err != nil {
		return nil, err
	}
	if buf, err = appendPadded(buf, l.Server, loginFieldLen); err != nil {
		return nil, err
	}

	// remote password field, unused by direct connections
	buf = append(buf, 0, 0)
	buf = appendZeros(buf, 254)

	buf = append(buf, loginProtocolVersion[:]...)
	if buf, err = appendPadded(buf, library, loginLibraryLen); err != nil {
		return nil, err
	}
	buf = append(buf, loginLibraryVersion[:]...)

	buf = append(buf,
		0,  // convert short date
		13, // float4 ieee little-endian
		17, // smalldatetime little-endian
	)
	if buf, err = appendPadded(buf, l.Language, loginFieldLen); err != nil {
		return nil, err
	}
	buf = append(buf, 1) // notify on language change
	buf = appendZeros(buf, 2)
	buf = append(buf, 0) // no password encryption
	buf = appendZeros(buf, 10)

	if buf, err = appendPadded(buf, l.Charset, loginFieldLen); err != nil {
		return nil, err
	}
	buf = append(buf, 1) // notify on charset change

	pkt := ""
	if l.PacketSize != 0 {
		if l.PacketSize < MinPacketSize || l.PacketSize > MaxPacketSize {
			return nil, fmt.Errorf("tds: login packet size %d out of range [%d,%d]", l.PacketSize, MinPacketSize, MaxPacketSize)
		}
		pkt = strconv.Itoa(l.PacketSize)
	}
	if buf, err = appendPadded(buf, pkt, loginPacketSizeLen); err != nil {
		return nil, err
	}
	buf = appendZeros(buf, 4)

	return caps.encode(buf), nil
}
