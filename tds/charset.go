package tds

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Charset converts character data between the wire charset negotiated at
// login and Go's native UTF-8. TDS 5.0 servers speak a single-byte charset
// by default (iso_1 on most installations); conversion happens once, at the
// token boundary, never inside the token stream.
type Charset struct {
	name string
	enc  encoding.Encoding // nil means UTF-8 passthrough
}

// charsets maps Sybase charset names to encodings.
var charsets = map[string]encoding.Encoding{
	"iso_1":  charmap.ISO8859_1,
	"iso15":  charmap.ISO8859_15,
	"cp437":  charmap.CodePage437,
	"cp850":  charmap.CodePage850,
	"cp1252": charmap.Windows1252,
	"ascii8": charmap.ISO8859_1,
	"utf8":   nil,
}

// LookupCharset resolves a Sybase charset name.
func LookupCharset(name string) (Charset, error) {
	enc, ok := charsets[name]
	if !ok {
		return Charset{}, fmt.Errorf("tds: unsupported charset %q", name)
	}
	return Charset{name: name, enc: enc}, nil
}

// DefaultCharset is iso_1, the usual server default.
func DefaultCharset() Charset {
	return Charset{name: "iso_1", enc: charmap.ISO8859_1}
}

// Name returns the Sybase name of the charset.
func (c Charset) Name() string {
	if c.name == "" {
		return "utf8"
	}
	return c.name
}

// Decode converts wire bytes to a Go string.
func (c Charset) Decode(b []byte) (string, error) {
	if c.enc == nil {
		return string(b), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("tds: decoding %s: %w", c.Name(), err)
	}
	return string(out), nil
}

// Encode converts a Go string to wire bytes.
func (c Charset) Encode(s string) ([]byte, error) {
	if c.enc == nil {
		return []byte(s), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("tds: encoding %s: %w", c.Name(), err)
	}
	return out, nil
}
