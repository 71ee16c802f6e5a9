package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// sliceReader is a cursor over a token body. All multi-byte reads are
// little-endian, matching the byte order of TDS 5.0 token payloads.
type sliceReader struct {
	buf []byte
	pos int
}

func newSliceReader(b []byte) *sliceReader {
	return &sliceReader{buf: b}
}

func (r *sliceReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("tds: token truncated, want %d bytes, have %d", n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *sliceReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *sliceReader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *sliceReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *sliceReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

// byteString reads a string with a one-byte length prefix.
func (r *sliceReader) byteString(cs Charset) (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return cs.Decode(b)
}

// uint16String reads a string with a two-byte length prefix.
func (r *sliceReader) uint16String(cs Charset) (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return cs.Decode(b)
}

// Token is one decoded element of a reply token stream.
type Token interface {
	tokenType() TokenType
}

// LoginAck reports the outcome of a login request.
type LoginAck struct {
	Status         uint8
	TdsVersion     [4]byte
	ProgramName    string
	ProgramVersion [4]byte
}

func (*LoginAck) tokenType() TokenType { return TokenLoginAck }

// CapabilityToken carries the server's adjusted capability bitmaps.
type CapabilityToken struct {
	Caps *Capabilities
}

func (*CapabilityToken) tokenType() TokenType { return TokenCapability }

// EnvUpdate is one variable change inside an ENVCHANGE token.
type EnvUpdate struct {
	Type     uint8
	NewValue string
	OldValue string
}

// EnvChange carries one or more session environment updates.
type EnvChange struct {
	Changes []EnvUpdate
}

func (*EnvChange) tokenType() TokenType { return TokenEnvChange }

// Done marks the end of one result in a reply.
type Done struct {
	Type      TokenType // TokenDone, TokenDoneProc or TokenDoneInProc
	Flags     uint16
	TranState uint16
	Count     int32
}

func (d *Done) tokenType() TokenType { return d.Type }

// More reports whether further results follow in the same reply.
func (d *Done) More() bool { return d.Flags&DoneMore != 0 }

// RowFormat describes the columns of the row stream that follows it.
type RowFormat struct {
	Wide    bool // true for ROWFMT2
	Columns []ColumnFormat
}

func (*RowFormat) tokenType() TokenType { return TokenRowFormat }

// Row is one decoded data row.
type Row struct {
	Values []any
}

func (*Row) tokenType() TokenType { return TokenRow }

// OrderBy lists the 1-based select-list positions the rows are sorted by.
type OrderBy struct {
	Columns []int
}

func (*OrderBy) tokenType() TokenType { return TokenOrderBy }

// ReturnStatus carries a procedure's integer return value.
type ReturnStatus struct {
	Value int32
}

func (*ReturnStatus) tokenType() TokenType { return TokenReturnStatus }

// ParamsFormat describes output parameter values that follow in a PARAMS
// token. Raw keeps the undecoded body so a prepared statement's input
// format can be replayed verbatim on execute.
type ParamsFormat struct {
	Wide    bool // true for PARAMFMT2
	Columns []ColumnFormat
	Raw     []byte
}

func (*ParamsFormat) tokenType() TokenType { return TokenParamFormat }

// Params carries parameter values, decoded per the preceding format.
type Params struct {
	Values []any
}

func (*Params) tokenType() TokenType { return TokenParams }

// Message is a server EED message. Severity above 10 marks an error.
type Message struct {
	Number    int32
	State     uint8
	Severity  uint8
	SQLState  string
	HasEED    uint8
	TranState uint16
	Text      string
	Server    string
	Procedure string
	Line      int16
}

func (*Message) tokenType() TokenType { return TokenMessage }

// IsError reports whether the message signals a failed request rather
// than informational chatter.
func (m *Message) IsError() bool { return m.Severity > 10 }

// DynamicAck acknowledges a dynamic statement operation.
type DynamicAck struct {
	Op     uint8
	Status uint8
	ID     string
}

func (*DynamicAck) tokenType() TokenType { return TokenDynamic }

// Opaque wraps a token the reader can skip but not interpret.
type Opaque struct {
	Type TokenType
	Body []byte
}

func (o *Opaque) tokenType() TokenType { return o.Type }

// TokenReader decodes a reply token stream from a reassembled message
// body. Row and params tokens carry no self-description, so the reader
// remembers the last seen formats.
type TokenReader struct {
	r            *sliceReader
	cs           Charset
	lastRowFmt   *RowFormat
	lastParamFmt *ParamsFormat
}

// NewTokenReader returns a reader over one complete reply body.
func NewTokenReader(body []byte, cs Charset) *TokenReader {
	return &TokenReader{r: newSliceReader(body), cs: cs}
}

// Next decodes the next token. It returns io.EOF once the body is
// exhausted.
func (tr *TokenReader) Next() (Token, error) {
	if tr.r.remaining() == 0 {
		return nil, io.EOF
	}
	t, err := tr.r.byte()
	if err != nil {
		return nil, err
	}
	typ := TokenType(t)

	switch typ {
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return tr.readDone(typ)

	case TokenReturnStatus:
		v, err := tr.r.int32()
		if err != nil {
			return nil, err
		}
		return &ReturnStatus{Value: v}, nil

	case TokenRow:
		return tr.readRow()

	case TokenParams:
		return tr.readParams()

	case TokenLoginAck:
		return tr.readSized(typ, tr.readLoginAck)

	case TokenCapability:
		return tr.readSized(typ, func(body []byte) (Token, error) {
			caps, err := parseCapability(body)
			if err != nil {
				return nil, err
			}
			return &CapabilityToken{Caps: caps}, nil
		})

	case TokenEnvChange:
		return tr.readSized(typ, tr.readEnvChange)

	case TokenMessage:
		return tr.readSized(typ, tr.readMessage)

	case TokenRowFormat:
		return tr.readSized(typ, func(body []byte) (Token, error) {
			return tr.readRowFormat(body, false)
		})

	case TokenParamFormat:
		return tr.readSized(typ, func(body []byte) (Token, error) {
			return tr.readParamFormat(body, false)
		})

	case TokenDynamic:
		return tr.readSized(typ, tr.readDynamicAck)

	case TokenOrderBy:
		return tr.readSized(typ, tr.readOrderBy)

	case TokenRowFormat2:
		return tr.readSized32(typ, func(body []byte) (Token, error) {
			return tr.readRowFormat(body, true)
		})

	case TokenParamFormat2:
		return tr.readSized32(typ, func(body []byte) (Token, error) {
			return tr.readParamFormat(body, true)
		})

	case TokenOrderBy2:
		return tr.readSized32(typ, tr.readOrderBy2)

	case TokenDynamic2:
		return tr.readSized32(typ, tr.readDynamicAck)

	case TokenInfo, TokenControl, TokenOptionCmd, TokenTableName, TokenColumnInfo:
		// Recognized but uninterpreted. All carry a 16-bit length.
		return tr.readSized(typ, func(body []byte) (Token, error) {
			out := make([]byte, len(body))
			copy(out, body)
			return &Opaque{Type: typ, Body: out}, nil
		})

	default:
		return nil, fmt.Errorf("tds: unknown token %s in reply", typ)
	}
}

// readSized dispatches a token whose body carries a 16-bit length prefix.
func (tr *TokenReader) readSized(typ TokenType, parse func([]byte) (Token, error)) (Token, error) {
	n, err := tr.r.uint16()
	if err != nil {
		return nil, fmt.Errorf("tds: reading %s length: %w", typ, err)
	}
	body, err := tr.r.take(int(n))
	if err != nil {
		return nil, fmt.Errorf("tds: reading %s body: %w", typ, err)
	}
	tok, err := parse(body)
	if err != nil {
		return nil, fmt.Errorf("tds: parsing %s: %w", typ, err)
	}
	return tok, nil
}

// readSized32 handles the wide tokens with a 32-bit length prefix.
func (tr *TokenReader) readSized32(typ TokenType, parse func([]byte) (Token, error)) (Token, error) {
	n, err := tr.r.uint32()
	if err != nil {
		return nil, fmt.Errorf("tds: reading %s length: %w", typ, err)
	}
	body, err := tr.r.take(int(n))
	if err != nil {
		return nil, fmt.Errorf("tds: reading %s body: %w", typ, err)
	}
	tok, err := parse(body)
	if err != nil {
		return nil, fmt.Errorf("tds: parsing %s: %w", typ, err)
	}
	return tok, nil
}

func (tr *TokenReader) readDone(typ TokenType) (Token, error) {
	flags, err := tr.r.uint16()
	if err != nil {
		return nil, err
	}
	tran, err := tr.r.uint16()
	if err != nil {
		return nil, err
	}
	count, err := tr.r.int32()
	if err != nil {
		return nil, err
	}
	return &Done{Type: typ, Flags: flags, TranState: tran, Count: count}, nil
}

func (tr *TokenReader) readLoginAck(body []byte) (Token, error) {
	r := newSliceReader(body)
	ack := &LoginAck{}
	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	ack.Status = status
	ver, err := r.take(4)
	if err != nil {
		return nil, err
	}
	copy(ack.TdsVersion[:], ver)
	name, err := r.byteString(tr.cs)
	if err != nil {
		return nil, err
	}
	ack.ProgramName = name
	pver, err := r.take(4)
	if err != nil {
		return nil, err
	}
	copy(ack.ProgramVersion[:], pver)
	return ack, nil
}

func (tr *TokenReader) readEnvChange(body []byte) (Token, error) {
	r := newSliceReader(body)
	env := &EnvChange{}
	for r.remaining() > 0 {
		typ, err := r.byte()
		if err != nil {
			return nil, err
		}
		newV, err := r.byteString(tr.cs)
		if err != nil {
			return nil, err
		}
		oldV, err := r.byteString(tr.cs)
		if err != nil {
			return nil, err
		}
		env.Changes = append(env.Changes, EnvUpdate{Type: typ, NewValue: newV, OldValue: oldV})
	}
	return env, nil
}

func (tr *TokenReader) readMessage(body []byte) (Token, error) {
	r := newSliceReader(body)
	m := &Message{}
	var err error
	if m.Number, err = r.int32(); err != nil {
		return nil, err
	}
	if m.State, err = r.byte(); err != nil {
		return nil, err
	}
	if m.Severity, err = r.byte(); err != nil {
		return nil, err
	}
	n, err := r.byte()
	if err != nil {
		return nil, err
	}
	state, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	m.SQLState = string(state)
	if m.HasEED, err = r.byte(); err != nil {
		return nil, err
	}
	if m.TranState, err = r.uint16(); err != nil {
		return nil, err
	}
	if m.Text, err = r.uint16String(tr.cs); err != nil {
		return nil, err
	}
	if m.Server, err = r.byteString(tr.cs); err != nil {
		return nil, err
	}
	if m.Procedure, err = r.byteString(tr.cs); err != nil {
		return nil, err
	}
	line, err := r.uint16()
	if err != nil {
		return nil, err
	}
	m.Line = int16(line)
	return m, nil
}

func (tr *TokenReader) readDynamicAck(body []byte) (Token, error) {
	r := newSliceReader(body)
	op, err := r.byte()
	if err != nil {
		return nil, err
	}
	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	id, err := r.byteString(tr.cs)
	if err != nil {
		return nil, err
	}
	return &DynamicAck{Op: op, Status: status, ID: id}, nil
}

func (tr *TokenReader) readOrderBy(body []byte) (Token, error) {
	cols := make([]int, 0, len(body))
	for _, b := range body {
		cols = append(cols, int(b))
	}
	return &OrderBy{Columns: cols}, nil
}

func (tr *TokenReader) readOrderBy2(body []byte) (Token, error) {
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("tds: odd orderby2 body length %d", len(body))
	}
	cols := make([]int, 0, len(body)/2)
	for i := 0; i < len(body); i += 2 {
		cols = append(cols, int(binary.LittleEndian.Uint16(body[i:i+2])))
	}
	return &OrderBy{Columns: cols}, nil
}

// readColumnFormat decodes one column description. The wide layout adds
// label, catalog, schema and table names and widens status to 32 bits.
func (tr *TokenReader) readColumnFormat(r *sliceReader, wide bool) (ColumnFormat, error) {
	var col ColumnFormat
	var err error

	if wide {
		if col.Label, err = r.byteString(tr.cs); err != nil {
			return col, err
		}
		if col.Catalog, err = r.byteString(tr.cs); err != nil {
			return col, err
		}
		if col.Schema, err = r.byteString(tr.cs); err != nil {
			return col, err
		}
		if col.Table, err = r.byteString(tr.cs); err != nil {
			return col, err
		}
	}
	if col.Name, err = r.byteString(tr.cs); err != nil {
		return col, err
	}
	if wide {
		if col.Status, err = r.uint32(); err != nil {
			return col, err
		}
	} else {
		st, err := r.byte()
		if err != nil {
			return col, err
		}
		col.Status = uint32(st)
	}
	if col.UserType, err = r.int32(); err != nil {
		return col, err
	}
	dt, err := r.byte()
	if err != nil {
		return col, err
	}
	col.DataType = DataType(dt)

	switch {
	case col.DataType.IsFixed():
		col.Length = fixedSizes[col.DataType]
	case col.DataType.IsLong(), col.DataType.IsBlob():
		n, err := r.uint32()
		if err != nil {
			return col, err
		}
		col.Length = int(n)
		if col.DataType.IsBlob() {
			// blob formats carry the source object name
			objName, err := r.uint16String(tr.cs)
			if err != nil {
				return col, err
			}
			if col.Table == "" {
				col.Table = objName
			}
		}
	default:
		n, err := r.byte()
		if err != nil {
			return col, err
		}
		col.Length = int(n)
	}

	if col.DataType == TypeNumeric || col.DataType == TypeDecimal {
		if col.Precision, err = r.byte(); err != nil {
			return col, err
		}
		if col.Scale, err = r.byte(); err != nil {
			return col, err
		}
	}

	if col.Locale, err = r.byteString(tr.cs); err != nil {
		return col, err
	}
	return col, nil
}

func (tr *TokenReader) readRowFormat(body []byte, wide bool) (Token, error) {
	r := newSliceReader(body)
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	fmtTok := &RowFormat{Wide: wide, Columns: make([]ColumnFormat, 0, count)}
	for i := 0; i < int(count); i++ {
		col, err := tr.readColumnFormat(r, wide)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		fmtTok.Columns = append(fmtTok.Columns, col)
	}
	tr.lastRowFmt = fmtTok
	return fmtTok, nil
}

func (tr *TokenReader) readParamFormat(body []byte, wide bool) (Token, error) {
	r := newSliceReader(body)
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	fmtTok := &ParamsFormat{Wide: wide, Columns: make([]ColumnFormat, 0, count)}
	for i := 0; i < int(count); i++ {
		col, err := tr.readColumnFormat(r, wide)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		fmtTok.Columns = append(fmtTok.Columns, col)
	}
	fmtTok.Raw = make([]byte, len(body))
	copy(fmtTok.Raw, body)
	tr.lastParamFmt = fmtTok
	return fmtTok, nil
}

func (tr *TokenReader) readRow() (Token, error) {
	if tr.lastRowFmt == nil {
		return nil, fmt.Errorf("tds: row token without preceding row format")
	}
	row := &Row{Values: make([]any, 0, len(tr.lastRowFmt.Columns))}
	for i := range tr.lastRowFmt.Columns {
		v, err := decodeValue(tr.r, &tr.lastRowFmt.Columns[i], tr.cs)
		if err != nil {
			return nil, fmt.Errorf("tds: row column %d: %w", i, err)
		}
		row.Values = append(row.Values, v)
	}
	return row, nil
}

func (tr *TokenReader) readParams() (Token, error) {
	if tr.lastParamFmt == nil {
		return nil, fmt.Errorf("tds: params token without preceding param format")
	}
	p := &Params{Values: make([]any, 0, len(tr.lastParamFmt.Columns))}
	for i := range tr.lastParamFmt.Columns {
		v, err := decodeValue(tr.r, &tr.lastParamFmt.Columns[i], tr.cs)
		if err != nil {
			return nil, fmt.Errorf("tds: parameter %d: %w", i, err)
		}
		p.Values = append(p.Values, v)
	}
	return p, nil
}
