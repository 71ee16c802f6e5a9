package tds

import (
	"encoding/binary"
	"fmt"
)

// TokenWriter builds a token-stream message body. The same writer covers
// both directions: clients use the request tokens, the test harness
// scripts server replies with the rest.
type TokenWriter struct {
	buf []byte
	cs  Charset
}

// NewTokenWriter returns a writer encoding strings in the given charset.
func NewTokenWriter(cs Charset) *TokenWriter {
	return &TokenWriter{cs: cs}
}

// Bytes returns the accumulated body.
func (w *TokenWriter) Bytes() []byte {
	return w.buf
}

// Reset discards the accumulated body, keeping the charset.
func (w *TokenWriter) Reset() {
	w.buf = w.buf[:0]
}

func (w *TokenWriter) appendU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *TokenWriter) appendU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *TokenWriter) appendByteString(s string) error {
	raw, err := w.cs.Encode(s)
	if err != nil {
		return err
	}
	if len(raw) > 255 {
		return fmt.Errorf("tds: string of %d bytes exceeds one-byte length", len(raw))
	}
	w.buf = append(w.buf, byte(len(raw)))
	w.buf = append(w.buf, raw...)
	return nil
}

func (w *TokenWriter) appendU16String(s string) error {
	raw, err := w.cs.Encode(s)
	if err != nil {
		return err
	}
	if len(raw) > 0xFFFF {
		return fmt.Errorf("tds: string of %d bytes exceeds two-byte length", len(raw))
	}
	w.appendU16(uint16(len(raw)))
	w.buf = append(w.buf, raw...)
	return nil
}

// Language appends a LANGUAGE token carrying one batch of SQL text.
func (w *TokenWriter) Language(sql string, hasArgs bool) error {
	raw, err := w.cs.Encode(sql)
	if err != nil {
		return err
	}
	status := byte(0)
	if hasArgs {
		status = 1
	}
	w.buf = append(w.buf, byte(TokenLanguage))
	w.appendU32(uint32(1 + len(raw)))
	w.buf = append(w.buf, status)
	w.buf = append(w.buf, raw...)
	return nil
}

// Logout appends a LOGOUT token. The single option byte is zero for an
// orderly close.
func (w *TokenWriter) Logout() {
	w.buf = append(w.buf, byte(TokenLogout), 0)
}

// Dynamic appends a DYNAMIC token for the given operation. The statement
// text is only carried by prepare and execute-immediate; pass "" for the
// rest. Statements too long for the 16-bit layout go out as DYNAMIC2.
func (w *TokenWriter) Dynamic(op, status uint8, id, stmt string) error {
	idRaw, err := w.cs.Encode(id)
	if err != nil {
		return err
	}
	if len(idRaw) > 255 {
		return fmt.Errorf("tds: statement id of %d bytes exceeds 255", len(idRaw))
	}
	stmtRaw, err := w.cs.Encode(stmt)
	if err != nil {
		return err
	}

	wide := 2+1+len(idRaw)+2+len(stmtRaw) > 0xFFFF
	if wide {
		w.buf = append(w.buf, byte(TokenDynamic2))
		w.appendU32(uint32(1 + 1 + 1 + len(idRaw) + 4 + len(stmtRaw)))
	} else {
		w.buf = append(w.buf, byte(TokenDynamic))
		w.appendU16(uint16(1 + 1 + 1 + len(idRaw) + 2 + len(stmtRaw)))
	}
	w.buf = append(w.buf, op, status, byte(len(idRaw)))
	w.buf = append(w.buf, idRaw...)
	if wide {
		w.appendU32(uint32(len(stmtRaw)))
	} else {
		w.appendU16(uint16(len(stmtRaw)))
	}
	w.buf = append(w.buf, stmtRaw...)
	return nil
}

// ParamFormatRaw replays a parameter format body captured at prepare
// time, so execute describes values exactly as the server described them.
func (w *TokenWriter) ParamFormatRaw(f *ParamsFormat) {
	if f.Wide {
		w.buf = append(w.buf, byte(TokenParamFormat2))
		w.appendU32(uint32(len(f.Raw)))
	} else {
		w.buf = append(w.buf, byte(TokenParamFormat))
		w.appendU16(uint16(len(f.Raw)))
	}
	w.buf = append(w.buf, f.Raw...)
}

// Params appends a PARAMS token with one value per column of the format.
func (w *TokenWriter) Params(f *ParamsFormat, values []any) error {
	if len(values) != len(f.Columns) {
		return fmt.Errorf("tds: statement takes %d parameters, got %d", len(f.Columns), len(values))
	}
	w.buf = append(w.buf, byte(TokenParams))
	for i := range f.Columns {
		var err error
		w.buf, err = encodeValue(w.buf, &f.Columns[i], values[i], w.cs)
		if err != nil {
			return fmt.Errorf("tds: parameter %d: %w", i, err)
		}
	}
	return nil
}

// Capability appends the client capability token.
func (w *TokenWriter) Capability(c *Capabilities) {
	w.buf = c.encode(w.buf)
}

// The encoders below produce server-side tokens. Production code never
// sends these; the scripted server in the tests does.

// Done appends a done token of the given variant.
func (w *TokenWriter) Done(typ TokenType, flags, tranState uint16, count int32) {
	w.buf = append(w.buf, byte(typ))
	w.appendU16(flags)
	w.appendU16(tranState)
	w.appendU32(uint32(count))
}

// ReturnStatus appends a procedure return status token.
func (w *TokenWriter) ReturnStatus(v int32) {
	w.buf = append(w.buf, byte(TokenReturnStatus))
	w.appendU32(uint32(v))
}

// LoginAck appends a login acknowledgement token.
func (w *TokenWriter) LoginAck(status uint8, tdsVersion [4]byte, program string, programVersion [4]byte) error {
	raw, err := w.cs.Encode(program)
	if err != nil {
		return err
	}
	w.buf = append(w.buf, byte(TokenLoginAck))
	w.appendU16(uint16(1 + 4 + 1 + len(raw) + 4))
	w.buf = append(w.buf, status)
	w.buf = append(w.buf, tdsVersion[:]...)
	w.buf = append(w.buf, byte(len(raw)))
	w.buf = append(w.buf, raw...)
	w.buf = append(w.buf, programVersion[:]...)
	return nil
}

// EnvChange appends an environment change token.
func (w *TokenWriter) EnvChange(updates ...EnvUpdate) error {
	body := NewTokenWriter(w.cs)
	for _, u := range updates {
		body.buf = append(body.buf, u.Type)
		if err := body.appendByteString(u.NewValue); err != nil {
			return err
		}
		if err := body.appendByteString(u.OldValue); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, byte(TokenEnvChange))
	w.appendU16(uint16(len(body.buf)))
	w.buf = append(w.buf, body.buf...)
	return nil
}

// Message appends an EED message token.
func (w *TokenWriter) Message(m *Message) error {
	body := NewTokenWriter(w.cs)
	body.appendU32(uint32(m.Number))
	body.buf = append(body.buf, m.State, m.Severity)
	body.buf = append(body.buf, byte(len(m.SQLState)))
	body.buf = append(body.buf, m.SQLState...)
	body.buf = append(body.buf, m.HasEED)
	body.appendU16(m.TranState)
	if err := body.appendU16String(m.Text); err != nil {
		return err
	}
	if err := body.appendByteString(m.Server); err != nil {
		return err
	}
	if err := body.appendByteString(m.Procedure); err != nil {
		return err
	}
	body.appendU16(uint16(m.Line))
	w.buf = append(w.buf, byte(TokenMessage))
	w.appendU16(uint16(len(body.buf)))
	w.buf = append(w.buf, body.buf...)
	return nil
}

// DynamicAck appends a server acknowledgement for a dynamic operation.
func (w *TokenWriter) DynamicAck(op, status uint8, id string) error {
	idRaw, err := w.cs.Encode(id)
	if err != nil {
		return err
	}
	w.buf = append(w.buf, byte(TokenDynamic))
	w.appendU16(uint16(1 + 1 + 1 + len(idRaw)))
	w.buf = append(w.buf, op|DynamicAckFlag, status, byte(len(idRaw)))
	w.buf = append(w.buf, idRaw...)
	return nil
}

// OrderBy appends an order-by token listing 1-based column positions.
func (w *TokenWriter) OrderBy(columns ...int) {
	w.buf = append(w.buf, byte(TokenOrderBy))
	w.appendU16(uint16(len(columns)))
	for _, c := range columns {
		w.buf = append(w.buf, byte(c))
	}
}

func (w *TokenWriter) encodeColumnFormat(body *TokenWriter, col *ColumnFormat, wide bool) error {
	if wide {
		for _, s := range []string{col.Label, col.Catalog, col.Schema, col.Table} {
			if err := body.appendByteString(s); err != nil {
				return err
			}
		}
	}
	if err := body.appendByteString(col.Name); err != nil {
		return err
	}
	if wide {
		body.appendU32(col.Status)
	} else {
		body.buf = append(body.buf, byte(col.Status))
	}
	body.appendU32(uint32(col.UserType))
	body.buf = append(body.buf, byte(col.DataType))

	switch {
	case col.DataType.IsFixed():
		// no length field
	case col.DataType.IsLong(), col.DataType.IsBlob():
		body.appendU32(uint32(col.Length))
		if col.DataType.IsBlob() {
			if err := body.appendU16String(col.Table); err != nil {
				return err
			}
		}
	default:
		body.buf = append(body.buf, byte(col.Length))
	}

	if col.DataType == TypeNumeric || col.DataType == TypeDecimal {
		body.buf = append(body.buf, col.Precision, col.Scale)
	}
	return body.appendByteString(col.Locale)
}

// RowFormat appends a row format token describing the given columns.
func (w *TokenWriter) RowFormat(wide bool, columns []ColumnFormat) error {
	body := NewTokenWriter(w.cs)
	body.appendU16(uint16(len(columns)))
	for i := range columns {
		if err := w.encodeColumnFormat(body, &columns[i], wide); err != nil {
			return err
		}
	}
	if wide {
		w.buf = append(w.buf, byte(TokenRowFormat2))
		w.appendU32(uint32(len(body.buf)))
	} else {
		w.buf = append(w.buf, byte(TokenRowFormat))
		w.appendU16(uint16(len(body.buf)))
	}
	w.buf = append(w.buf, body.buf...)
	return nil
}

// ParamFormat appends a parameter format token describing the columns.
func (w *TokenWriter) ParamFormat(wide bool, columns []ColumnFormat) error {
	body := NewTokenWriter(w.cs)
	body.appendU16(uint16(len(columns)))
	for i := range columns {
		if err := w.encodeColumnFormat(body, &columns[i], wide); err != nil {
			return err
		}
	}
	if wide {
		w.buf = append(w.buf, byte(TokenParamFormat2))
		w.appendU32(uint32(len(body.buf)))
	} else {
		w.buf = append(w.buf, byte(TokenParamFormat))
		w.appendU16(uint16(len(body.buf)))
	}
	w.buf = append(w.buf, body.buf...)
	return nil
}

// Row appends a data row encoded per the column formats.
func (w *TokenWriter) Row(columns []ColumnFormat, values []any) error {
	if len(values) != len(columns) {
		return fmt.Errorf("tds: row of %d values against %d columns", len(values), len(columns))
	}
	w.buf = append(w.buf, byte(TokenRow))
	for i := range columns {
		var err error
		w.buf, err = encodeValue(w.buf, &columns[i], values[i], w.cs)
		if err != nil {
			return fmt.Errorf("tds: row column %d: %w", i, err)
		}
	}
	return nil
}
