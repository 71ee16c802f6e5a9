package tds

import (
	"io"
	"reflect"
	"testing"
)

// readAll drains a token stream, failing the test on any decode error.
func readAll(t *testing.T, body []byte) []Token {
	t.Helper()
	tr := NewTokenReader(body, DefaultCharset())
	var toks []Token
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			return toks
		}
		if err != nil {
			t.Fatalf("token %d: %v", len(toks), err)
		}
		toks = append(toks, tok)
	}
}

func TestTokenReaderEmpty(t *testing.T) {
	tr := NewTokenReader(nil, DefaultCharset())
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestTokenReaderUnknownToken(t *testing.T) {
	tr := NewTokenReader([]byte{0x55}, DefaultCharset())
	if _, err := tr.Next(); err == nil {
		t.Error("unknown token accepted")
	}
}

func TestDoneRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  TokenType
		flag uint16
		tran uint16
		cnt  int32
	}{
		{"final", TokenDone, DoneFinal, TranNone, 0},
		{"count", TokenDone, DoneCount, TranSucceed, 42},
		{"more and count", TokenDone, DoneMore | DoneCount, TranProgress, 7},
		{"proc", TokenDoneProc, DoneProc, TranNone, 0},
		{"in proc", TokenDoneInProc, DoneCount, TranNone, 1},
		{"negative count", TokenDone, DoneCount, TranNone, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewTokenWriter(DefaultCharset())
			w.Done(tt.typ, tt.flag, tt.tran, tt.cnt)

			toks := readAll(t, w.Bytes())
			if len(toks) != 1 {
				t.Fatalf("tokens = %d, want 1", len(toks))
			}
			d, ok := toks[0].(*Done)
			if !ok {
				t.Fatalf("token = %T", toks[0])
			}
			want := Done{Type: tt.typ, Flags: tt.flag, TranState: tt.tran, Count: tt.cnt}
			if *d != want {
				t.Errorf("done = %+v, want %+v", *d, want)
			}
			if d.More() != (tt.flag&DoneMore != 0) {
				t.Errorf("More() = %v", d.More())
			}
		})
	}
}

func TestLoginAckRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	if err := w.LoginAck(LoginAckSucceed, [4]byte{5, 0, 0, 0}, "Adaptive Server Enterprise", [4]byte{16, 0, 2, 0}); err != nil {
		t.Fatalf("LoginAck: %v", err)
	}

	toks := readAll(t, w.Bytes())
	ack, ok := toks[0].(*LoginAck)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if ack.Status != LoginAckSucceed {
		t.Errorf("status = %d", ack.Status)
	}
	if ack.TdsVersion != [4]byte{5, 0, 0, 0} {
		t.Errorf("tds version = %v", ack.TdsVersion)
	}
	if ack.ProgramName != "Adaptive Server Enterprise" {
		t.Errorf("program = %q", ack.ProgramName)
	}
	if ack.ProgramVersion != [4]byte{16, 0, 2, 0} {
		t.Errorf("program version = %v", ack.ProgramVersion)
	}
}

func TestEnvChangeRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	err := w.EnvChange(
		EnvUpdate{Type: EnvDatabase, NewValue: "pubs2", OldValue: "master"},
		EnvUpdate{Type: EnvPacketSize, NewValue: "2048", OldValue: "512"},
	)
	if err != nil {
		t.Fatalf("EnvChange: %v", err)
	}

	toks := readAll(t, w.Bytes())
	env, ok := toks[0].(*EnvChange)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	want := []EnvUpdate{
		{Type: EnvDatabase, NewValue: "pubs2", OldValue: "master"},
		{Type: EnvPacketSize, NewValue: "2048", OldValue: "512"},
	}
	if !reflect.DeepEqual(env.Changes, want) {
		t.Errorf("changes = %+v, want %+v", env.Changes, want)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	in := &Message{
		Number:    2601,
		State:     3,
		Severity:  14,
		SQLState:  "23000",
		TranState: TranAbort,
		Text:      "Attempt to insert duplicate key row",
		Server:    "SYBASE",
		Procedure: "sp_insert_thing",
		Line:      12,
	}

	w := NewTokenWriter(DefaultCharset())
	if err := w.Message(in); err != nil {
		t.Fatalf("Message: %v", err)
	}

	toks := readAll(t, w.Bytes())
	m, ok := toks[0].(*Message)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if !reflect.DeepEqual(m, in) {
		t.Errorf("message = %+v, want %+v", m, in)
	}
	if !m.IsError() {
		t.Error("severity 14 must classify as error")
	}

	info := &Message{Number: 5701, Severity: 10, Text: "Changed database context"}
	if info.IsError() {
		t.Error("severity 10 must not classify as error")
	}
}

func TestDynamicAckRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	if err := w.DynamicAck(DynamicPrepare, 0, "stmt1"); err != nil {
		t.Fatalf("DynamicAck: %v", err)
	}

	toks := readAll(t, w.Bytes())
	ack, ok := toks[0].(*DynamicAck)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if ack.Op != DynamicPrepare|DynamicAckFlag {
		t.Errorf("op = %#x", ack.Op)
	}
	if ack.ID != "stmt1" {
		t.Errorf("id = %q", ack.ID)
	}
}

func TestOrderByRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	w.OrderBy(2, 1, 3)

	toks := readAll(t, w.Bytes())
	ob, ok := toks[0].(*OrderBy)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if !reflect.DeepEqual(ob.Columns, []int{2, 1, 3}) {
		t.Errorf("columns = %v", ob.Columns)
	}
}

func TestReturnStatusRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	w.ReturnStatus(-5)

	toks := readAll(t, w.Bytes())
	rs, ok := toks[0].(*ReturnStatus)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if rs.Value != -5 {
		t.Errorf("value = %d", rs.Value)
	}
}

func TestCapabilityTokenRoundTrip(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	w.Capability(DefaultCapabilities())

	toks := readAll(t, w.Bytes())
	ct, ok := toks[0].(*CapabilityToken)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if !ct.Caps.HasRequest(CapReqLang) {
		t.Error("request bitmap lost in transit")
	}
}

func TestRowFormatAndRowsRoundTrip(t *testing.T) {
	cols := []ColumnFormat{
		{Name: "id", DataType: TypeInt4},
		{Name: "name", DataType: TypeVarChar, Length: 30},
		{Name: "price", DataType: TypeNumeric, Length: 17, Precision: 10, Scale: 2},
	}

	w := NewTokenWriter(DefaultCharset())
	if err := w.RowFormat(false, cols); err != nil {
		t.Fatalf("RowFormat: %v", err)
	}
	if err := w.Row(cols, []any{int64(1), "widget", "12.50"}); err != nil {
		t.Fatalf("Row: %v", err)
	}
	if err := w.Row(cols, []any{int64(2), "gadget", "0.99"}); err != nil {
		t.Fatalf("Row: %v", err)
	}
	w.Done(TokenDone, DoneCount, TranNone, 2)

	toks := readAll(t, w.Bytes())
	if len(toks) != 4 {
		t.Fatalf("tokens = %d, want 4", len(toks))
	}

	fmtTok, ok := toks[0].(*RowFormat)
	if !ok {
		t.Fatalf("token 0 = %T", toks[0])
	}
	if fmtTok.Wide {
		t.Error("narrow format read back as wide")
	}
	if len(fmtTok.Columns) != 3 {
		t.Fatalf("columns = %d", len(fmtTok.Columns))
	}
	if fmtTok.Columns[0].Name != "id" || fmtTok.Columns[0].DataType != TypeInt4 {
		t.Errorf("column 0 = %+v", fmtTok.Columns[0])
	}
	if fmtTok.Columns[0].Length != 4 {
		t.Errorf("int4 length = %d, want 4", fmtTok.Columns[0].Length)
	}
	if fmtTok.Columns[2].Precision != 10 || fmtTok.Columns[2].Scale != 2 {
		t.Errorf("numeric precision/scale = %d/%d", fmtTok.Columns[2].Precision, fmtTok.Columns[2].Scale)
	}

	row1, ok := toks[1].(*Row)
	if !ok {
		t.Fatalf("token 1 = %T", toks[1])
	}
	if row1.Values[0] != int64(1) {
		t.Errorf("row 1 id = %v", row1.Values[0])
	}
	if row1.Values[1] != "widget" {
		t.Errorf("row 1 name = %v", row1.Values[1])
	}
	if got := row1.Values[2]; !decimalEqual(got, "12.5") {
		t.Errorf("row 1 price = %v", got)
	}

	row2 := toks[2].(*Row)
	if row2.Values[1] != "gadget" {
		t.Errorf("row 2 name = %v", row2.Values[1])
	}
}

func TestWideRowFormatRoundTrip(t *testing.T) {
	cols := []ColumnFormat{
		{
			Label:    "total",
			Catalog:  "pubs2",
			Schema:   "dbo",
			Table:    "sales",
			Name:     "qty",
			Status:   0x00010000,
			DataType: TypeInt4,
		},
	}

	w := NewTokenWriter(DefaultCharset())
	if err := w.RowFormat(true, cols); err != nil {
		t.Fatalf("RowFormat: %v", err)
	}

	toks := readAll(t, w.Bytes())
	fmtTok, ok := toks[0].(*RowFormat)
	if !ok {
		t.Fatalf("token = %T", toks[0])
	}
	if !fmtTok.Wide {
		t.Error("wide format read back as narrow")
	}
	col := fmtTok.Columns[0]
	if col.Label != "total" || col.Catalog != "pubs2" || col.Schema != "dbo" || col.Table != "sales" {
		t.Errorf("qualifiers = %+v", col)
	}
	if col.Status != 0x00010000 {
		t.Errorf("status = %#x", col.Status)
	}
	if col.FieldName() != "total" {
		t.Errorf("FieldName() = %q, want label", col.FieldName())
	}
}

func TestParamFormatAndParamsRoundTrip(t *testing.T) {
	cols := []ColumnFormat{
		{Name: "@out", DataType: TypeIntN, Length: 4},
		{Name: "@msg", DataType: TypeVarChar, Length: 40},
	}

	w := NewTokenWriter(DefaultCharset())
	if err := w.ParamFormat(false, cols); err != nil {
		t.Fatalf("ParamFormat: %v", err)
	}

	tr := NewTokenReader(w.Bytes(), DefaultCharset())
	tok, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	pf, ok := tok.(*ParamsFormat)
	if !ok {
		t.Fatalf("token = %T", tok)
	}
	if len(pf.Columns) != 2 {
		t.Fatalf("columns = %d", len(pf.Columns))
	}
	if len(pf.Raw) == 0 {
		t.Error("raw body not captured")
	}

	// Replaying the captured body must parse identically.
	w2 := NewTokenWriter(DefaultCharset())
	w2.ParamFormatRaw(pf)
	if err := w2.Params(pf, []any{int64(99), "done"}); err != nil {
		t.Fatalf("Params: %v", err)
	}

	toks := readAll(t, w2.Bytes())
	if len(toks) != 2 {
		t.Fatalf("tokens = %d, want 2", len(toks))
	}
	params, ok := toks[1].(*Params)
	if !ok {
		t.Fatalf("token 1 = %T", toks[1])
	}
	if params.Values[0] != int64(99) {
		t.Errorf("param 0 = %v", params.Values[0])
	}
	if params.Values[1] != "done" {
		t.Errorf("param 1 = %v", params.Values[1])
	}
}

func TestRowWithoutFormat(t *testing.T) {
	tr := NewTokenReader([]byte{byte(TokenRow), 1, 2, 3, 4}, DefaultCharset())
	if _, err := tr.Next(); err == nil {
		t.Error("row without preceding format accepted")
	}
}

func TestParamsWithoutFormat(t *testing.T) {
	tr := NewTokenReader([]byte{byte(TokenParams), 0}, DefaultCharset())
	if _, err := tr.Next(); err == nil {
		t.Error("params without preceding format accepted")
	}
}

func TestOpaqueTokens(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	w.buf = append(w.buf, byte(TokenControl), 2, 0, 0xAA, 0xBB)
	w.Done(TokenDone, DoneFinal, TranNone, 0)

	toks := readAll(t, w.Bytes())
	if len(toks) != 2 {
		t.Fatalf("tokens = %d, want 2", len(toks))
	}
	op, ok := toks[0].(*Opaque)
	if !ok {
		t.Fatalf("token 0 = %T", toks[0])
	}
	if op.Type != TokenControl {
		t.Errorf("type = %v", op.Type)
	}
	if len(op.Body) != 2 || op.Body[0] != 0xAA {
		t.Errorf("body = %v", op.Body)
	}
}

func TestTruncatedToken(t *testing.T) {
	w := NewTokenWriter(DefaultCharset())
	if err := w.LoginAck(LoginAckSucceed, [4]byte{5, 0, 0, 0}, "srv", [4]byte{}); err != nil {
		t.Fatal(err)
	}
	body := w.Bytes()

	tr := NewTokenReader(body[:len(body)-2], DefaultCharset())
	if _, err := tr.Next(); err == nil {
		t.Error("truncated token accepted")
	}
}
