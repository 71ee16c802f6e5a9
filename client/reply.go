package client

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/ha1tch/sybtds/pkg/errors"
	"github.com/ha1tch/sybtds/tds"
)

// reply is the digested outcome of one request/response exchange.
type reply struct {
	results []Result

	// Side products some operations need beyond the result list.
	dynamicAck *tds.DynamicAck
	paramFmt   *tds.ParamsFormat
	loginAck   *tds.LoginAck
}

// roundTrip sends one message and parses the whole reply into results.
func (c *Conn) roundTrip(ptype tds.PacketType, body []byte, timeout time.Duration) ([]Result, error) {
	rep, err := c.exchange(ptype, body, timeout)
	if err != nil {
		return nil, err
	}
	return rep.results, nil
}

// exchange performs the full request/reply cycle: fragment, write,
// reassemble, consume.
func (c *Conn) exchange(ptype tds.PacketType, body []byte, timeout time.Duration) (*reply, error) {
	if err := c.send(ptype, body); err != nil {
		return nil, err
	}
	payload, err := c.receiveReply(timeout)
	if err != nil {
		return nil, err
	}
	return c.consume(payload)
}

// send fragments a token-stream body into packets and writes them to the
// socket in one call. A write failure closes the connection.
func (c *Conn) send(ptype tds.PacketType, body []byte) error {
	if c.sock == nil {
		return errors.New(errors.ErrCodeNotConnected, "no socket")
	}
	msg, err := tds.EncodePackets(ptype, body, c.packetSize)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocol, "framing request")
	}

	c.logger.Protocol().Debug("send",
		"type", ptype.String(),
		"bytes", len(msg),
	)

	if _, err := c.sock.Write(msg); err != nil {
		c.closeSocket()
		return errors.Wrap(err, errors.ErrCodeSocketWrite, "writing request")
	}
	return nil
}

// receiveReply reads packets until one carries the end-of-message flag
// and returns the concatenated bodies. The timeout applies to each
// receive call, not cumulatively.
func (c *Conn) receiveReply(timeout time.Duration) ([]byte, error) {
	var payload []byte
	var chunk [4096]byte

	for {
		hdr, pktBody, rest, err := tds.DecodePacket(c.rbuf)
		switch err {
		case nil:
			// pktBody aliases c.rbuf, so copy it out before the
			// remainder is moved to the front of the buffer.
			payload = append(payload, pktBody...)
			c.rbuf = append(c.rbuf[:0], rest...)

			c.logger.Protocol().Debug("recv",
				"type", hdr.Type.String(),
				"bytes", int(hdr.Length),
				"last", hdr.IsLastPacket(),
			)

			if hdr.IsLastPacket() {
				return payload, nil
			}
			continue

		case tds.ErrIncompletePacket:
			// fall through to the socket read below

		default:
			return nil, errors.Wrap(err, errors.ErrCodeProtocol, "decoding packet")
		}

		if c.sock == nil {
			return nil, errors.New(errors.ErrCodeNotConnected, "no socket")
		}
		if timeout > 0 {
			if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				c.closeSocket()
				return nil, errors.Wrap(err, errors.ErrCodeSocketRead, "arming read deadline")
			}
		}
		n, err := c.sock.Read(chunk[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, chunk[:n]...)
		}
		if err != nil {
			c.closeSocket()
			code := errors.ErrCodeSocketRead
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				code = errors.ErrCodeSocketTimeout
			} else if err == io.EOF {
				code = errors.ErrCodeSocketClosed
			}
			return nil, errors.Wrap(err, code, "reading reply")
		}
	}
}

// consume walks the reply token stream, applying side-effect tokens to
// the connection and partitioning data tokens into results at each done
// boundary.
func (c *Conn) consume(payload []byte) (*reply, error) {
	tr := tds.NewTokenReader(payload, c.charset)
	rep := &reply{}
	var buffer []tds.Token

	for {
		tok, err := tr.Next()
		if err == io.EOF {
			return rep, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeTokenDecode, "decoding reply token")
		}

		switch t := tok.(type) {
		case *tds.LoginAck:
			rep.loginAck = t
			c.applyLoginAck(t)

		case *tds.CapabilityToken:
			c.resCaps = t.Caps

		case *tds.EnvChange:
			if err := c.applyEnvChange(t); err != nil {
				return nil, err
			}

		case *tds.Done:
			keep, err := c.assemble(t, buffer, rep)
			if err != nil {
				return nil, err
			}
			if !keep {
				buffer = buffer[:0]
			}

		default:
			buffer = append(buffer, tok)
		}
	}
}

// applyLoginAck updates the connection from a login acknowledgement.
func (c *Conn) applyLoginAck(ack *tds.LoginAck) {
	c.tdsVersion = ack.TdsVersion
	c.serverName = ack.ProgramName
	c.serverVersion = ack.ProgramVersion

	switch ack.Status {
	case tds.LoginAckSucceed:
		c.state = StateConnected
	case tds.LoginAckNegotiate:
		c.state = StateAuthNegotiate
	default:
		c.state = StateDisconnected
	}

	c.logger.Protocol().Debug("login ack",
		"status", ack.Status,
		"server", ack.ProgramName,
	)
}

// applyEnvChange applies server-pushed session updates. A packet size
// update retunes the socket receive buffer; an unparseable one is a
// protocol error rather than silently ignored.
func (c *Conn) applyEnvChange(env *tds.EnvChange) error {
	for _, u := range env.Changes {
		switch u.Type {
		case tds.EnvPacketSize:
			n, err := strconv.Atoi(u.NewValue)
			if err != nil {
				return errors.Wrapf(err, errors.ErrCodeEnvInvalid, "packet size %q", u.NewValue)
			}
			c.packetSize = n
			c.env.Set(EnvPacketSize, u.NewValue)
			if tc, ok := c.sock.(*net.TCPConn); ok {
				tc.SetReadBuffer(n)
			}
			c.logger.Protocol().Debug("packet size renegotiated",
				"size", n,
			)

		case tds.EnvDatabase:
			c.env.Set(EnvDatabase, u.NewValue)

		case tds.EnvLanguage:
			c.env.Set(EnvLanguage, u.NewValue)

		case tds.EnvCharset:
			c.env.Set(EnvCharset, u.NewValue)
			if cs, err := tds.LookupCharset(u.NewValue); err == nil {
				c.charset = cs
			} else {
				c.logger.Protocol().Warn("server pushed unknown charset, keeping current",
					"charset", u.NewValue,
				)
			}

		default:
			c.logger.Protocol().Debug("ignoring envchange",
				"type", u.Type,
				"new", u.NewValue,
			)
		}
	}
	return nil
}

// assemble turns the buffered token run into a result, driven by a done
// token's flags. Returns true when the buffer must be retained for the
// next done.
func (c *Conn) assemble(done *tds.Done, buffer []tds.Token, rep *reply) (bool, error) {
	// Side products first, so prepare sees its ack even when the server
	// folds it into a segment with other flags.
	for _, tok := range buffer {
		switch t := tok.(type) {
		case *tds.DynamicAck:
			rep.dynamicAck = t
		case *tds.ParamsFormat:
			rep.paramFmt = t
		}
	}

	if done.Flags&tds.DoneMore != 0 {
		return true, nil
	}

	produced := false

	if done.Flags&tds.DoneCount != 0 {
		rep.results = append(rep.results, buildCountResult(buffer, done.Count))
		produced = true
	}

	if done.Flags&tds.DoneProc != 0 {
		// Intermediate row counts from inside the procedure are not
		// reported; only the procedure result survives.
		kept := rep.results[:0]
		for _, r := range rep.results {
			if _, ok := r.(AffectedRows); !ok {
				kept = append(kept, r)
			}
		}
		rep.results = append(kept, buildProcResult(buffer))
		produced = true
	}

	if done.Flags&tds.DoneError != 0 {
		for _, tok := range buffer {
			if m, ok := tok.(*tds.Message); ok {
				return false, remoteError(m)
			}
		}
		return false, errors.Newf(errors.ErrCodeProtocol, "server reported error without message, done flags %#x", done.Flags)
	}

	if !produced {
		rep.results = append(rep.results, AffectedRows{Count: int64(done.Count)})
	}
	return false, nil
}

// buildCountResult emits a result set when the segment carried a row
// format, an affected-rows count otherwise.
func buildCountResult(buffer []tds.Token, count int32) Result {
	var fmtTok *tds.RowFormat
	for _, tok := range buffer {
		if f, ok := tok.(*tds.RowFormat); ok {
			fmtTok = f
			break
		}
	}
	if fmtTok == nil {
		return AffectedRows{Count: int64(count)}
	}

	rs := &ResultSet{
		Columns: make([]string, 0, len(fmtTok.Columns)),
	}
	for i := range fmtTok.Columns {
		rs.Columns = append(rs.Columns, fmtTok.Columns[i].FieldName())
	}

	for _, tok := range buffer {
		switch t := tok.(type) {
		case *tds.OrderBy:
			if rs.OrderBy == nil {
				rs.OrderBy = t.Columns
			}
		case *tds.Row:
			if count < 0 || len(rs.Rows) < int(count) {
				rs.Rows = append(rs.Rows, t.Values)
			}
		}
	}
	return rs
}

// buildProcResult collects the return status and output parameters.
func buildProcResult(buffer []tds.Token) Result {
	pr := &ProcedureResult{}
	for _, tok := range buffer {
		switch t := tok.(type) {
		case *tds.ReturnStatus:
			pr.Status = t.Value
		case *tds.Params:
			pr.Params = t.Values
		}
	}
	if pr.Params == nil {
		pr.Params = []any{}
	}
	return pr
}

// remoteError converts a server message token into a remote error.
func remoteError(m *tds.Message) error {
	return &errors.RemoteError{
		Number:    m.Number,
		State:     m.State,
		Severity:  m.Severity,
		SQLState:  m.SQLState,
		Text:      m.Text,
		Server:    m.Server,
		Procedure: m.Procedure,
		Line:      m.Line,
	}
}
