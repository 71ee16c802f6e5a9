// Package client implements the connection core of a TDS 5.0 client:
// the connection state machine, the login handshake, the request
// operations (query, prepare, execute) and the reply pipeline that turns
// the server's token stream into results.
//
// A Conn is owned by one goroutine; it is not safe for concurrent use.
// Concurrency across independent connections is unrestricted.
package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ha1tch/sybtds/config"
	"github.com/ha1tch/sybtds/pkg/errors"
	"github.com/ha1tch/sybtds/pkg/log"
	"github.com/ha1tch/sybtds/pkg/version"
	"github.com/ha1tch/sybtds/tds"
)

// State is the connection session state.
type State int

const (
	// StateDisconnected means no live socket. Initial and terminal.
	StateDisconnected State = iota

	// StateConnected means login completed and requests may be issued.
	StateConnected

	// StateAuthNegotiate means the server asked for an authentication
	// exchange. The state is recognized but not driven further.
	StateAuthNegotiate
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthNegotiate:
		return "auth-negotiate"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens the TCP connection. Swappable for tests.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

// Conn is one client connection to a server.
type Conn struct {
	cfg    *config.Config
	logger *log.Logger
	dial   Dialer

	sock  net.Conn
	state State

	// Negotiated session parameters
	packetSize    int
	tdsVersion    [4]byte
	serverName    string
	serverVersion [4]byte
	reqCaps       *tds.Capabilities
	resCaps       *tds.Capabilities
	charset       tds.Charset

	env      *Environment
	prepared map[string]*tds.ParamsFormat

	// Receive buffer for the packet reassembler
	rbuf []byte
}

// Option configures a connection before login.
type Option func(*Conn)

// WithLogger sets the logger. Defaults to the package default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Conn) {
		c.logger = l
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) {
		c.dial = d
	}
}

// Connect opens a connection and performs the login handshake. On
// success the returned connection is in the Connected state and, when
// the configuration names a database, positioned in that database.
func Connect(cfg *config.Config, opts ...Option) (*Conn, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:    cfg,
		logger: log.Default(),
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		state:      StateDisconnected,
		packetSize: tds.DefaultPacketSize,
		charset:    tds.DefaultCharset(),
		env:        NewEnvironment(),
		prepared:   make(map[string]*tds.ParamsFormat),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.env.Set(EnvHost, cfg.Host)
	c.env.Set(EnvPort, strconv.Itoa(cfg.Port))
	c.env.Set(EnvUser, cfg.User)
	c.env.Set(EnvPassword, cfg.Password)
	c.env.Set(EnvDatabase, cfg.Database)
	c.env.Set(EnvAppName, cfg.Application)
	c.env.Set(EnvLibName, "sybtds")
	c.env.Set(EnvLanguage, cfg.Language)
	c.env.Set(EnvCharset, cfg.Charset)
	c.env.Set(EnvPacketSize, strconv.Itoa(cfg.PacketSize))

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials and logs in using the connection's configuration.
// Values the server pushed into the environment during an earlier
// session (such as the current database) are not used for the login.
func (c *Conn) connect() error {
	cs, err := tds.LookupCharset(c.cfg.Charset)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "charset")
	}
	c.charset = cs

	sock, err := c.dial(c.cfg.Addr(), c.cfg.ConnectTimeout)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeConnectFailed, "connecting to %s", c.cfg.Addr())
	}
	c.sock = sock
	c.rbuf = c.rbuf[:0]
	if c.cfg.PacketSize != 0 {
		c.packetSize = c.cfg.PacketSize
	} else {
		c.packetSize = tds.DefaultPacketSize
	}

	c.logger.System().Debug("socket open",
		"addr", c.cfg.Addr(),
		"packet_size", c.packetSize,
	)

	if err := c.login(); err != nil {
		c.closeSocket()
		return err
	}

	c.logger.Audit().Info("login succeeded",
		"server", c.serverName,
		"user", c.cfg.User,
	)

	if c.cfg.Database != "" {
		if _, err := c.Query("use "+c.cfg.Database, c.cfg.LoginTimeout); err != nil {
			c.closeSocket()
			return err
		}
	}
	return nil
}

// login sends the login record and applies the handshake reply.
func (c *Conn) login() error {
	rec := &tds.LoginRecord{
		ClientHost:  c.cfg.ClientHost,
		User:        c.cfg.User,
		Password:    c.cfg.Password,
		Application: c.cfg.Application,
		Server:      c.cfg.Host,
		Language:    c.cfg.Language,
		Charset:     c.cfg.Charset,
		Library:     "sybtds",
		PacketSize:  c.cfg.PacketSize,
	}
	c.reqCaps = tds.DefaultCapabilities()
	rec.Caps = c.reqCaps

	body, err := rec.Encode()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocol, "encoding login record")
	}

	results, err := c.roundTrip(tds.PacketLogin, body, c.cfg.LoginTimeout)
	if err != nil {
		return err
	}
	_ = results

	switch c.state {
	case StateConnected:
		return nil
	case StateAuthNegotiate:
		return errors.New(errors.ErrCodeLoginNegotiate, "server requested auth negotiation, not implemented")
	default:
		return errors.Newf(errors.ErrCodeLoginFailed, "login rejected for user %q", c.cfg.User)
	}
}

// State returns the current session state.
func (c *Conn) State() State {
	return c.state
}

// PacketSize returns the packet size in effect.
func (c *Conn) PacketSize() int {
	return c.packetSize
}

// ServerName returns the server's program name from the login reply.
func (c *Conn) ServerName() string {
	return c.serverName
}

// ServerVersion returns the server's version bytes from the login reply.
func (c *Conn) ServerVersion() [4]byte {
	return c.serverVersion
}

// TdsVersion returns the protocol version from the login reply.
func (c *Conn) TdsVersion() [4]byte {
	return c.tdsVersion
}

// RequestedCapabilities returns the capability set sent at login.
func (c *Conn) RequestedCapabilities() *tds.Capabilities {
	return c.reqCaps
}

// ServerCapabilities returns the capability set the server answered
// with, nil before login completes.
func (c *Conn) ServerCapabilities() *tds.Capabilities {
	return c.resCaps
}

// Environment returns the live session environment.
func (c *Conn) Environment() *Environment {
	return c.env
}

// Disconnect sends an orderly logout, drains the reply under the given
// timeout and closes the socket. With a zero timeout, or when not
// connected, the socket is simply closed. The environment is returned
// so a caller can reconnect with the same parameters.
func (c *Conn) Disconnect(timeout time.Duration) (*Environment, error) {
	if c.state == StateConnected && timeout > 0 {
		w := tds.NewTokenWriter(c.charset)
		w.Logout()
		if _, err := c.roundTrip(tds.PacketQuery, w.Bytes(), timeout); err != nil {
			c.logger.System().Warn("logout failed, closing anyway",
				"error", err.Error(),
			)
		}
	}
	c.closeSocket()
	c.logger.Audit().Info("disconnected",
		"server", c.serverName,
	)
	return c.env.Clone(), nil
}

// Reconnect tears down any existing socket and logs in again with the
// preserved configuration. Prepared statements do not survive.
func (c *Conn) Reconnect() error {
	if _, err := c.Disconnect(0); err != nil {
		return err
	}
	c.prepared = make(map[string]*tds.ParamsFormat)
	return c.connect()
}

// ensureConnected reconnects exactly once when called off-line.
func (c *Conn) ensureConnected() error {
	if c.state == StateConnected {
		return nil
	}
	c.logger.System().Info("not connected, reconnecting",
		"state", c.state.String(),
	)
	return c.Reconnect()
}

// Query sends one batch of SQL and parses the reply into results. A zero
// timeout uses the configured query timeout.
func (c *Conn) Query(sql string, timeout time.Duration) ([]Result, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout
	}

	c.logger.Query().Debug("query",
		"sql", sql,
	)

	w := tds.NewTokenWriter(c.charset)
	if err := w.Language(sql, false); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProtocol, "encoding language token")
	}
	return c.roundTrip(tds.PacketQuery, w.Bytes(), timeout)
}

// Prepare registers a server-side prepared statement under the given
// identifier. The parameter format the server returns is remembered for
// later executes with arguments.
func (c *Conn) Prepare(stmtID, sql string, timeout time.Duration) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout
	}

	c.logger.Query().Debug("prepare",
		"stmt", stmtID,
		"sql", sql,
	)

	w := tds.NewTokenWriter(c.charset)
	stmt := "create proc " + stmtID + " as " + sql
	if err := w.Dynamic(tds.DynamicPrepare, 0, stmtID, stmt); err != nil {
		return errors.Wrap(err, errors.ErrCodeProtocol, "encoding dynamic prepare")
	}

	rep, err := c.exchange(tds.PacketQuery, w.Bytes(), timeout)
	if err != nil {
		return err
	}
	if rep.dynamicAck == nil {
		return errors.Newf(errors.ErrCodeStmtParams, "prepare of %q not acknowledged", stmtID)
	}
	pf := rep.paramFmt
	if pf == nil {
		pf = &tds.ParamsFormat{}
	}
	c.prepared[stmtID] = pf
	return nil
}

// Execute runs a previously prepared statement. With arguments, the
// parameter format remembered at prepare time is replayed ahead of the
// values so the server can decode them.
func (c *Conn) Execute(stmtID string, args []any, timeout time.Duration) ([]Result, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout
	}

	c.logger.Query().Debug("execute",
		"stmt", stmtID,
		"args", len(args),
	)

	w := tds.NewTokenWriter(c.charset)
	if len(args) == 0 {
		if err := w.Dynamic(tds.DynamicExecute, 0, stmtID, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeProtocol, "encoding dynamic execute")
		}
	} else {
		pf, ok := c.prepared[stmtID]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeStmtUnknown, "statement %q not prepared", stmtID)
		}
		if err := w.Dynamic(tds.DynamicExecute, tds.DynamicHasArgs, stmtID, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeProtocol, "encoding dynamic execute")
		}
		w.ParamFormatRaw(pf)
		if err := w.Params(pf, args); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStmtParams, "encoding parameters")
		}
	}
	return c.roundTrip(tds.PacketQuery, w.Bytes(), timeout)
}

// Prepared reports whether a statement identifier is registered.
func (c *Conn) Prepared(stmtID string) bool {
	_, ok := c.prepared[stmtID]
	return ok
}

// closeSocket force-closes the transport and moves to Disconnected.
func (c *Conn) closeSocket() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.rbuf = c.rbuf[:0]
	c.state = StateDisconnected
}

// ClientVersion returns the client library version string.
func ClientVersion() string {
	return version.String()
}
