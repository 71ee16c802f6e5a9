package tds

import (
	"fmt"
)

// TokenType identifies a token in a TDS 5.0 message body.
type TokenType uint8

const (
	TokenParamFormat2 TokenType = 0x20 // 32
	TokenLanguage     TokenType = 0x21 // 33
	TokenOrderBy2     TokenType = 0x22 // 34
	TokenRowFormat2   TokenType = 0x61 // 97, wide column format
	TokenDynamic2     TokenType = 0x62 // 98
	TokenLogout       TokenType = 0x71 // 113
	TokenReturnStatus TokenType = 0x79 // 121
	TokenTableName    TokenType = 0xA4 // 164
	TokenColumnInfo   TokenType = 0xA5 // 165
	TokenOptionCmd    TokenType = 0xA6 // 166
	TokenOrderBy      TokenType = 0xA9 // 169
	TokenInfo         TokenType = 0xAB // 171
	TokenLoginAck     TokenType = 0xAD // 173
	TokenControl      TokenType = 0xAE // 174
	TokenRow          TokenType = 0xD1 // 209
	TokenParams       TokenType = 0xD7 // 215
	TokenCapability   TokenType = 0xE2 // 226
	TokenEnvChange    TokenType = 0xE3 // 227
	TokenMessage      TokenType = 0xE5 // 229, extended error data
	TokenDynamic      TokenType = 0xE7 // 231
	TokenParamFormat  TokenType = 0xEC // 236
	TokenRowFormat    TokenType = 0xEE // 238
	TokenDone         TokenType = 0xFD // 253
	TokenDoneProc     TokenType = 0xFE // 254
	TokenDoneInProc   TokenType = 0xFF // 255
)

func (t TokenType) String() string {
	switch t {
	case TokenParamFormat2:
		return "PARAMFMT2"
	case TokenLanguage:
		return "LANGUAGE"
	case TokenOrderBy2:
		return "ORDERBY2"
	case TokenRowFormat2:
		return "ROWFMT2"
	case TokenDynamic2:
		return "DYNAMIC2"
	case TokenLogout:
		return "LOGOUT"
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenTableName:
		return "TABNAME"
	case TokenColumnInfo:
		return "COLINFO"
	case TokenOptionCmd:
		return "OPTIONCMD"
	case TokenOrderBy:
		return "ORDERBY"
	case TokenInfo:
		return "INFO"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenControl:
		return "CONTROL"
	case TokenRow:
		return "ROW"
	case TokenParams:
		return "PARAMS"
	case TokenCapability:
		return "CAPABILITY"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenMessage:
		return "EED"
	case TokenDynamic:
		return "DYNAMIC"
	case TokenParamFormat:
		return "PARAMFMT"
	case TokenRowFormat:
		return "ROWFMT"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Done status flags.
const (
	DoneFinal uint16 = 0x0000
	DoneMore  uint16 = 0x0001
	DoneError uint16 = 0x0002
	DoneTrans uint16 = 0x0004 // Transaction in progress
	DoneProc  uint16 = 0x0008 // Done of a stored procedure
	DoneCount uint16 = 0x0010 // Row count valid
	DoneAttn  uint16 = 0x0020 // Acknowledging attention
	DoneEvent uint16 = 0x0040 // Part of an event notification
)

// Transaction states carried in done tokens.
const (
	TranNone     uint16 = 0 // No transaction in effect
	TranSucceed  uint16 = 1 // Transaction completed successfully
	TranProgress uint16 = 2 // Transaction in progress
	TranAbort    uint16 = 3 // Transaction aborted
)

// ENVCHANGE types.
const (
	EnvDatabase   uint8 = 1
	EnvLanguage   uint8 = 2
	EnvCharset    uint8 = 3
	EnvPacketSize uint8 = 4
)

// Login acknowledgement status.
const (
	LoginAckSucceed   uint8 = 5 // Login completed, connection live
	LoginAckFail      uint8 = 6 // Login rejected
	LoginAckNegotiate uint8 = 7 // Server requests auth negotiation
)

// Dynamic statement operations.
const (
	DynamicPrepare       uint8 = 0x01
	DynamicExecute       uint8 = 0x02
	DynamicDealloc       uint8 = 0x04
	DynamicExecImmediate uint8 = 0x08
	DynamicAckFlag       uint8 = 0x20
)

// Dynamic statement status flags.
const (
	DynamicHasArgs          uint8 = 0x01
	DynamicSuppressFmt      uint8 = 0x02
	DynamicSuppressParamFmt uint8 = 0x04
)
