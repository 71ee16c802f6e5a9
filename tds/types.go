package tds

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// DataType identifies a TDS 5.0 column datatype.
type DataType uint8

const (
	TypeVoid       DataType = 0x1F // 31
	TypeImage      DataType = 0x22 // 34
	TypeText       DataType = 0x23 // 35
	TypeVarBinary  DataType = 0x25 // 37
	TypeIntN       DataType = 0x26 // 38
	TypeVarChar    DataType = 0x27 // 39
	TypeBinary     DataType = 0x2D // 45
	TypeChar       DataType = 0x2F // 47
	TypeInt1       DataType = 0x30 // 48
	TypeBit        DataType = 0x32 // 50
	TypeInt2       DataType = 0x34 // 52
	TypeInt4       DataType = 0x38 // 56
	TypeDateTime4  DataType = 0x3A // 58
	TypeFlt4       DataType = 0x3B // 59
	TypeMoney      DataType = 0x3C // 60
	TypeDateTime   DataType = 0x3D // 61
	TypeFlt8       DataType = 0x3E // 62
	TypeDecimal    DataType = 0x6A // 106
	TypeNumeric    DataType = 0x6C // 108
	TypeFltN       DataType = 0x6D // 109
	TypeMoneyN     DataType = 0x6E // 110
	TypeDateTimeN  DataType = 0x6F // 111
	TypeMoney4     DataType = 0x7A // 122
	TypeLongChar   DataType = 0xAF // 175
	TypeInt8       DataType = 0xBF // 191
	TypeLongBinary DataType = 0xE1 // 225
)

// fixedSizes maps fixed-length datatypes to their wire size. Row data for
// these types carries no length prefix.
var fixedSizes = map[DataType]int{
	TypeInt1:      1,
	TypeBit:       1,
	TypeInt2:      2,
	TypeInt4:      4,
	TypeInt8:      8,
	TypeFlt4:      4,
	TypeFlt8:      8,
	TypeMoney4:    4,
	TypeMoney:     8,
	TypeDateTime4: 4,
	TypeDateTime:  8,
}

// IsFixed reports whether the type has a fixed wire size.
func (t DataType) IsFixed() bool {
	_, ok := fixedSizes[t]
	return ok
}

// IsLong reports whether row data for the type carries a 32-bit length.
func (t DataType) IsLong() bool {
	return t == TypeLongChar || t == TypeLongBinary
}

// IsBlob reports whether the type uses the text pointer row layout.
func (t DataType) IsBlob() bool {
	return t == TypeText || t == TypeImage
}

func (t DataType) isChar() bool {
	return t == TypeChar || t == TypeVarChar || t == TypeLongChar || t == TypeText
}

// sybaseEpoch is the zero point of TDS datetime values.
var sybaseEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ColumnFormat describes one column or parameter as carried by the
// ROWFMT/ROWFMT2/PARAMFMT tokens.
type ColumnFormat struct {
	Label     string // display label, ROWFMT2 only
	Catalog   string
	Schema    string
	Table     string
	Name      string
	Status    uint32
	UserType  int32
	DataType  DataType
	Length    int // max length for variable types, element size for nullable scalars
	Precision uint8
	Scale     uint8
	Locale    string
}

// FieldName returns the name a result column is reported under: the label
// when the server sent one, the column name otherwise.
func (c *ColumnFormat) FieldName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// decodeValue reads one value of the column's type from r.
func decodeValue(r *sliceReader, col *ColumnFormat, cs Charset) (any, error) {
	t := col.DataType

	if size, ok := fixedSizes[t]; ok {
		b, err := r.take(size)
		if err != nil {
			return nil, err
		}
		return convertFixed(t, b)
	}

	switch {
	case t.IsBlob():
		ptrLen, err := r.byte()
		if err != nil {
			return nil, err
		}
		if ptrLen == 0 {
			return nil, nil
		}
		// text pointer and timestamp precede the actual data
		if _, err := r.take(int(ptrLen) + 8); err != nil {
			return nil, err
		}
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return convertBytes(t, b, cs)

	case t.IsLong():
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return convertBytes(t, b, cs)

	default:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return convertVariable(t, col, b, cs)
	}
}

func convertFixed(t DataType, b []byte) (any, error) {
	switch t {
	case TypeInt1:
		return int64(b[0]), nil
	case TypeBit:
		return b[0] != 0, nil
	case TypeInt2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case TypeInt4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case TypeInt8:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case TypeFlt4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case TypeFlt8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case TypeMoney4:
		return decimal.New(int64(int32(binary.LittleEndian.Uint32(b))), -4), nil
	case TypeMoney:
		hi := int32(binary.LittleEndian.Uint32(b[0:4]))
		lo := binary.LittleEndian.Uint32(b[4:8])
		return decimal.New(int64(hi)<<32|int64(lo), -4), nil
	case TypeDateTime4:
		days := binary.LittleEndian.Uint16(b[0:2])
		mins := binary.LittleEndian.Uint16(b[2:4])
		return sybaseEpoch.AddDate(0, 0, int(days)).Add(time.Duration(mins) * time.Minute), nil
	case TypeDateTime:
		days := int32(binary.LittleEndian.Uint32(b[0:4]))
		ticks := binary.LittleEndian.Uint32(b[4:8]) // 1/300 seconds
		d := sybaseEpoch.AddDate(0, 0, int(days))
		return d.Add(time.Duration(ticks) * time.Second / 300), nil
	default:
		return nil, fmt.Errorf("tds: not a fixed type: %#x", uint8(t))
	}
}

// convertVariable handles the byte-length-prefixed types once NULL has been
// ruled out. Nullable scalars reuse the fixed conversions at their actual
// length.
func convertVariable(t DataType, col *ColumnFormat, b []byte, cs Charset) (any, error) {
	switch t {
	case TypeIntN:
		switch len(b) {
		case 1:
			return convertFixed(TypeInt1, b)
		case 2:
			return convertFixed(TypeInt2, b)
		case 4:
			return convertFixed(TypeInt4, b)
		case 8:
			return convertFixed(TypeInt8, b)
		}
		return nil, fmt.Errorf("tds: intn length %d", len(b))
	case TypeFltN:
		switch len(b) {
		case 4:
			return convertFixed(TypeFlt4, b)
		case 8:
			return convertFixed(TypeFlt8, b)
		}
		return nil, fmt.Errorf("tds: fltn length %d", len(b))
	case TypeMoneyN:
		switch len(b) {
		case 4:
			return convertFixed(TypeMoney4, b)
		case 8:
			return convertFixed(TypeMoney, b)
		}
		return nil, fmt.Errorf("tds: moneyn length %d", len(b))
	case TypeDateTimeN:
		switch len(b) {
		case 4:
			return convertFixed(TypeDateTime4, b)
		case 8:
			return convertFixed(TypeDateTime, b)
		}
		return nil, fmt.Errorf("tds: datetimen length %d", len(b))
	case TypeNumeric, TypeDecimal:
		return convertNumeric(b, col.Scale)
	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		return convertBytes(t, b, cs)
	default:
		return nil, fmt.Errorf("tds: unsupported datatype %#x", uint8(t))
	}
}

func convertBytes(t DataType, b []byte, cs Charset) (any, error) {
	if t.isChar() {
		return cs.Decode(b)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// convertNumeric decodes a Sybase numeric: a sign byte followed by the
// magnitude in big-endian order.
func convertNumeric(b []byte, scale uint8) (any, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("tds: empty numeric")
	}
	mag := new(big.Int).SetBytes(b[1:])
	if b[0] != 0 {
		mag.Neg(mag)
	}
	return decimal.NewFromBigInt(mag, -int32(scale)), nil
}

// encodeValue appends one parameter value encoded per the column format.
// The format is the one remembered from prepare time, so the server can
// decode the bytes it described itself.
func encodeValue(buf []byte, col *ColumnFormat, v any, cs Charset) ([]byte, error) {
	t := col.DataType

	if v == nil {
		switch {
		case t.IsLong(), t.IsBlob():
			return binary.LittleEndian.AppendUint32(buf, 0), nil
		case t.IsFixed():
			return nil, fmt.Errorf("tds: nil value for non-nullable type %#x", uint8(t))
		default:
			return append(buf, 0), nil
		}
	}

	switch t {
	case TypeIntN, TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		size := col.Length
		if size == 0 {
			size = 8
		}
		if t != TypeIntN {
			size = fixedSizes[t]
		} else {
			buf = append(buf, byte(size))
		}
		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], uint64(n))
		return append(buf, scratch[:size]...), nil

	case TypeFltN, TypeFlt4, TypeFlt8:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		size := col.Length
		if t == TypeFlt4 {
			size = 4
		} else if t == TypeFlt8 || size == 0 {
			size = 8
		}
		if t == TypeFltN {
			buf = append(buf, byte(size))
		}
		if size == 4 {
			return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(f))), nil
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f)), nil

	case TypeBit:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("tds: bit parameter needs bool, got %T", v)
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil

	case TypeChar, TypeVarChar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("tds: char parameter needs string, got %T", v)
		}
		raw, err := cs.Encode(s)
		if err != nil {
			return nil, err
		}
		if len(raw) > 255 {
			return nil, fmt.Errorf("tds: char parameter of %d bytes exceeds 255", len(raw))
		}
		buf = append(buf, byte(len(raw)))
		return append(buf, raw...), nil

	case TypeBinary, TypeVarBinary:
		raw, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("tds: binary parameter needs []byte, got %T", v)
		}
		if len(raw) > 255 {
			return nil, fmt.Errorf("tds: binary parameter of %d bytes exceeds 255", len(raw))
		}
		buf = append(buf, byte(len(raw)))
		return append(buf, raw...), nil

	case TypeLongChar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("tds: longchar parameter needs string, got %T", v)
		}
		raw, err := cs.Encode(s)
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
		return append(buf, raw...), nil

	case TypeLongBinary:
		raw, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("tds: longbinary parameter needs []byte, got %T", v)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
		return append(buf, raw...), nil

	case TypeDateTimeN, TypeDateTime, TypeDateTime4:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("tds: datetime parameter needs time.Time, got %T", v)
		}
		since := ts.UTC().Sub(sybaseEpoch)
		days := int32(since / (24 * time.Hour))
		rem := since - time.Duration(days)*24*time.Hour
		if t == TypeDateTime4 {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(days))
			return binary.LittleEndian.AppendUint16(buf, uint16(rem/time.Minute)), nil
		}
		if t == TypeDateTimeN {
			buf = append(buf, 8)
		}
		ticks := uint32(rem * 300 / time.Second)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(days))
		return binary.LittleEndian.AppendUint32(buf, ticks), nil

	case TypeMoneyN, TypeMoney, TypeMoney4:
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		cents := d.Shift(4).IntPart()
		if t == TypeMoneyN {
			buf = append(buf, 8)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(cents>>32))
		return binary.LittleEndian.AppendUint32(buf, uint32(cents)), nil

	case TypeNumeric, TypeDecimal:
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		scaled := d.Shift(int32(col.Scale))
		mag := scaled.BigInt()
		sign := byte(0)
		if mag.Sign() < 0 {
			sign = 1
			mag = new(big.Int).Abs(mag)
		}
		raw := mag.Bytes()
		buf = append(buf, byte(1+len(raw)), sign)
		return append(buf, raw...), nil

	default:
		return nil, fmt.Errorf("tds: unsupported parameter datatype %#x", uint8(t))
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("tds: integer parameter needs int kind, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float32:
		return float64(f), nil
	case float64:
		return f, nil
	}
	if n, err := toInt64(v); err == nil {
		return float64(n), nil
	}
	return 0, fmt.Errorf("tds: float parameter needs float kind, got %T", v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case string:
		return decimal.NewFromString(d)
	case float64:
		return decimal.NewFromFloat(d), nil
	}
	if n, err := toInt64(v); err == nil {
		return decimal.NewFromInt(n), nil
	}
	return decimal.Decimal{}, fmt.Errorf("tds: decimal parameter needs decimal, string or number, got %T", v)
}
