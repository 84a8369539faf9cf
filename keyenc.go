package clockdb

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
)

// Order-preserving encoding of heterogeneous index keys.
//
// Emitted keys may be nil, booleans, numbers, strings or sequences of these;
// the encoding maps them to byte strings whose bytes.Compare order matches
// CompareKeys. Type tags double as rank bytes:
//
//	05 null
//	06 false
//	07 true
//	0F NaN (sorts before every number)
//	10 number, 8 bytes of order-flipped float64 bits
//	20 string, 00-terminated with 00 -> 00 FF escaping
//	30 sequence, encoded elements then a 00 terminator
//
// Strings and sequences are self-terminating, so concatenated encodings
// (composite keys) preserve order as well.

const (
	kindNull   = 0x05
	kindFalse  = 0x06
	kindTrue   = 0x07
	kindNaN    = 0x0F
	kindNumber = 0x10
	kindString = 0x20
	kindList   = 0x30

	keyTerm = 0x00
	keyEsc  = 0xFF
)

func encodeKey(v any) ([]byte, error) {
	return appendKey(nil, v)
}

func appendKey(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, kindNull), nil
	case bool:
		if v {
			return append(buf, kindTrue), nil
		}
		return append(buf, kindFalse), nil
	case string:
		buf = append(buf, kindString)
		buf = appendEscaped(buf, []byte(v))
		return append(buf, keyTerm), nil
	case []any:
		buf = append(buf, kindList)
		var err error
		for _, el := range v {
			buf, err = appendKey(buf, el)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyTerm), nil
	}

	if f, ok := numericValue(v); ok {
		if math.IsNaN(f) {
			return append(buf, kindNaN), nil
		}
		buf = append(buf, kindNumber)
		return appendOrderedFloat(buf, f), nil
	}

	// Other slice types encode like []any.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		buf = append(buf, kindList)
		var err error
		for i := 0; i < rv.Len(); i++ {
			buf, err = appendKey(buf, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyTerm), nil
	}

	return nil, fmt.Errorf("clockdb: cannot encode %T as an index key", v)
}

func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		if c == keyTerm {
			buf = append(buf, keyTerm, keyEsc)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

func appendOrderedFloat(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return append(buf,
		byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
		byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

func numericValue(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// decodeKey decodes one value, returning the remainder of the buffer.
// Numbers decode to float64 and sequences to []any.
func decodeKey(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, dataErrf(b, 0, nil, "empty key encoding")
	}
	tag := b[0]
	b = b[1:]
	switch tag {
	case kindNull:
		return nil, b, nil
	case kindFalse:
		return false, b, nil
	case kindTrue:
		return true, b, nil
	case kindNaN:
		return math.NaN(), b, nil
	case kindNumber:
		if len(b) < 8 {
			return nil, nil, dataErrf(b, 0, nil, "truncated number key")
		}
		bits := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
			uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[8:], nil
	case kindString:
		var out []byte
		for i := 0; i < len(b); i++ {
			c := b[i]
			if c != keyTerm {
				out = append(out, c)
				continue
			}
			if i+1 < len(b) && b[i+1] == keyEsc {
				out = append(out, keyTerm)
				i++
				continue
			}
			return string(out), b[i+1:], nil
		}
		return nil, nil, dataErrf(b, len(b), nil, "unterminated string key")
	case kindList:
		out := []any{}
		for {
			if len(b) == 0 {
				return nil, nil, dataErrf(b, 0, nil, "unterminated sequence key")
			}
			if b[0] == keyTerm {
				return out, b[1:], nil
			}
			var el any
			var err error
			el, b, err = decodeKey(b)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, el)
		}
	default:
		return nil, nil, dataErrf(b, 0, nil, "unknown key tag 0x%02x", tag)
	}
}

// encodeComposite builds the key-index key: the order-preserving encoding of
// the emitted key followed by the document id.
func encodeComposite(key any, docID string) ([]byte, error) {
	buf, err := appendKey(nil, key)
	if err != nil {
		return nil, err
	}
	return appendKey(buf, docID)
}

func decodeComposite(b []byte) (key any, docID string, err error) {
	key, rest, err := decodeKey(b)
	if err != nil {
		return nil, "", err
	}
	idv, rest, err := decodeKey(rest)
	if err != nil {
		return nil, "", err
	}
	id, ok := idv.(string)
	if !ok {
		return nil, "", dataErrf(b, len(b)-len(rest), nil, "composite key id is %T, not a string", idv)
	}
	if len(rest) != 0 {
		return nil, "", dataErrf(b, len(b)-len(rest), nil, "trailing bytes after composite key")
	}
	return key, id, nil
}

// CompareKeys orders two emitted keys under the same total order as the
// encoding: null < false < true < numbers < strings < sequences.
//
// Numeric references follow the asymmetric contract: a NaN on the left sorts
// before every number, while a definite number compared against a NaN on the
// right is a caller bug and fails with ErrInvalidComparison. Infinities
// compare as usual (+Inf after every finite number).
func CompareKeys(a, b any) (int, error) {
	ra, av, err := keyRank(a)
	if err != nil {
		return 0, err
	}
	rb, bv, err := keyRank(b)
	if err != nil {
		return 0, err
	}
	if ra != rb {
		return cmpInt(ra, rb), nil
	}
	switch ra {
	case kindNumber:
		af, bf := av.(float64), bv.(float64)
		if math.IsNaN(af) {
			return -1, nil
		}
		if math.IsNaN(bf) {
			return 0, fmt.Errorf("%w: %v vs NaN", ErrInvalidComparison, af)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	case kindString:
		return bytes.Compare([]byte(av.(string)), []byte(bv.(string))), nil
	case kindList:
		al, bl := av.([]any), bv.([]any)
		for i := 0; i < len(al) && i < len(bl); i++ {
			c, err := CompareKeys(al[i], bl[i])
			if err != nil {
				return 0, err
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpInt(len(al), len(bl)), nil
	default:
		return 0, nil
	}
}

// keyRank normalizes a value and returns its type rank. NaN ranks as a
// number; its ordering is decided in CompareKeys.
func keyRank(v any) (int, any, error) {
	switch v := v.(type) {
	case nil:
		return kindNull, nil, nil
	case bool:
		if v {
			return kindTrue, v, nil
		}
		return kindFalse, v, nil
	case string:
		return kindString, v, nil
	case []any:
		return kindList, v, nil
	}
	if f, ok := numericValue(v); ok {
		return kindNumber, f, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return kindList, out, nil
	}
	return 0, nil, fmt.Errorf("clockdb: cannot compare %T as an index key", v)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
