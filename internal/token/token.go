// Package token decodes the signed session token stored in the _hcmex_key
// cookie. Decoding is structural only: the signature segment is never
// verified, so a decoded Record says nothing about authenticity.
package token

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FormatTag is the only leading segment the decoder accepts.
const FormatTag = "SFMyNTY"

var (
	ErrMalformed  = errors.New("token: malformed")
	ErrFormatTag  = errors.New("token: unsupported format tag")
	ErrTruncated  = errors.New("token: truncated payload")
	ErrNoIdentity = errors.New("token: no user identity")
)

// Record is the decoded payload map. Values are string, int64, Record or nil.
type Record map[string]any

// Decode parses "SFMyNTY.<payload>.<signature>" and returns the payload map.
// It never returns a partial record.
func Decode(tok string) (Record, error) {
	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %d segments", ErrMalformed, len(parts))
	}
	if parts[0] != FormatTag {
		return nil, ErrFormatTag
	}
	raw, err := decodeBase64(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d := &termDecoder{buf: raw}
	v, err := d.term()
	if err != nil {
		return nil, err
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not a map", ErrMalformed)
	}
	return rec, nil
}

// UserID returns the positive numeric "user_id" field. A missing, zero,
// negative or non-numeric value yields ErrNoIdentity.
func (r Record) UserID() (int64, error) {
	switch v := r["user_id"].(type) {
	case int64:
		if v > 0 {
			return v, nil
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, ErrNoIdentity
}

// UserIDFrom decodes tok and extracts its user id in one step.
func UserIDFrom(tok string) (int64, error) {
	rec, err := Decode(tok)
	if err != nil {
		return 0, err
	}
	return rec.UserID()
}

// Phoenix emits unpadded URL-safe base64; browsers sometimes hand back the
// standard alphabet.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// Term tags understood by the decoder.
const (
	tagVersion    byte = 131
	tagMap        byte = 116
	tagBinary     byte = 109
	tagInteger    byte = 98
	tagSmallInteg byte = 97
)

type termDecoder struct {
	buf []byte
	off int
}

type termFunc func(d *termDecoder) (any, error)

var termTable map[byte]termFunc

func init() {
	termTable = map[byte]termFunc{
		tagVersion:    (*termDecoder).term,
		tagMap:        (*termDecoder).mapTerm,
		tagBinary:     (*termDecoder).binaryTerm,
		tagInteger:    (*termDecoder).integerTerm,
		tagSmallInteg: (*termDecoder).smallIntegerTerm,
	}
}

// term reads one tagged value. Unknown tags decode to nil.
func (d *termDecoder) term() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	fn, ok := termTable[tag]
	if !ok {
		return nil, nil
	}
	return fn(d)
}

func (d *termDecoder) mapTerm() (any, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make(Record)
	for i := uint32(0); i < n; i++ {
		k, err := d.term()
		if err != nil {
			return nil, err
		}
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		if key, ok := k.(string); ok {
			out[key] = v
		}
	}
	return out, nil
}

func (d *termDecoder) binaryTerm() (any, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if uint64(d.off)+uint64(n) > uint64(len(d.buf)) {
		return nil, ErrTruncated
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return strings.ToValidUTF8(s, "�"), nil
}

func (d *termDecoder) integerTerm() (any, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	return int64(int32(n)), nil
}

func (d *termDecoder) smallIntegerTerm() (any, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return int64(b), nil
}

func (d *termDecoder) readByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *termDecoder) u32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}
