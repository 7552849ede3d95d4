// Protocol format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol is the record framing of document updates: every op
is one TLV record whose body is a run of field records.

A record header comes in three sizes:

	tiny   1 byte   '0'+len              body of 0..9 bytes, lowercase types only
	short  2 bytes  lowercase type, len  body up to 255 bytes
	long   5 bytes  uppercase type, le32 body up to 2GB

Types are the letters A..Z. Passing a lowercase type to Append allows
the tiny form, which loses the type; readers then accept '0' in place
of any type they expect. Updates come from other replicas, so every
reader here checks what it is given and reports ErrIncomplete or
ErrBadRecord instead of trusting the bytes.
*/
package protocol

import (
	"encoding/binary"
	"errors"
)

const CaseBit uint8 = 'a' - 'A'

const maxBody = 0x7fffffff

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader reads a record header. lit is the type, '0' for a tiny
// record, '-' for garbage and 0 when the header is cut short.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	switch b := data[0]; {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - CaseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		n := binary.LittleEndian.Uint32(data[1:5])
		if n > maxBody {
			return '-', 0, 0
		}
		return b, 5, int(n)
	default:
		return '-', 0, 0
	}
}

// AppendHeader picks the smallest header that fits bodylen.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := lit &^ CaseBit
	if upper < 'A' || upper > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen <= 0xff:
		return append(into, upper|CaseBit, byte(bodylen))
	case bodylen > maxBody:
		panic("oversized TLV record")
	default:
		into = append(into, upper)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
}

// Append adds one record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	into = AppendHeader(into, lit, total)
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// OpenHeader starts a record of unknown length; the body is appended
// to res and CloseHeader(res, bookmark) writes the length. The header
// is always the long one.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &^= CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV record type is A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader without OpenHeader")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}

// TakeWary cuts a record of type lit off data. On ErrIncomplete rest
// is data as given.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case flit == '-':
		return nil, nil, ErrBadRecord
	case flit == 0 || hdrlen+bodylen > len(data):
		return nil, data, ErrIncomplete
	case flit != lit && flit != '0':
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAnyWary cuts off the next record whatever its type.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case lit == '-':
		return 0, nil, nil, ErrBadRecord
	case lit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	return lit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Count tells how many whole records data holds, failing on anything
// trailing them.
func Count(data []byte) (n int, err error) {
	for len(data) > 0 {
		if _, _, data, err = TakeAnyWary(data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
