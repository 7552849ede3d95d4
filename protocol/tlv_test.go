package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderSizes(t *testing.T) {
	buf := Append(nil, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	assert.Equal(t, []byte{'a', 1, 'A', '2', 'B', 'B'}, buf)

	long := bytes.Repeat([]byte{'c'}, 256)
	rec := Append(nil, 'C', long)
	assert.Len(t, rec, 5+256)
	assert.Equal(t, []byte{'C', 0, 1, 0, 0}, rec[:5])
	lit, hlen, blen := ProbeHeader(rec)
	assert.Equal(t, byte('C'), lit)
	assert.Equal(t, 5, hlen)
	assert.Equal(t, 256, blen)
}

func TestTake(t *testing.T) {
	buf := Append(nil, 'A', []byte("a"))
	buf = Append(buf, 'b', []byte("bb"))

	lit, body, rest, err := TakeAnyWary(buf)
	assert.NoError(t, err)
	assert.Equal(t, byte('A'), lit)
	assert.Equal(t, []byte("a"), body)

	// a tiny record is accepted for any type
	body, rest, err = TakeWary('B', rest)
	assert.NoError(t, err)
	assert.Equal(t, []byte("bb"), body)
	assert.Empty(t, rest)

	_, _, err = TakeWary('X', Append(nil, 'A', []byte("0123456789")))
	assert.ErrorIs(t, err, ErrBadRecord)

	cut := Append(nil, 'A', []byte("0123456789"))[:5]
	_, rest, err = TakeWary('A', cut)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, cut, rest)

	_, _, _, err = TakeAnyWary(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
	_, _, _, err = TakeAnyWary([]byte{0xff, 1})
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, _, err = TakeAnyWary([]byte{'A', 0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestOpenCloseHeader(t *testing.T) {
	bookmark, buf := OpenHeader(nil, 'x')
	buf = Append(buf, 'K', []byte("key"))
	buf = append(buf, "tail"...)
	CloseHeader(buf, bookmark)

	lit, body, rest, err := TakeAnyWary(buf)
	assert.NoError(t, err)
	assert.Equal(t, byte('X'), lit)
	assert.Empty(t, rest)
	key, tail, err := TakeWary('K', body)
	assert.NoError(t, err)
	assert.Equal(t, "key", string(key))
	assert.Equal(t, "tail", string(tail))
}

func TestCount(t *testing.T) {
	buf := Append(nil, 'A', []byte("one"))
	buf = Append(buf, 'B', []byte("two"))
	n, err := Count(buf)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = Count(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrIncomplete)
	_, err = Count(append(buf, '!'))
	assert.ErrorIs(t, err, ErrBadRecord)
}
