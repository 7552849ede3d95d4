package blockdoc

import (
	"errors"
	"fmt"

	"github.com/drpcorg/blockdoc/protocol"
	"github.com/drpcorg/blockdoc/rdx"
)

// Op kinds, also the TLV record types of the update format.
const (
	OpInsert = byte('I')
	OpDelete = byte('D')
	OpAdd    = byte('A')
	OpRemove = byte('R')
	OpSet    = byte('S')
)

// Op is one replicated mutation. Every op of a replica has its own
// sequence number; Rev is the Lamport revision it was stamped with.
//
//	I: Coll array, Ref parent element (ID0 for the head), Value element
//	D: Coll array, Ref deleted element
//	A: Coll map, Key made live
//	R: Coll map, Key made dead
//	S: Coll map, Key, Field, Value
type Op struct {
	Kind  byte
	ID    rdx.ID
	Rev   uint64
	Coll  string
	Ref   rdx.ID
	Key   string
	Field string
	Value string
}

func (op *Op) Time() rdx.Time {
	return rdx.Time{Rev: op.Rev, Src: op.ID.Src()}
}

func (op *Op) String() string {
	switch op.Kind {
	case OpInsert:
		return fmt.Sprintf("I%s@%d %s<%s %q", op.ID, op.Rev, op.Coll, op.Ref, op.Value)
	case OpDelete:
		return fmt.Sprintf("D%s@%d %s<%s", op.ID, op.Rev, op.Coll, op.Ref)
	case OpSet:
		return fmt.Sprintf("S%s@%d %s.%s.%s=%q", op.ID, op.Rev, op.Coll, op.Key, op.Field, op.Value)
	default:
		return fmt.Sprintf("%c%s@%d %s.%s", op.Kind, op.ID, op.Rev, op.Coll, op.Key)
	}
}

// AppendTLV serializes the op as one record.
func (op *Op) AppendTLV(into []byte) []byte {
	bookmark, res := protocol.OpenHeader(into, op.Kind)
	res = protocol.Append(res, 'I', op.ID.ZipBytes())
	res = protocol.Append(res, 'T', rdx.ZipUint64(op.Rev))
	res = protocol.Append(res, 'N', []byte(op.Coll))
	switch op.Kind {
	case OpInsert:
		res = protocol.Append(res, 'P', op.Ref.ZipBytes())
		res = protocol.Append(res, 'V', []byte(op.Value))
	case OpDelete:
		res = protocol.Append(res, 'P', op.Ref.ZipBytes())
	case OpAdd, OpRemove:
		res = protocol.Append(res, 'K', []byte(op.Key))
	case OpSet:
		res = protocol.Append(res, 'K', []byte(op.Key))
		res = protocol.Append(res, 'F', []byte(op.Field))
		res = protocol.Append(res, 'V', []byte(op.Value))
	}
	protocol.CloseHeader(res, bookmark)
	return res
}

var (
	ErrBadOpKind = errors.New("bad op kind")
	ErrBadOpID   = errors.New("bad op id")
	ErrBadOpName = errors.New("empty collection name")
)

// ParseOp reads one op record from untrusted bytes.
func ParseOp(rec []byte) (op Op, rest []byte, err error) {
	var body []byte
	op.Kind, body, rest, err = protocol.TakeAnyWary(rec)
	if err != nil {
		return
	}
	switch op.Kind {
	case OpInsert, OpDelete, OpAdd, OpRemove, OpSet:
	default:
		err = ErrBadOpKind
		return
	}
	var field []byte
	if field, body, err = protocol.TakeWary('I', body); err != nil {
		return
	}
	if op.ID, err = rdx.IDFromZipBytesWary(field); err != nil {
		return
	}
	if op.ID.Seq() == 0 || op.ID.Src() == 0 {
		err = ErrBadOpID
		return
	}
	if field, body, err = protocol.TakeWary('T', body); err != nil {
		return
	}
	if len(field) > 8 {
		err = rdx.ErrBadZip
		return
	}
	op.Rev = rdx.UnzipUint64(field)
	if field, body, err = protocol.TakeWary('N', body); err != nil {
		return
	}
	if len(field) == 0 {
		err = ErrBadOpName
		return
	}
	op.Coll = string(field)
	switch op.Kind {
	case OpInsert, OpDelete:
		if field, body, err = protocol.TakeWary('P', body); err != nil {
			return
		}
		if op.Ref, err = rdx.IDFromZipBytesWary(field); err != nil {
			return
		}
		if op.Kind == OpDelete && op.Ref.IsZero() {
			err = ErrBadOpID
			return
		}
		if op.Kind == OpInsert {
			if field, body, err = protocol.TakeWary('V', body); err != nil {
				return
			}
			op.Value = string(field)
		}
	case OpAdd, OpRemove, OpSet:
		if field, body, err = protocol.TakeWary('K', body); err != nil {
			return
		}
		op.Key = string(field)
		if op.Kind == OpSet {
			if field, body, err = protocol.TakeWary('F', body); err != nil {
				return
			}
			op.Field = string(field)
			if field, body, err = protocol.TakeWary('V', body); err != nil {
				return
			}
			op.Value = string(field)
		}
	}
	if len(body) != 0 {
		err = protocol.ErrBadRecord
	}
	return
}

// EncodeOps produces an update out of ops, in the given order.
func EncodeOps(ops []Op) (update []byte) {
	for i := range ops {
		update = ops[i].AppendTLV(update)
	}
	return
}

// DecodeUpdate parses a whole update; any damage fails it entirely.
func DecodeUpdate(update []byte) (ops []Op, err error) {
	n, err := protocol.Count(update)
	if err != nil {
		return nil, err
	}
	ops = make([]Op, 0, n)
	rest := update
	for len(rest) > 0 {
		var op Op
		op, rest, err = ParseOp(rest)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return
}
