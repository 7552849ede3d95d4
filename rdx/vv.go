package rdx

import (
	"errors"
	"slices"

	"github.com/drpcorg/blockdoc/protocol"
)

// VV is a version vector, max sequence numbers seen from each known replica.
type VV map[uint64]uint64

func (vv VV) Get(src uint64) (seq uint64) {
	return vv[src]
}

// Set the progress for the specified source
func (vv VV) Set(src, seq uint64) {
	vv[src] = seq
}

// Put the src-seq pair to the VV, returns whether it was
// unseen (i.e. made any difference)
func (vv VV) Put(src, seq uint64) bool {
	pre, ok := vv[src]
	if ok && pre >= seq {
		return false
	}
	vv[src] = seq
	return true
}

// Adds the id to the VV, returns whether it was unseen
func (vv VV) PutID(id ID) bool {
	return vv.Put(id.Src(), id.Seq())
}

// Seen reports whether the op is covered by the vector.
func (vv VV) SeenID(id ID) bool {
	return id.Seq() <= vv[id.Src()]
}

// Next reports whether the op is the immediate successor of what
// the vector has seen from its replica.
func (vv VV) Next(id ID) bool {
	return id.Seq() == vv[id.Src()]+1
}

var ErrBadVRecord = errors.New("bad V record")

func (vv VV) Seen(bb VV) bool {
	for src, seq := range bb {
		if seq > vv[src] {
			return false
		}
	}
	return true
}

func (vv VV) Clone() VV {
	ret := make(VV, len(vv))
	for src, seq := range vv {
		ret[src] = seq
	}
	return ret
}

func (vv VV) IDs() (ids []ID) {
	for src, seq := range vv {
		ids = append(ids, NewID(src, seq))
	}
	slices.SortFunc(ids, func(a, b ID) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
	return
}

// TLV Vv record, nil for empty
func (vv VV) TLV() (ret []byte) {
	for _, id := range vv.IDs() {
		ret = protocol.Append(ret, 'V', id.ZipBytes())
	}
	return
}

// consumes: Vv record
func (vv VV) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return ErrBadVRecord
		}
		id, e := IDFromZipBytesWary(val)
		if e != nil {
			return ErrBadVRecord
		}
		vv.PutID(id)
	}
	return
}

func VVFromTLV(tlv []byte) (vv VV, err error) {
	vv = make(VV)
	err = vv.PutTLV(tlv)
	return
}

func (vv VV) String() string {
	ids := vv.IDs()
	ret := make([]byte, 0, len(vv)*32)
	for i, id := range ids {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, id.String()...)
	}
	return string(ret)
}
