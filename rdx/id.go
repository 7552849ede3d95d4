package rdx

import "strconv"

/*
ID names one op: the replica that produced it and the op's position
in that replica's own sequence. Sequence numbers of a replica are
contiguous, starting from 1, so a version vector of max sequence
numbers describes exactly which ops a replica has seen.

	src (replica id) - seq (per-replica op number)

ID0 is the virtual head of every array; no op carries it.
*/
type ID struct {
	src uint64
	seq uint64
}

var ID0 ID = ID{}

var BadId = ID{^uint64(0), ^uint64(0)}

func NewID(src, seq uint64) ID {
	return ID{src, seq}
}

// Src is the replica id.
func (id ID) Src() uint64 {
	return id.src
}

// Seq is the op sequence number (each replica generates its own
// sequence numbers)
func (id ID) Seq() uint64 {
	return id.seq
}

func (id ID) IsZero() bool {
	return id == ID0
}

func (id ID) Less(other ID) bool {
	if id.src != other.src {
		return id.src < other.src
	}
	return id.seq < other.seq
}

func (id ID) ZipBytes() []byte {
	return ZipUint64Pair(id.src, id.seq)
}

func IDFromZipBytes(zip []byte) ID {
	big, lil := UnzipUint64Pair(zip)
	return ID{
		src: big,
		seq: lil,
	}
}

// IDFromZipBytesWary is IDFromZipBytes for untrusted input.
func IDFromZipBytesWary(zip []byte) (ID, error) {
	if !ValidZipPairLen(len(zip)) {
		return BadId, ErrBadZip
	}
	return IDFromZipBytes(zip), nil
}

func (id ID) String() string {
	var buf [40]byte
	b := buf[:0]
	b = strconv.AppendUint(b, id.src, 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, id.seq, 16)
	return string(b)
}

// IDFromString parses the src-seq hex form produced by String.
func IDFromString(idstr string) ID {
	var parts [2]uint64
	p := 0
	for i := 0; i < len(idstr); i++ {
		c := idstr[i]
		switch {
		case c >= '0' && c <= '9':
			parts[p] = (parts[p] << 4) | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			parts[p] = (parts[p] << 4) | uint64(10+c-'a')
		case c >= 'A' && c <= 'F':
			parts[p] = (parts[p] << 4) | uint64(10+c-'A')
		case c == '-' && p == 0:
			p++
		default:
			return BadId
		}
	}
	if p != 1 {
		return BadId
	}
	return ID{parts[0], parts[1]}
}
