package broker

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/drpcorg/blockdoc/blockdoc_errors"
)

// ByteArray is a byte slice that goes to JSON as an array of numbers,
// the way browser clients serialize a Uint8Array.
type ByteArray []byte

func (ba ByteArray) MarshalJSON() ([]byte, error) {
	ret := make([]byte, 0, len(ba)*4+2)
	ret = append(ret, '[')
	for i, b := range ba {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = strconv.AppendUint(ret, uint64(b), 10)
	}
	return append(ret, ']'), nil
}

func (ba *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	ret := make(ByteArray, len(nums))
	for i, n := range nums {
		if n < 0 || n > 0xff {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		ret[i] = byte(n)
	}
	*ba = ret
	return nil
}

// Envelope wraps a document update with the id of the replica that
// published it.
type Envelope struct {
	Update   ByteArray `json:"update"`
	ClientID uint64    `json:"clientId"`
}

func EncodeEnvelope(update []byte, clientID uint64) ([]byte, error) {
	return json.Marshal(Envelope{Update: update, ClientID: clientID})
}

func DecodeEnvelope(data []byte) (env Envelope, err error) {
	if err = json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %w", blockdoc_errors.ErrBadEnvelope, err)
	}
	if env.Update == nil {
		return env, fmt.Errorf("%w: no update", blockdoc_errors.ErrBadEnvelope)
	}
	return
}
