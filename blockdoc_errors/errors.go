// Provides common blockdoc errors definitions.
package blockdoc_errors

import "errors"

var (
	ErrMalformedUpdate = errors.New("blockdoc: malformed update")
	ErrIndexOutOfRange = errors.New("blockdoc: index out of range")
	ErrReadOnly        = errors.New("blockdoc: read-only transaction")
	ErrTxClosed        = errors.New("blockdoc: transaction already closed")
	ErrKeyNotFound     = errors.New("blockdoc: key not found")

	ErrBlockNotFound    = errors.New("blockdoc: block not found")
	ErrUnknownBlockType = errors.New("blockdoc: unknown block type")

	ErrDestroyed    = errors.New("blockdoc: provider destroyed")
	ErrNotConnected = errors.New("blockdoc: not connected")
	ErrClosed       = errors.New("blockdoc: connection closed")
	ErrBadEnvelope  = errors.New("blockdoc: bad envelope")
	ErrBadFrame     = errors.New("blockdoc: bad frame")
)
