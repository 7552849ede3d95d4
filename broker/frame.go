package broker

import (
	"encoding/json"
	"fmt"
)

// Relay frame commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Frame is one WebSocket text message between a client and the relay.
//
//	CONNECT      heartbeat                      client hello
//	CONNECTED    heartbeat, session             relay hello
//	SUBSCRIBE    destination (topic), id, receipt
//	UNSUBSCRIBE  id
//	SEND         destination (/app/...), body
//	MESSAGE      destination (topic), id, body
//	RECEIPT      receipt                        subscription is live
//	ERROR        message, receipt if any
type Frame struct {
	Command     string `json:"command"`
	Destination string `json:"destination,omitempty"`
	ID          string `json:"id,omitempty"`
	Receipt     string `json:"receipt,omitempty"`
	Session     string `json:"session,omitempty"`
	// heartbeat period in milliseconds
	Heartbeat int64  `json:"heartbeat,omitempty"`
	Message   string `json:"message,omitempty"`
	Body      []byte `json:"body,omitempty"`
}

func (f *Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// Validate checks the fields the command needs are there.
func (f *Frame) Validate() error {
	missing := ""
	switch f.Command {
	case CmdConnect, CmdConnected, CmdError:
	case CmdSubscribe:
		switch {
		case f.Destination == "":
			missing = "destination"
		case f.ID == "":
			missing = "id"
		}
	case CmdUnsubscribe:
		if f.ID == "" {
			missing = "id"
		}
	case CmdSend, CmdMessage:
		if f.Destination == "" {
			missing = "destination"
		}
	case CmdReceipt:
		if f.Receipt == "" {
			missing = "receipt"
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrBadFrame, f.Command)
	}
	if missing != "" {
		return fmt.Errorf("%w: %s without %s", ErrBadFrame, f.Command, missing)
	}
	return nil
}

func ParseFrame(data []byte) (f Frame, err error) {
	if err = json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	err = f.Validate()
	return
}
