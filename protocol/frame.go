package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/tg123/mqbroker/serialization"
)

// Magic starts every frame ("MQBK").
const Magic uint32 = 0x4D51424B

// MaxMessageSize bounds an encoded frame.
const MaxMessageSize = serialization.MaxLength

var (
	ErrBadMagic           = errors.New("bad protocol magic")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageTooLarge    = errors.New("message too large")
)

type ProtocolError struct {
	Err    error
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}

	return fmt.Sprintf("protocol: %v: %v", e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewMessage maps a type id to an empty message of that type.
func NewMessage(typ MessageType) (Message, error) {
	switch typ {
	case MessageTypeOperationResult:
		return &OperationResultMessage{}, nil
	case MessageTypePing:
		return &PingMessage{}, nil
	case MessageTypeRegister:
		return &RegisterMessage{}, nil
	case MessageTypeChangeCommunicationWay:
		return &ChangeCommunicationWayMessage{}, nil
	case MessageTypeDataTransfer:
		return &DataTransferMessage{}, nil
	case MessageTypeDataTransferResponse:
		return &DataTransferResponseMessage{}, nil
	case MessageTypeController:
		return &ControllerMessage{}, nil
	}

	return nil, &ProtocolError{Err: ErrUnknownMessageType, Detail: fmt.Sprintf("type id %d", int32(typ))}
}

// Marshal encodes msg as a complete frame.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	w := serialization.NewWriter(&buf)
	w.WriteUInt32(Magic)
	w.WriteInt32(int32(msg.Type()))
	if err := msg.Serialize(w); err != nil {
		return nil, err
	}

	if buf.Len() > MaxMessageSize {
		return nil, &ProtocolError{
			Err:    ErrMessageTooLarge,
			Detail: fmt.Sprintf("%v exceeds %v", humanize.IBytes(uint64(buf.Len())), humanize.IBytes(MaxMessageSize)),
		}
	}

	return buf.Bytes(), nil
}

func WriteMessage(w io.Writer, msg Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// ReadMessage decodes exactly one frame from r.
// It returns io.EOF when r ends cleanly before a frame starts.
func ReadMessage(r io.Reader) (Message, error) {
	// one byte past the limit tells an oversized frame from a truncated one
	lr := &io.LimitedReader{R: r, N: MaxMessageSize + 1}
	sr := serialization.NewReader(lr)

	magic := sr.ReadUInt32()
	if err := sr.Err(); err != nil {
		return nil, err
	}

	if magic != Magic {
		return nil, &ProtocolError{Err: ErrBadMagic, Detail: fmt.Sprintf("got 0x%08X", magic)}
	}

	typ := MessageType(sr.ReadInt32())
	if err := sr.Err(); err != nil {
		return nil, err
	}

	msg, err := NewMessage(typ)
	if err != nil {
		return nil, err
	}

	if err := msg.Deserialize(sr); err != nil {
		if lr.N <= 0 {
			return nil, &ProtocolError{Err: ErrMessageTooLarge, Detail: "frame exceeds " + humanize.IBytes(MaxMessageSize)}
		}
		return nil, err
	}

	if sr.Consumed() > MaxMessageSize {
		return nil, &ProtocolError{Err: ErrMessageTooLarge, Detail: humanize.IBytes(uint64(sr.Consumed()))}
	}

	return msg, nil
}

// IsProtocolError reports whether err means the peer sent malformed data, as
// opposed to a transport failure.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	var ce *serialization.CodecError
	return errors.As(err, &pe) || errors.As(err, &ce)
}
