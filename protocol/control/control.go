// Package control defines the management messages exchanged between a broker
// and controller clients. They travel inside protocol.ControllerMessage frames.
package control

import (
	"bytes"
	"fmt"

	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/serialization"
)

type MessageType int32

const (
	MessageTypeGetApplicationList                MessageType = 101
	MessageTypeGetApplicationListResponse        MessageType = 102
	MessageTypeAddNewApplication                 MessageType = 103
	MessageTypeRemoveApplication                 MessageType = 104
	MessageTypeRemoveApplicationResponse         MessageType = 105
	MessageTypeClientApplicationRefreshEvent     MessageType = 106
	MessageTypeClientApplicationRemovedEvent     MessageType = 107
	MessageTypeGetServerGraph                    MessageType = 108
	MessageTypeGetServerGraphResponse            MessageType = 109
	MessageTypeUpdateServerGraph                 MessageType = 110
	MessageTypeGetApplicationWebServices         MessageType = 111
	MessageTypeGetApplicationWebServicesResponse MessageType = 112
	MessageTypeUpdateApplicationWebServices      MessageType = 113
	MessageTypeOperationResult                   MessageType = 114
)

// Message is implemented by every control plane message.
type Message interface {
	serialization.Serializable
	Type() MessageType
}

// NewMessage maps a control type id to an empty message of that type.
func NewMessage(typ MessageType) (Message, error) {
	switch typ {
	case MessageTypeGetApplicationList:
		return &GetApplicationListMessage{}, nil
	case MessageTypeGetApplicationListResponse:
		return &GetApplicationListResponseMessage{}, nil
	case MessageTypeAddNewApplication:
		return &AddNewApplicationMessage{}, nil
	case MessageTypeRemoveApplication:
		return &RemoveApplicationMessage{}, nil
	case MessageTypeRemoveApplicationResponse:
		return &RemoveApplicationResponseMessage{}, nil
	case MessageTypeClientApplicationRefreshEvent:
		return &ClientApplicationRefreshEventMessage{}, nil
	case MessageTypeClientApplicationRemovedEvent:
		return &ClientApplicationRemovedEventMessage{}, nil
	case MessageTypeGetServerGraph:
		return &GetServerGraphMessage{}, nil
	case MessageTypeGetServerGraphResponse:
		return &GetServerGraphResponseMessage{}, nil
	case MessageTypeUpdateServerGraph:
		return &UpdateServerGraphMessage{}, nil
	case MessageTypeGetApplicationWebServices:
		return &GetApplicationWebServicesMessage{}, nil
	case MessageTypeGetApplicationWebServicesResponse:
		return &GetApplicationWebServicesResponseMessage{}, nil
	case MessageTypeUpdateApplicationWebServices:
		return &UpdateApplicationWebServicesMessage{}, nil
	case MessageTypeOperationResult:
		return &OperationResultMessage{}, nil
	}

	return nil, &protocol.ProtocolError{
		Err:    protocol.ErrUnknownMessageType,
		Detail: fmt.Sprintf("control type id %d", int32(typ)),
	}
}

// Wrap serializes msg into a ControllerMessage ready to be sent.
func Wrap(msg Message) (*protocol.ControllerMessage, error) {
	var buf bytes.Buffer
	w := serialization.NewWriter(&buf)
	if err := msg.Serialize(w); err != nil {
		return nil, err
	}

	return &protocol.ControllerMessage{
		ControllerMessageTypeID: int32(msg.Type()),
		MessageData:             buf.Bytes(),
	}, nil
}

// Unwrap decodes the control message carried by cm.
func Unwrap(cm *protocol.ControllerMessage) (Message, error) {
	msg, err := NewMessage(MessageType(cm.ControllerMessageTypeID))
	if err != nil {
		return nil, err
	}

	if err := msg.Deserialize(serialization.NewReader(bytes.NewReader(cm.MessageData))); err != nil {
		return nil, err
	}

	return msg, nil
}
