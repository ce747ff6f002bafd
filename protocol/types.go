package protocol

import (
	"fmt"
	"strings"
)

type MessageType int32

const (
	MessageTypeOperationResult        MessageType = 1
	MessageTypePing                   MessageType = 2
	MessageTypeRegister               MessageType = 3
	MessageTypeChangeCommunicationWay MessageType = 4
	MessageTypeDataTransfer           MessageType = 5
	MessageTypeDataTransferResponse   MessageType = 6
	MessageTypeController             MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeOperationResult:
		return "OperationResult"
	case MessageTypePing:
		return "Ping"
	case MessageTypeRegister:
		return "Register"
	case MessageTypeChangeCommunicationWay:
		return "ChangeCommunicationWay"
	case MessageTypeDataTransfer:
		return "DataTransfer"
	case MessageTypeDataTransferResponse:
		return "DataTransferResponse"
	case MessageTypeController:
		return "Controller"
	}

	return fmt.Sprintf("MessageType(%d)", int32(t))
}

type TransmitRule byte

const (
	// StoreAndForward messages are persisted before delivery and removed once acknowledged.
	StoreAndForward TransmitRule = 0
	// NonPersistent messages are delivered best effort and never stored.
	NonPersistent TransmitRule = 1
)

func (r TransmitRule) String() string {
	switch r {
	case StoreAndForward:
		return "StoreAndForward"
	case NonPersistent:
		return "NonPersistent"
	}

	return fmt.Sprintf("TransmitRule(%d)", byte(r))
}

// ParseTransmitRule accepts the names returned by TransmitRule.String, case insensitive.
func ParseTransmitRule(s string) (TransmitRule, error) {
	switch {
	case strings.EqualFold(s, "StoreAndForward"), strings.EqualFold(s, "persistent"):
		return StoreAndForward, nil
	case strings.EqualFold(s, "NonPersistent"):
		return NonPersistent, nil
	}

	return 0, fmt.Errorf("unknown transmit rule %q", s)
}

type CommunicatorType int32

const (
	CommunicatorTypeApplication CommunicatorType = 1
	CommunicatorTypeServer      CommunicatorType = 2
	CommunicatorTypeController  CommunicatorType = 3
)

func (t CommunicatorType) String() string {
	switch t {
	case CommunicatorTypeApplication:
		return "Application"
	case CommunicatorTypeServer:
		return "Server"
	case CommunicatorTypeController:
		return "Controller"
	}

	return fmt.Sprintf("CommunicatorType(%d)", int32(t))
}

type CommunicationWay int32

const (
	CommunicationWaySendAndReceive CommunicationWay = 0
	CommunicationWaySend           CommunicationWay = 1
)

func (w CommunicationWay) String() string {
	switch w {
	case CommunicationWaySendAndReceive:
		return "SendAndReceive"
	case CommunicationWaySend:
		return "Send"
	}

	return fmt.Sprintf("CommunicationWay(%d)", int32(w))
}
