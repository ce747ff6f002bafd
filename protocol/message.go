package protocol

import (
	"time"

	"github.com/tg123/mqbroker/serialization"
)

// Message is the closed set of frames exchanged between communicators.
type Message interface {
	serialization.Serializable
	Type() MessageType
	Headers() *MessageHeader
}

// MessageHeader is carried by every message. MessageID is assigned once by the
// creator, RepliedMessageID is set on responses.
type MessageHeader struct {
	MessageID        string
	RepliedMessageID string
}

func (h *MessageHeader) Headers() *MessageHeader {
	return h
}

func (h *MessageHeader) serialize(w *serialization.Writer) {
	w.WriteString(h.MessageID)
	w.WriteString(h.RepliedMessageID)
}

func (h *MessageHeader) deserialize(r *serialization.Reader) {
	h.MessageID = r.ReadString()
	h.RepliedMessageID = r.ReadString()
}

type OperationResultMessage struct {
	MessageHeader
	Success    bool
	ResultText string
}

func (m *OperationResultMessage) Type() MessageType { return MessageTypeOperationResult }

func (m *OperationResultMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	w.WriteBool(m.Success)
	w.WriteString(m.ResultText)
	return w.Err()
}

func (m *OperationResultMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.Success = r.ReadBool()
	m.ResultText = r.ReadString()
	return r.Err()
}

type PingMessage struct {
	MessageHeader
}

func (m *PingMessage) Type() MessageType { return MessageTypePing }

func (m *PingMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	return w.Err()
}

func (m *PingMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	return r.Err()
}

// RegisterMessage is the first frame a client sends after connecting.
type RegisterMessage struct {
	MessageHeader
	CommunicatorType CommunicatorType
	CommunicationWay CommunicationWay
	Name             string
	Password         string
}

func (m *RegisterMessage) Type() MessageType { return MessageTypeRegister }

func (m *RegisterMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	w.WriteInt32(int32(m.CommunicatorType))
	w.WriteInt32(int32(m.CommunicationWay))
	w.WriteString(m.Name)
	w.WriteString(m.Password)
	return w.Err()
}

func (m *RegisterMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.CommunicatorType = CommunicatorType(r.ReadInt32())
	m.CommunicationWay = CommunicationWay(r.ReadInt32())
	m.Name = r.ReadString()
	m.Password = r.ReadString()
	return r.Err()
}

type ChangeCommunicationWayMessage struct {
	MessageHeader
	CommunicationWay CommunicationWay
}

func (m *ChangeCommunicationWayMessage) Type() MessageType {
	return MessageTypeChangeCommunicationWay
}

func (m *ChangeCommunicationWayMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	w.WriteInt32(int32(m.CommunicationWay))
	return w.Err()
}

func (m *ChangeCommunicationWayMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.CommunicationWay = CommunicationWay(r.ReadInt32())
	return r.Err()
}

// ServerTransmitReport records one hop of a DataTransferMessage.
type ServerTransmitReport struct {
	ServerName   string
	ArrivingTime time.Time
	LeavingTime  time.Time
}

func (s *ServerTransmitReport) Serialize(w *serialization.Writer) error {
	w.WriteString(s.ServerName)
	w.WriteTime(s.ArrivingTime)
	w.WriteTime(s.LeavingTime)
	return w.Err()
}

func (s *ServerTransmitReport) Deserialize(r *serialization.Reader) error {
	s.ServerName = r.ReadString()
	s.ArrivingTime = r.ReadTime()
	s.LeavingTime = r.ReadTime()
	return r.Err()
}

// DataTransferMessage is the envelope of application data.
type DataTransferMessage struct {
	MessageHeader
	SourceServerName           string
	SourceApplicationName      string
	SourceCommunicatorID       int64
	DestinationServerName      string
	DestinationApplicationName string
	DestinationCommunicatorID  int64
	PassedServers              []*ServerTransmitReport
	MessageData                []byte
	TransmitRule               TransmitRule
}

func (m *DataTransferMessage) Type() MessageType { return MessageTypeDataTransfer }

func (m *DataTransferMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	w.WriteString(m.SourceServerName)
	w.WriteString(m.SourceApplicationName)
	w.WriteInt64(m.SourceCommunicatorID)
	w.WriteString(m.DestinationServerName)
	w.WriteString(m.DestinationApplicationName)
	w.WriteInt64(m.DestinationCommunicatorID)
	serialization.WriteObjectArray(w, m.PassedServers)
	w.WriteBytes(m.MessageData)
	w.WriteUInt8(byte(m.TransmitRule))
	return w.Err()
}

func (m *DataTransferMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.SourceServerName = r.ReadString()
	m.SourceApplicationName = r.ReadString()
	m.SourceCommunicatorID = r.ReadInt64()
	m.DestinationServerName = r.ReadString()
	m.DestinationApplicationName = r.ReadString()
	m.DestinationCommunicatorID = r.ReadInt64()
	m.PassedServers = serialization.ReadObjectArray[ServerTransmitReport](r)
	m.MessageData = r.ReadBytes()
	m.TransmitRule = TransmitRule(r.ReadUInt8())
	return r.Err()
}

// AddPassedServer appends a hop, existing hops are never modified.
func (m *DataTransferMessage) AddPassedServer(report *ServerTransmitReport) {
	m.PassedServers = append(m.PassedServers, report)
}

// HasPassed reports whether the message already traversed server.
func (m *DataTransferMessage) HasPassed(server string) bool {
	for _, p := range m.PassedServers {
		if p != nil && p.ServerName == server {
			return true
		}
	}

	return false
}

// DataTransferResponseMessage acknowledges (or rejects) a delivered DataTransferMessage.
type DataTransferResponseMessage struct {
	MessageHeader
	Result    *OperationResultMessage
	TimeStamp time.Time
}

func (m *DataTransferResponseMessage) Type() MessageType { return MessageTypeDataTransferResponse }

func (m *DataTransferResponseMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	serialization.WriteObject(w, m.Result)
	w.WriteTime(m.TimeStamp)
	return w.Err()
}

func (m *DataTransferResponseMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.Result = serialization.ReadObject[OperationResultMessage](r)
	m.TimeStamp = r.ReadTime()
	return r.Err()
}

func (m *DataTransferResponseMessage) Success() bool {
	return m.Result != nil && m.Result.Success
}

// ControllerMessage carries a control plane message identified by its own type id.
type ControllerMessage struct {
	MessageHeader
	ControllerMessageTypeID int32
	MessageData             []byte
}

func (m *ControllerMessage) Type() MessageType { return MessageTypeController }

func (m *ControllerMessage) Serialize(w *serialization.Writer) error {
	m.serialize(w)
	w.WriteInt32(m.ControllerMessageTypeID)
	w.WriteBytes(m.MessageData)
	return w.Err()
}

func (m *ControllerMessage) Deserialize(r *serialization.Reader) error {
	m.deserialize(r)
	m.ControllerMessageTypeID = r.ReadInt32()
	m.MessageData = r.ReadBytes()
	return r.Err()
}
