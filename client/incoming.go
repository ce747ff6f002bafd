package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tg123/mqbroker/protocol"
)

// IncomingMessage is a delivery waiting for its verdict. Persistent messages
// that are never acknowledged are delivered again.
type IncomingMessage struct {
	*protocol.DataTransferMessage

	client    *Client
	responded atomic.Bool
}

// Acknowledge tells the broker the message was handled and may be dropped.
func (m *IncomingMessage) Acknowledge() error {
	return m.respond(true, "")
}

// Reject tells the broker the message was not handled.
func (m *IncomingMessage) Reject(reason string) error {
	return m.respond(false, reason)
}

// Responded reports whether Acknowledge or Reject was already called.
func (m *IncomingMessage) Responded() bool {
	return m.responded.Load()
}

func (m *IncomingMessage) respond(success bool, text string) error {
	if !m.responded.CompareAndSwap(false, true) {
		return nil
	}

	resp := &protocol.DataTransferResponseMessage{
		Result:    &protocol.OperationResultMessage{Success: success, ResultText: text},
		TimeStamp: time.Now(),
	}
	resp.MessageID = uuid.NewString()
	resp.RepliedMessageID = m.MessageID

	if err := m.client.session.Send(resp); err != nil {
		m.responded.Store(false)
		return err
	}

	return nil
}

// Reply sends data back to the source application of m, keeping its transmit
// rule. The reply carries the id of m as RepliedMessageID.
func (m *IncomingMessage) Reply(ctx context.Context, data []byte) error {
	reply := m.client.CreateMessage(m.SourceServerName, m.SourceApplicationName, data)
	reply.RepliedMessageID = m.MessageID
	reply.TransmitRule = m.TransmitRule

	return m.client.SendMessage(ctx, reply)
}
