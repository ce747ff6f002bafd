package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/storage"
	"github.com/tg123/mqbroker/transport"
)

var ErrLoop = errors.New("message already passed this server")

// transfer accepts an envelope from an application or a neighbour and answers
// it. Applications get an OperationResultMessage, neighbours a
// DataTransferResponseMessage, the acknowledgement their delivery queue
// waits for.
func (b *Broker) transfer(from target, reg *transport.Registration, commID int64, m *protocol.DataTransferMessage) {
	b.metrics.MessageReceived(m.TransmitRule)

	err := b.accept(reg, commID, m)
	if err != nil {
		logger.Warn().Str(logging.EVENT, "TRANSFER_REJECTED").Str(logging.ID, m.MessageID).Str(logging.NAME, reg.Name).Err(err).Msg("")
	}

	text := ""
	if err != nil {
		text = err.Error()
	}

	if reg.Type == protocol.CommunicatorTypeServer {
		resp := &protocol.DataTransferResponseMessage{
			Result:    &protocol.OperationResultMessage{Success: err == nil, ResultText: text},
			TimeStamp: time.Now(),
		}
		resp.RepliedMessageID = m.MessageID
		if err := from.Send(resp); err != nil {
			logger.Debug().Str(logging.EVENT, "REPLY_FAILED").Err(err).Msg("")
		}
		return
	}

	reply(from, m, err == nil, text)
}

func (b *Broker) accept(reg *transport.Registration, commID int64, m *protocol.DataTransferMessage) error {
	switch reg.Type {
	case protocol.CommunicatorTypeApplication:
		m.SourceCommunicatorID = commID
		if m.SourceApplicationName == "" {
			m.SourceApplicationName = reg.Name
		}
	case protocol.CommunicatorTypeServer:
		if m.HasPassed(b.name) {
			return ErrLoop
		}
	default:
		return fmt.Errorf("%v communicators cannot send data", reg.Type)
	}

	if m.SourceServerName == "" {
		m.SourceServerName = b.name
	}

	if m.DestinationServerName == "" {
		m.DestinationServerName = b.name
	}

	m.AddPassedServer(&protocol.ServerTransmitReport{ServerName: b.name, ArrivingTime: time.Now()})
	b.routes.ApplyRouting(m)

	next, err := b.nextServer(m.DestinationServerName)
	if err != nil {
		return err
	}

	if next == b.name {
		b.mu.RLock()
		_, ok := b.apps[m.DestinationApplicationName]
		b.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownApplication, m.DestinationApplicationName)
		}
	}

	if m.TransmitRule == protocol.NonPersistent {
		return b.deliverNow(next, m)
	}

	id, err := b.storage.StoreMessage(storage.NewMessageRecord(m, next))
	if err != nil {
		return err
	}

	b.metrics.Stored.Inc()
	logger.Debug().Str(logging.EVENT, "STORED").Str(logging.ID, m.MessageID).Int64("record", id).Str("next", next).Msg("")

	if next == b.name {
		b.kick(localKey(b.name, m.DestinationApplicationName))
	} else {
		b.kick(serverKey(next))
	}

	return nil
}

// deliverNow sends a non-persistent message without waiting for its
// acknowledgement.
func (b *Broker) deliverNow(next string, m *protocol.DataTransferMessage) error {
	var to target
	if next == b.name {
		to = b.applicationTarget(m.DestinationApplicationName)
	} else {
		to = b.serverTarget(next)
	}

	if to == nil {
		return ErrNoCommunicator
	}

	leaving(m, b.name)
	if err := to.Send(m); err != nil {
		b.metrics.DeliveryFailures.Inc()
		return err
	}

	b.metrics.Delivered.Inc()
	return nil
}

// leaving stamps the departure time on the last hop report of server.
func leaving(m *protocol.DataTransferMessage, server string) {
	for i := len(m.PassedServers) - 1; i >= 0; i-- {
		if p := m.PassedServers[i]; p != nil && p.ServerName == server {
			p.LeavingTime = time.Now()
			return
		}
	}
}

// applicationTarget picks a receiving communicator of app in turn.
func (b *Broker) applicationTarget(name string) target {
	b.mu.Lock()
	defer b.mu.Unlock()

	app, ok := b.apps[name]
	if !ok {
		return nil
	}

	var candidates []*remote
	for _, r := range app.communicators {
		if r.receiving() {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	sortRemotes(candidates)
	app.next++
	return candidates[app.next%len(candidates)]
}

// serverTarget prefers the outgoing session to name and falls back to a
// communicator name opened to this server.
func (b *Broker) serverTarget(name string) target {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, ok := b.peers[name]; ok && p.session.Connected() {
		return p.session
	}

	var candidates []*remote
	for _, r := range b.servers[name] {
		if r.receiving() {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	sortRemotes(candidates)
	return candidates[0]
}
