package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tg123/mqbroker/controller"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/transport"
)

// target is anything a message can be delivered through: an accepted
// communicator or an outgoing session to a neighbour.
type target interface {
	Send(msg protocol.Message) error
	SendAndWait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error)
}

var (
	_ target = (*remote)(nil)
	_ target = (*controller.Session)(nil)
)

// remote is an accepted communicator with the deliveries waiting for its
// acknowledgements.
type remote struct {
	comm    *transport.Communicator
	waiting *controller.WaitingTable
}

func (r *remote) Send(msg protocol.Message) error {
	if msg.Headers().MessageID == "" {
		msg.Headers().MessageID = uuid.NewString()
	}
	return r.comm.Send(msg)
}

func (r *remote) SendAndWait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if msg.Headers().MessageID == "" {
		msg.Headers().MessageID = uuid.NewString()
	}

	w := r.waiting.Put(msg.Headers().MessageID)
	if err := r.comm.Send(msg); err != nil {
		w.Close()
		return nil, err
	}

	if r.comm.State() == transport.StateClosed {
		w.Close()
	}

	return w.Wait(ctx, timeout)
}

func (r *remote) connected() bool {
	return r.comm.State() == transport.StateConnected
}

func (r *remote) receiving() bool {
	return r.connected() && r.comm.Way() == protocol.CommunicationWaySendAndReceive
}

func (b *Broker) accepted(c *transport.Communicator) {
	r := &remote{comm: c, waiting: &controller.WaitingTable{}}

	b.mu.Lock()
	b.remotes[c.ID()] = r
	b.mu.Unlock()

	c.OnMessageReceived(func(_ *transport.Communicator, msg protocol.Message) {
		b.received(r, msg)
	})

	c.OnStateChanged(func(c *transport.Communicator, old transport.State) {
		if c.State() == transport.StateClosed {
			r.waiting.Close()
			b.unregister(r)
		}
	})
}

func (b *Broker) unregister(r *remote) {
	id := r.comm.ID()

	b.mu.Lock()
	if _, ok := b.remotes[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.remotes, id)

	reg := r.comm.Registration()
	if reg == nil {
		b.mu.Unlock()
		return
	}

	var refresh *application
	switch reg.Type {
	case protocol.CommunicatorTypeApplication:
		if app, ok := b.apps[reg.Name]; ok {
			delete(app.communicators, id)
			refresh = app
		}
	case protocol.CommunicatorTypeServer:
		if m, ok := b.servers[reg.Name]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.servers, reg.Name)
			}
		}
	case protocol.CommunicatorTypeController:
		delete(b.controllers, id)
	}

	var count int32
	if refresh != nil {
		count = int32(len(refresh.communicators))
	}
	b.mu.Unlock()

	b.metrics.Communicators.Dec()
	logger.Info().Str(logging.EVENT, "UNREGISTERED").Int64(logging.ID, id).Str(logging.NAME, reg.Name).Str("type", reg.Type.String()).Msg("")

	if refresh != nil {
		b.broadcast(refreshEvent(reg.Name, count))
	}
}

// received runs on the read loop of r.
func (b *Broker) received(r *remote, msg protocol.Message) {
	switch msg.(type) {
	case *protocol.DataTransferResponseMessage, *protocol.OperationResultMessage:
		if !r.waiting.Feed(msg) {
			logger.Debug().Str(logging.EVENT, "UNEXPECTED_RESPONSE").Int64(logging.ID, r.comm.ID()).Str("replied", msg.Headers().RepliedMessageID).Msg("")
		}
		return
	}

	reg := r.comm.Registration()
	if reg == nil {
		register, ok := msg.(*protocol.RegisterMessage)
		if !ok {
			reply(r, msg, false, "register first")
			r.comm.Disconnect()
			return
		}

		b.register(r, register)
		return
	}

	switch m := msg.(type) {
	case *protocol.PingMessage:
	case *protocol.RegisterMessage:
		reply(r, m, false, "already registered")
	case *protocol.ChangeCommunicationWayMessage:
		r.comm.SetWay(m.CommunicationWay)
		if reg.Type == protocol.CommunicatorTypeApplication && m.CommunicationWay == protocol.CommunicationWaySendAndReceive {
			b.kick(localKey(b.name, reg.Name))
		}
	case *protocol.DataTransferMessage:
		b.transfer(r, reg, r.comm.ID(), m)
	case *protocol.ControllerMessage:
		if reg.Type != protocol.CommunicatorTypeController {
			reply(r, m, false, "not a controller")
			return
		}
		b.control(r, m)
	}
}

func (b *Broker) register(r *remote, m *protocol.RegisterMessage) {
	id := r.comm.ID()
	fail := func(text string) {
		logger.Warn().Str(logging.EVENT, "REGISTRATION_REJECTED").Int64(logging.ID, id).Str(logging.NAME, m.Name).Str(logging.REMOTE, r.comm.RemoteAddr()).Msg(text)
		reply(r, m, false, text)
		r.comm.Disconnect()
	}

	if b.password != "" && m.Password != b.password {
		fail("invalid password")
		return
	}

	r.comm.SetWay(m.CommunicationWay)
	reg := &transport.Registration{Type: m.CommunicatorType, Name: m.Name, Password: m.Password}

	var refresh int32 = -1
	b.mu.Lock()
	if _, ok := b.remotes[id]; !ok {
		b.mu.Unlock()
		return
	}

	switch m.CommunicatorType {
	case protocol.CommunicatorTypeApplication:
		app, ok := b.apps[m.Name]
		if !ok {
			b.mu.Unlock()
			fail("unknown application " + m.Name)
			return
		}
		app.communicators[id] = r
		refresh = int32(len(app.communicators))
	case protocol.CommunicatorTypeServer:
		if !b.graph.adjacent(b.name, m.Name) {
			b.mu.Unlock()
			fail("server " + m.Name + " is not adjacent to " + b.name)
			return
		}
		if b.servers[m.Name] == nil {
			b.servers[m.Name] = make(map[int64]*remote)
		}
		b.servers[m.Name][id] = r
	case protocol.CommunicatorTypeController:
		b.controllers[id] = r
	default:
		b.mu.Unlock()
		fail("unknown communicator type " + m.CommunicatorType.String())
		return
	}

	r.comm.SetRegistration(reg)
	b.mu.Unlock()

	b.metrics.Communicators.Inc()
	logger.Info().Str(logging.EVENT, "REGISTERED").Int64(logging.ID, id).Str(logging.NAME, m.Name).Str("type", m.CommunicatorType.String()).Msg("")
	reply(r, m, true, "")

	switch m.CommunicatorType {
	case protocol.CommunicatorTypeApplication:
		b.broadcast(refreshEvent(m.Name, refresh))
		b.reset(localKey(b.name, m.Name))
	case protocol.CommunicatorTypeServer:
		b.reset(serverKey(m.Name))
	}
}

// reply answers msg with an OperationResultMessage.
func reply(to target, msg protocol.Message, success bool, text string) {
	result := &protocol.OperationResultMessage{Success: success, ResultText: text}
	result.RepliedMessageID = msg.Headers().MessageID
	if err := to.Send(result); err != nil {
		logger.Debug().Str(logging.EVENT, "REPLY_FAILED").Err(err).Msg("")
	}
}
