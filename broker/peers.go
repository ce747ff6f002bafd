package broker

import (
	"context"

	"github.com/tg123/mqbroker/controller"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/transport"
)

// peer is the outgoing session to a neighbour.
type peer struct {
	name    string
	address string
	session *controller.Session
}

// syncPeers opens a session to every neighbour that has none and closes the
// sessions to servers that are no longer neighbours.
func (b *Broker) syncPeers() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}

	want := map[string]string{}
	for _, name := range b.graph.neighbours(b.name) {
		want[name] = b.graph.address(name)
	}

	var closing []*peer
	for name, p := range b.peers {
		if addr, ok := want[name]; !ok || addr != p.address {
			closing = append(closing, p)
			delete(b.peers, name)
		}
	}

	for name, addr := range want {
		if _, ok := b.peers[name]; ok {
			continue
		}

		p := b.newPeer(name, addr)
		b.peers[name] = p
		b.t.Go(func() error {
			ctx, cancel := context.WithTimeout(b.t.Context(nil), b.deliveryTimeout)
			defer cancel()

			// the session keeps retrying on its own timer
			if err := p.session.Connect(ctx); err != nil {
				logger.Warn().Str(logging.EVENT, "PEER_CONNECT_FAILED").Str(logging.NAME, p.name).Str("address", p.address).Err(err).Msg("")
			}
			return nil
		})
	}
	b.mu.Unlock()

	for _, p := range closing {
		logger.Info().Str(logging.EVENT, "PEER_CLOSED").Str(logging.NAME, p.name).Msg("")
		p.session.Close()
	}
}

func (b *Broker) newPeer(name, address string) *peer {
	p := &peer{name: name, address: address}
	p.session = controller.NewSession(controller.SessionConfig{
		Address:                address,
		Type:                   protocol.CommunicatorTypeServer,
		Way:                    protocol.CommunicationWaySendAndReceive,
		Name:                   b.name,
		Password:               b.password,
		ReconnectCheckInterval: b.reconnectInterval,
		ResponseTimeout:        b.deliveryTimeout,
	})

	reg := &transport.Registration{Type: protocol.CommunicatorTypeServer, Name: name}
	p.session.OnMessageReceived(func(msg protocol.Message) {
		switch m := msg.(type) {
		case *protocol.DataTransferMessage:
			b.transfer(p.session, reg, 0, m)
		case *protocol.PingMessage, *protocol.DataTransferResponseMessage, *protocol.OperationResultMessage:
		default:
			logger.Debug().Str(logging.EVENT, "IGNORED").Str(logging.NAME, name).Str("type", msg.Type().String()).Msg("")
		}
	})

	p.session.OnConnected(func(*controller.Session) {
		logger.Info().Str(logging.EVENT, "PEER_CONNECTED").Str(logging.NAME, name).Str("address", address).Msg("")
		b.reset(serverKey(name))
	})

	return p
}
