package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/transport"
)

// fakeBroker accepts registrations and hands every other message to handle.
type fakeBroker struct {
	m      *transport.Manager
	reject atomic.Bool
	handle func(c *transport.Communicator, msg protocol.Message)

	registrations atomic.Int32
	pings         atomic.Int32
}

func newFakeBroker(t *testing.T, handle func(c *transport.Communicator, msg protocol.Message)) *fakeBroker {
	b := &fakeBroker{handle: handle}
	b.m = transport.NewManager(transport.ManagerConfig{
		Address: "127.0.0.1:0",
		OnCommunicatorConnected: func(c *transport.Communicator) {
			c.OnMessageReceived(b.received)
		},
	})
	require.NoError(t, b.m.Start())
	t.Cleanup(func() { b.m.Stop() })
	return b
}

func (b *fakeBroker) received(c *transport.Communicator, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RegisterMessage:
		b.registrations.Add(1)
		reply := &protocol.OperationResultMessage{Success: !b.reject.Load()}
		if !reply.Success {
			reply.ResultText = "unknown application " + m.Name
		}
		reply.RepliedMessageID = m.MessageID
		c.Send(reply)
		return
	case *protocol.PingMessage:
		b.pings.Add(1)
		return
	}

	if b.handle != nil {
		b.handle(c, msg)
	}
}

func (b *fakeBroker) addr() string {
	return b.m.Addr().String()
}

// echo replies to every DataTransferMessage with its payload reversed.
func echo(c *transport.Communicator, msg protocol.Message) {
	dt, ok := msg.(*protocol.DataTransferMessage)
	if !ok {
		return
	}

	data := append([]byte(nil), dt.MessageData...)
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}

	reply := &protocol.DataTransferMessage{MessageData: data}
	reply.MessageID = "reply-" + dt.MessageID
	reply.RepliedMessageID = dt.MessageID
	c.Send(reply)
}

func TestSessionSendAndWait(t *testing.T) {
	b := newFakeBroker(t, echo)

	s := NewSession(SessionConfig{Address: b.addr(), Name: "app1"})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())
	assert.Equal(t, int32(1), b.registrations.Load())

	msg := &protocol.DataTransferMessage{MessageData: []byte{1, 2, 3}}
	reply, err := s.SendAndWait(context.Background(), msg, time.Second)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.MessageID, "id assigned")
	assert.Equal(t, msg.MessageID, reply.Headers().RepliedMessageID)
	assert.Equal(t, []byte{3, 2, 1}, reply.(*protocol.DataTransferMessage).MessageData)
}

func TestSessionUnsolicited(t *testing.T) {
	var pushed atomic.Pointer[transport.Communicator]
	b := newFakeBroker(t, func(c *transport.Communicator, msg protocol.Message) {
		pushed.Store(c)
	})

	got := make(chan string, 8)
	s := NewSession(SessionConfig{Address: b.addr(), Name: "app1"})
	s.OnMessageReceived(func(msg protocol.Message) {
		got <- msg.Headers().MessageID
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	// tell the broker which communicator to push to
	require.NoError(t, s.Send(&protocol.ControllerMessage{}))
	require.Eventually(t, func() bool { return pushed.Load() != nil }, 5*time.Second, 10*time.Millisecond)

	for _, id := range []string{"e1", "e2", "e3"} {
		m := &protocol.DataTransferMessage{}
		m.MessageID = id
		// replies to nobody, so they are not consumed by the waiting table
		m.RepliedMessageID = "unknown-" + id
		require.NoError(t, pushed.Load().Send(m))
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		select {
		case v := <-got:
			assert.Equal(t, id, v)
		case <-time.After(5 * time.Second):
			t.Fatal("unsolicited message not delivered")
		}
	}
}

func TestSessionDisconnectReleasesWaiters(t *testing.T) {
	b := newFakeBroker(t, func(c *transport.Communicator, msg protocol.Message) {
		c.Disconnect()
	})

	s := NewSession(SessionConfig{Address: b.addr(), Name: "app1", ReconnectCheckInterval: time.Hour})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))

	st := time.Now()
	_, err := s.SendAndWait(context.Background(), &protocol.DataTransferMessage{}, time.Minute)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Less(t, time.Since(st), 10*time.Second)
}

func TestSessionTimeout(t *testing.T) {
	b := newFakeBroker(t, nil)

	s := NewSession(SessionConfig{Address: b.addr(), Name: "app1"})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.SendAndWait(context.Background(), &protocol.DataTransferMessage{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSessionRegistrationRejected(t *testing.T) {
	b := newFakeBroker(t, nil)
	b.reject.Store(true)

	s := NewSession(SessionConfig{Address: b.addr(), Name: "nobody", ReconnectCheckInterval: time.Hour})
	defer s.Close()

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRegistrationFailed)
	assert.Contains(t, err.Error(), "unknown application nobody")
	assert.False(t, s.Connected())
}

func TestSessionReconnect(t *testing.T) {
	b := newFakeBroker(t, nil)

	var connected atomic.Int32
	s := NewSession(SessionConfig{
		Address:                b.addr(),
		Name:                   "app1",
		ReconnectCheckInterval: 20 * time.Millisecond,
	})
	s.OnConnected(func(*Session) { connected.Add(1) })
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, int32(1), connected.Load())

	for _, c := range b.m.Communicators() {
		c.Disconnect()
	}

	assert.Eventually(t, func() bool {
		return connected.Load() == 2 && s.Connected()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), b.registrations.Load())
}

func TestSessionKeepAlive(t *testing.T) {
	b := newFakeBroker(t, nil)

	s := NewSession(SessionConfig{
		Address:                b.addr(),
		Name:                   "app1",
		ReconnectCheckInterval: 10 * time.Millisecond,
		KeepAliveInterval:      50 * time.Millisecond,
	})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return b.pings.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionClosed(t *testing.T) {
	b := newFakeBroker(t, nil)

	s := NewSession(SessionConfig{Address: b.addr(), Name: "app1"})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, s.Send(&protocol.PingMessage{}), ErrSessionClosed)

	_, err := s.SendAndWait(context.Background(), &protocol.PingMessage{}, time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, NewSession(SessionConfig{}).Send(&protocol.PingMessage{}), transport.ErrNotConnected)
}
