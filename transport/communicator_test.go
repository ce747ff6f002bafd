package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/protocol"
)

// https://github.com/golang/crypto/blob/38f3c27a63bf8d9928ce230b01cab346d1756e88/ssh/handshake_test.go#L42
// netPipe is analogous to net.Pipe, but it uses a real net.Conn, and
// therefore is buffered (net.Pipe deadlocks if both sides start with
// a write.)
func netPipe() (net.Conn, net.Conn, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		listener, err = net.Listen("tcp", "[::1]:0")
		if err != nil {
			return nil, nil, err
		}
	}
	defer listener.Close()
	c1, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	c2, err := listener.Accept()
	if err != nil {
		c1.Close()
		return nil, nil, err
	}

	return c1, c2, nil
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *stateRecorder) observe(c *Communicator, old State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("%v->%v", old, c.State()))
}

func (r *stateRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func waitClosed(t *testing.T, c *Communicator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("communicator not closed")
	}
}

func TestStateSequence(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)
	defer p2.Close()

	var rec stateRecorder
	c := NewDialerCommunicator(func(context.Context) (net.Conn, error) {
		return p1, nil
	}, Config{})
	c.OnStateChanged(rec.observe)

	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Disconnect())
	waitClosed(t, c)

	assert.Equal(t, []string{
		"Closed->Connecting",
		"Connecting->Connected",
		"Connected->Closing",
		"Closing->Closed",
	}, rec.get())

	t.Run("disconnect again", func(t *testing.T) {
		assert.NoError(t, c.Disconnect())
		assert.Len(t, rec.get(), 4)
	})

	t.Run("no reconnect", func(t *testing.T) {
		assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidState)
		assert.Equal(t, StateClosed, c.State())
	})
}

func TestConnectWhileConnected(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)
	defer p2.Close()

	var dials atomic.Int32
	c := NewDialerCommunicator(func(context.Context) (net.Conn, error) {
		dials.Add(1)
		return p1, nil
	}, Config{})
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidState)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, int32(1), dials.Load())
}

func TestConcurrentDisconnectEndsClosed(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)
	defer p2.Close()

	c := NewDialerCommunicator(func(context.Context) (net.Conn, error) {
		return p1, nil
	}, Config{})

	second := make(chan State, 1)
	c.OnStateChanged(func(c *Communicator, old State) {
		if c.State() != StateClosing {
			return
		}

		go func() {
			c.Disconnect()
			second <- c.State()
		}()
		// keep the first call in Closing while the second one runs
		time.Sleep(50 * time.Millisecond)
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	select {
	case s := <-second:
		assert.Equal(t, StateClosed, s)
	case <-time.After(5 * time.Second):
		t.Fatal("second disconnect did not return")
	}
}

func TestDialFailure(t *testing.T) {
	dialErr := errors.New("refused")

	var rec stateRecorder
	c := NewDialerCommunicator(func(context.Context) (net.Conn, error) {
		return nil, dialErr
	}, Config{})
	c.OnStateChanged(rec.observe)

	assert.ErrorIs(t, c.Connect(context.Background()), dialErr)
	waitClosed(t, c)

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, []string{
		"Closed->Connecting",
		"Connecting->Closing",
		"Closing->Closed",
	}, rec.get())
}

func TestDisconnectNeverStarted(t *testing.T) {
	c := NewClientCommunicator("127.0.0.1:1", Config{})

	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
	waitClosed(t, c)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidState)
}

func TestSendNotConnected(t *testing.T) {
	c := NewClientCommunicator("127.0.0.1:1", Config{})
	assert.ErrorIs(t, c.Send(&protocol.PingMessage{}), ErrNotConnected)
	assert.ErrorIs(t, NewDialerCommunicator(nil, Config{}).Connect(context.Background()), ErrNoDialer)
}

func TestSendReceive(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)

	received := make(chan protocol.Message, 1)
	server, err := FromConn(p2, Config{}, func(c *Communicator) {
		c.OnMessageReceived(func(c *Communicator, msg protocol.Message) {
			received <- msg
		})
	})
	require.NoError(t, err)
	defer server.Disconnect()

	client, err := FromConn(p1, Config{WriteTimeout: time.Second}, nil)
	require.NoError(t, err)
	defer client.Disconnect()

	before := client.LastActivity()

	msg := &protocol.DataTransferMessage{
		SourceServerName:           "s1",
		SourceApplicationName:      "app1",
		DestinationServerName:      "s2",
		DestinationApplicationName: "app2",
		MessageData:                []byte("payload"),
		TransmitRule:               protocol.NonPersistent,
	}
	msg.MessageID = "m1"
	require.NoError(t, client.Send(msg))

	select {
	case got := <-received:
		dt, ok := got.(*protocol.DataTransferMessage)
		require.True(t, ok)
		assert.Equal(t, "m1", dt.MessageID)
		assert.Equal(t, "app2", dt.DestinationApplicationName)
		assert.Equal(t, []byte("payload"), dt.MessageData)
		assert.Equal(t, protocol.NonPersistent, dt.TransmitRule)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	assert.False(t, client.LastActivity().Before(before))
	assert.False(t, server.LastActivity().IsZero())
}

func TestConcurrentSends(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)

	const n = 64

	var mu sync.Mutex
	seen := make(map[string]bool)
	all := make(chan struct{})

	server, err := FromConn(p2, Config{}, func(c *Communicator) {
		c.OnMessageReceived(func(c *Communicator, msg protocol.Message) {
			mu.Lock()
			defer mu.Unlock()
			seen[msg.Headers().MessageID] = true
			if len(seen) == n {
				close(all)
			}
		})
	})
	require.NoError(t, err)
	defer server.Disconnect()

	client, err := FromConn(p1, Config{}, nil)
	require.NoError(t, err)
	defer client.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &protocol.ControllerMessage{MessageData: make([]byte, 4096)}
			msg.MessageID = fmt.Sprintf("msg-%d", i)
			assert.NoError(t, client.Send(msg))
		}(i)
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("not every frame arrived intact")
	}

	assert.Equal(t, StateConnected, server.State())
}

func TestProtocolErrorDisconnects(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)
	defer p2.Close()

	c, err := FromConn(p1, Config{}, nil)
	require.NoError(t, err)

	_, err = p2.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 2})
	require.NoError(t, err)

	waitClosed(t, c)
	assert.Equal(t, StateClosed, c.State())
}

func TestPeerCloseDisconnects(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)

	c, err := FromConn(p1, Config{}, nil)
	require.NoError(t, err)

	p2.Close()
	waitClosed(t, c)
}

func TestSendTooLarge(t *testing.T) {
	p1, p2, err := netPipe()
	require.NoError(t, err)
	defer p2.Close()

	c, err := FromConn(p1, Config{}, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.Send(&protocol.ControllerMessage{MessageData: make([]byte, protocol.MaxMessageSize+1)})
	assert.Error(t, err)

	// rejected before touching the wire
	assert.Equal(t, StateConnected, c.State())
}
