package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
)

var logger = logging.Package("transport")

var (
	ErrInvalidState = errors.New("invalid communicator state")
	ErrNotConnected = errors.New("communicator is not connected")
	ErrNoDialer     = errors.New("communicator has no dialer")
)

type StateChangedFunc func(c *Communicator, old State)

type MessageReceivedFunc func(c *Communicator, msg protocol.Message)

type Dialer func(ctx context.Context) (net.Conn, error)

type Config struct {
	// WriteTimeout bounds a single frame write, zero means no deadline.
	WriteTimeout time.Duration
	// ReadBufferSize of the read loop, defaults to 64KiB.
	ReadBufferSize int
}

// Registration holds what a peer declared in its RegisterMessage.
type Registration struct {
	Type     protocol.CommunicatorType
	Name     string
	Password string
}

// Communicator owns a single connection, its state machine and its read loop.
type Communicator struct {
	id     int64
	config Config
	dial   Dialer
	logger zerolog.Logger

	stateMu sync.Mutex
	state   State
	started bool
	conn    net.Conn
	done    chan struct{}

	writeMu sync.Mutex

	observersMu sync.RWMutex
	onState     []StateChangedFunc
	onMessage   []MessageReceivedFunc

	lastActivity atomic.Int64
	way          atomic.Int32
	registration atomic.Pointer[Registration]
}

var clientIDs atomic.Int64

func newCommunicator(id int64, config Config) *Communicator {
	c := &Communicator{
		id:     id,
		config: config,
		done:   make(chan struct{}),
	}
	c.logger = logger.With().Int64(logging.ID, id).Logger()
	return c
}

// NewClientCommunicator returns a Closed communicator that connects to address on Connect.
func NewClientCommunicator(address string, config Config) *Communicator {
	c := newCommunicator(-clientIDs.Add(1), config)
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
	c.logger = c.logger.With().Str(logging.REMOTE, address).Logger()
	return c
}

// NewDialerCommunicator is NewClientCommunicator with a caller supplied dialer.
func NewDialerCommunicator(dial Dialer, config Config) *Communicator {
	c := newCommunicator(-clientIDs.Add(1), config)
	c.dial = dial
	return c
}

func (c *Communicator) ID() int64 {
	return c.id
}

func (c *Communicator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Communicator) Way() protocol.CommunicationWay {
	return protocol.CommunicationWay(c.way.Load())
}

func (c *Communicator) SetWay(way protocol.CommunicationWay) {
	c.way.Store(int32(way))
}

func (c *Communicator) Registration() *Registration {
	return c.registration.Load()
}

func (c *Communicator) SetRegistration(r *Registration) {
	c.registration.Store(r)
}

// LastActivity is the time a frame was last sent or received.
func (c *Communicator) LastActivity() time.Time {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

func (c *Communicator) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Communicator) RemoteAddr() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.conn == nil {
		return ""
	}

	return c.conn.RemoteAddr().String()
}

// Done is closed once the communicator reached its final Closed state.
func (c *Communicator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the communicator is closed.
func (c *Communicator) Wait() {
	<-c.done
}

// OnStateChanged registers f, called after every transition with the previous state.
func (c *Communicator) OnStateChanged(f StateChangedFunc) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onState = append(c.onState, f)
}

// OnMessageReceived registers f, called on the read loop for every inbound frame.
func (c *Communicator) OnMessageReceived(f MessageReceivedFunc) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.onMessage = append(c.onMessage, f)
}

func (c *Communicator) raiseStateChanged(old State) {
	c.observersMu.RLock()
	observers := c.onState
	c.observersMu.RUnlock()

	for _, f := range observers {
		f(c, old)
	}
}

func (c *Communicator) raiseMessageReceived(msg protocol.Message) {
	c.observersMu.RLock()
	observers := c.onMessage
	c.observersMu.RUnlock()

	for _, f := range observers {
		f(c, msg)
	}
}

// advance moves to next if legal and returns the previous state.
func (c *Communicator) advance(next State) (State, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	old := c.state
	if old == StateClosed {
		if c.started || next != StateConnecting {
			return old, false
		}
		c.started = true
	} else if rank(next, true) <= rank(old, true) {
		return old, false
	}

	c.state = next
	return old, true
}

// Connect dials the remote end. It is only legal once, on a client communicator
// that has never been started.
func (c *Communicator) Connect(ctx context.Context) error {
	if c.dial == nil {
		return ErrNoDialer
	}

	old, ok := c.advance(StateConnecting)
	if !ok {
		return ErrInvalidState
	}
	c.raiseStateChanged(old)

	conn, err := c.dial(ctx)
	if err != nil {
		c.Disconnect()
		return err
	}

	return c.open(conn)
}

// start runs the read loop of an accepted connection.
func (c *Communicator) start(conn net.Conn) error {
	old, ok := c.advance(StateConnecting)
	if !ok {
		conn.Close()
		return ErrInvalidState
	}
	c.raiseStateChanged(old)

	return c.open(conn)
}

func (c *Communicator) open(conn net.Conn) error {
	c.stateMu.Lock()
	if c.state != StateConnecting {
		c.stateMu.Unlock()
		conn.Close()
		return ErrInvalidState
	}
	c.conn = conn
	c.state = StateConnected
	c.stateMu.Unlock()

	c.touch()
	c.raiseStateChanged(StateConnecting)

	go c.readLoop(conn)

	c.logger.Debug().Str(logging.EVENT, "CONNECTED").Msg("")
	return nil
}

func (c *Communicator) readLoop(conn net.Conn) {
	size := c.config.ReadBufferSize
	if size <= 0 {
		size = 64 * 1024
	}

	r := bufio.NewReaderSize(conn, size)

	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			c.logReadError(err)
			c.Disconnect()
			return
		}

		c.touch()
		c.raiseMessageReceived(msg)

		if s := c.State(); s != StateConnected && s != StateConnecting {
			return
		}
	}
}

func (c *Communicator) logReadError(err error) {
	if s := c.State(); s == StateClosing || s == StateClosed {
		return
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug().Str(logging.EVENT, "PEER_CLOSED").Msg("")
	case protocol.IsProtocolError(err):
		c.logger.Warn().Str(logging.EVENT, "PROTOCOL_ERROR").Err(err).Msg("closing communicator")
	default:
		c.logger.Info().Str(logging.EVENT, "READ_ERROR").Err(err).Msg("closing communicator")
	}
}

// Send writes msg as one frame. Frames from concurrent callers never interleave.
func (c *Communicator) Send(msg protocol.Message) error {
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.write(b)
	c.writeMu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			c.logger.Info().Str(logging.EVENT, "WRITE_ERROR").Err(err).Msg("closing communicator")
			c.Disconnect()
		}
		return err
	}

	c.touch()
	return nil
}

func (c *Communicator) write(b []byte) error {
	c.stateMu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.stateMu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := conn.Write(b)
	return err
}

// Disconnect closes the connection. It is safe to call any number of times and
// from any state.
func (c *Communicator) Disconnect() error {
	c.stateMu.Lock()
	old := c.state
	if old == StateClosed && c.started {
		c.stateMu.Unlock()
		return nil
	}

	if old == StateClosing {
		// another call is tearing down, return once it reached Closed.
		// Observers of the Closing transition must not call Disconnect.
		c.stateMu.Unlock()
		<-c.done
		return nil
	}

	c.started = true
	if old == StateClosed {
		// never started, nothing to tear down
		c.stateMu.Unlock()
		close(c.done)
		return nil
	}

	c.state = StateClosing
	conn := c.conn
	c.stateMu.Unlock()
	c.raiseStateChanged(old)

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.stateMu.Lock()
	c.state = StateClosed
	c.stateMu.Unlock()

	close(c.done)
	c.raiseStateChanged(StateClosing)

	c.logger.Debug().Str(logging.EVENT, "DISCONNECTED").Msg("")
	return err
}
