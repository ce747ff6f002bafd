package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/transport"
	"gopkg.in/tomb.v2"
)

var logger = logging.Package("controller")

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrRegistrationFailed = errors.New("registration rejected")
)

type SessionConfig struct {
	// Address of the broker, ignored when Dial is set.
	Address string
	Dial    transport.Dialer

	Type     protocol.CommunicatorType
	Way      protocol.CommunicationWay
	Name     string
	Password string

	ReconnectCheckInterval time.Duration
	KeepAliveInterval      time.Duration
	ResponseTimeout        time.Duration

	Transport transport.Config
}

func (c *SessionConfig) SetDefault() {
	if c.ReconnectCheckInterval <= 0 {
		c.ReconnectCheckInterval = 20 * time.Second
	}

	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 60 * time.Second
	}

	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 90 * time.Second
	}

	if c.Type == 0 {
		c.Type = protocol.CommunicatorTypeApplication
	}
}

// Session keeps one registered communicator to a broker alive. It reconnects
// when the channel drops, pings an idle channel and correlates responses with
// the requests waiting for them. Every other inbound message is handled in
// arrival order by a single worker.
type Session struct {
	config SessionConfig

	// dialMu serializes reconnect attempts from Connect and the timer
	dialMu sync.Mutex

	mu     sync.Mutex
	link   *link
	closed bool

	queue *SequentialQueue[protocol.Message]

	observersMu sync.RWMutex
	onMessage   []func(protocol.Message)
	onConnected []func(*Session)

	t       tomb.Tomb
	running bool
}

func NewSession(config SessionConfig) *Session {
	config.SetDefault()

	s := &Session{config: config}
	s.queue = NewSequentialQueue(s.handle)
	return s
}

func (s *Session) Name() string {
	return s.config.Name
}

// OnMessageReceived registers f for messages that are not responses to a
// waiting request. Calls happen on the session's queue worker.
func (s *Session) OnMessageReceived(f func(protocol.Message)) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.onMessage = append(s.onMessage, f)
}

// OnConnected registers f, called after every successful registration.
func (s *Session) OnConnected(f func(*Session)) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.onConnected = append(s.onConnected, f)
}

func (s *Session) handle(msg protocol.Message) {
	s.observersMu.RLock()
	observers := s.onMessage
	s.observersMu.RUnlock()

	for _, f := range observers {
		f(msg)
	}
}

// Connected reports whether the current communicator is connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()

	return l != nil && l.comm.State() == transport.StateConnected
}

// Connect dials and registers, then starts the reconnect and keepalive timer.
// The timer keeps running even if this first attempt fails.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if !s.running {
		s.running = true
		s.queue.Start()
		s.t.Go(s.loop)
	}
	s.mu.Unlock()

	return s.reconnect(ctx)
}

// link is one communicator together with the requests waiting on it.
type link struct {
	comm    *transport.Communicator
	waiting *WaitingTable
}

func (s *Session) newLink() *link {
	l := &link{waiting: &WaitingTable{}}
	if s.config.Dial != nil {
		l.comm = transport.NewDialerCommunicator(s.config.Dial, s.config.Transport)
	} else {
		l.comm = transport.NewClientCommunicator(s.config.Address, s.config.Transport)
	}

	l.comm.OnMessageReceived(func(c *transport.Communicator, msg protocol.Message) {
		if l.waiting.Feed(msg) {
			return
		}
		s.queue.Add(msg)
	})

	l.comm.OnStateChanged(func(c *transport.Communicator, old transport.State) {
		if c.State() == transport.StateClosed {
			l.waiting.Close()
		}
	})

	return l
}

func (s *Session) reconnect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if old := s.link; old != nil {
		if old.comm.State() == transport.StateConnected {
			s.mu.Unlock()
			return nil
		}
		old.comm.Disconnect()
	}

	l := s.newLink()
	s.link = l
	s.mu.Unlock()

	if err := l.comm.Connect(ctx); err != nil {
		return err
	}

	if err := s.register(ctx, l); err != nil {
		l.comm.Disconnect()
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		l.comm.Disconnect()
		return ErrSessionClosed
	}

	logger.Info().Str(logging.EVENT, "REGISTERED").Str(logging.NAME, s.config.Name).Str("type", s.config.Type.String()).Msg("")

	s.observersMu.RLock()
	observers := s.onConnected
	s.observersMu.RUnlock()
	for _, f := range observers {
		f(s)
	}

	return nil
}

func (s *Session) register(ctx context.Context, l *link) error {
	msg := &protocol.RegisterMessage{
		CommunicatorType: s.config.Type,
		CommunicationWay: s.config.Way,
		Name:             s.config.Name,
		Password:         s.config.Password,
	}

	reply, err := l.sendAndWait(ctx, msg, s.config.ResponseTimeout)
	if err != nil {
		return err
	}

	result, ok := reply.(*protocol.OperationResultMessage)
	if !ok {
		return fmt.Errorf("%w: unexpected %v reply", ErrRegistrationFailed, reply.Type())
	}

	if !result.Success {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, result.ResultText)
	}

	return nil
}

func (s *Session) current() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.link == nil {
		return nil, transport.ErrNotConnected
	}

	return s.link, nil
}

func assignID(msg protocol.Message) string {
	h := msg.Headers()
	if h.MessageID == "" {
		h.MessageID = uuid.NewString()
	}
	return h.MessageID
}

// Send assigns a message id when missing and sends msg without waiting.
func (s *Session) Send(msg protocol.Message) error {
	l, err := s.current()
	if err != nil {
		return err
	}

	assignID(msg)
	return l.comm.Send(msg)
}

// SendAndWait sends msg and blocks until a message replying to it arrives.
// A zero timeout uses ResponseTimeout.
func (s *Session) SendAndWait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.config.ResponseTimeout
	}

	return l.sendAndWait(ctx, msg, timeout)
}

func (l *link) sendAndWait(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	id := assignID(msg)
	w := l.waiting.Put(id)

	if err := l.comm.Send(msg); err != nil {
		w.Close()
		return nil, err
	}

	// the channel may have dropped before the entry was put
	if l.comm.State() == transport.StateClosed {
		w.Close()
	}

	return w.Wait(ctx, timeout)
}

func (s *Session) loop() error {
	ticker := time.NewTicker(s.config.ReconnectCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Session) check() {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()

	if l == nil || l.comm.State() != transport.StateConnected {
		ctx, cancel := context.WithTimeout(s.t.Context(nil), s.config.ResponseTimeout)
		defer cancel()

		if err := s.reconnect(ctx); err != nil {
			logger.Warn().Str(logging.EVENT, "RECONNECT_FAILED").Str(logging.NAME, s.config.Name).Err(err).Msg("")
		}
		return
	}

	if time.Since(l.comm.LastActivity()) >= s.config.KeepAliveInterval {
		ping := &protocol.PingMessage{}
		assignID(ping)
		if err := l.comm.Send(ping); err != nil {
			logger.Warn().Str(logging.EVENT, "KEEPALIVE_FAILED").Str(logging.NAME, s.config.Name).Err(err).Msg("")
		}
	}
}

// Close stops the timer and the queue worker, disconnects and releases every
// waiting request. A closed session cannot connect again.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.link
	running := s.running
	s.mu.Unlock()

	s.t.Kill(nil)

	if l != nil {
		l.comm.Disconnect()
		l.waiting.Close()
	}
	s.queue.Stop()

	if running {
		return s.t.Wait()
	}

	return nil
}
