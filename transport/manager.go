package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tg123/mqbroker/logging"
	"gopkg.in/tomb.v2"
)

type ListenFunc func() (net.Listener, error)

type ManagerConfig struct {
	Config

	// Address is listened on with tcp unless Listen is set.
	Address string
	Listen  ListenFunc

	// MaxAcceptErrors consecutive accept failures trigger a listener rebuild.
	MaxAcceptErrors int
	// RebuildDelay is slept before every attempt to listen again.
	RebuildDelay time.Duration

	// OnCommunicatorConnected is called for every accepted communicator before
	// its read loop starts, so observers registered here see every frame.
	OnCommunicatorConnected func(*Communicator)
}

func (c *ManagerConfig) SetDefault() {
	if c.MaxAcceptErrors <= 0 {
		c.MaxAcceptErrors = 3
	}

	if c.RebuildDelay <= 0 {
		c.RebuildDelay = 5 * time.Second
	}

	if c.Listen == nil {
		addr := c.Address
		c.Listen = func() (net.Listener, error) {
			return net.Listen("tcp", addr)
		}
	}
}

// Manager accepts inbound connections and tracks the communicators it created.
type Manager struct {
	config ManagerConfig
	t      tomb.Tomb

	mu            sync.Mutex
	listener      net.Listener
	communicators map[int64]*Communicator
	started       bool

	nextID  atomic.Int64
	rebuilt atomic.Int64
}

func NewManager(config ManagerConfig) *Manager {
	config.SetDefault()
	return &Manager{
		config:        config,
		communicators: make(map[int64]*Communicator),
	}
}

// Start listens and runs the accept loop in the background. The first listen
// error is returned, later ones are retried forever.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.started = true
	m.mu.Unlock()

	l, err := m.config.Listen()
	if err != nil {
		return err
	}

	m.setListener(l)
	m.t.Go(m.acceptLoop)

	logger.Info().Str(logging.EVENT, "LISTENING").Str("address", l.Addr().String()).Msg("")
	return nil
}

// Stop closes the listener and disconnects every communicator.
func (m *Manager) Stop() error {
	m.t.Kill(nil)

	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l != nil {
		l.Close()
	}

	for _, c := range m.Communicators() {
		c.Disconnect()
	}

	if !m.isStarted() {
		return nil
	}

	return m.t.Wait()
}

func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.listener != nil
}

func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}

	return m.listener.Addr()
}

// Communicators returns a snapshot of the live communicators.
func (m *Manager) Communicators() []*Communicator {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*Communicator, 0, len(m.communicators))
	for _, c := range m.communicators {
		list = append(list, c)
	}

	return list
}

func (m *Manager) Communicator(id int64) *Communicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.communicators[id]
}

// Rebuilds counts how many times the listener was recreated.
func (m *Manager) Rebuilds() int64 {
	return m.rebuilt.Load()
}

func (m *Manager) setListener(l net.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Manager) currentListener() net.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

func (m *Manager) acceptLoop() error {
	failures := 0

	for {
		conn, err := m.currentListener().Accept()
		if err != nil {
			select {
			case <-m.t.Dying():
				return nil
			default:
			}

			failures++
			logger.Warn().Str(logging.EVENT, "ACCEPT_ERROR").Err(err).Int("failures", failures).Msg("")

			if failures < m.config.MaxAcceptErrors {
				continue
			}

			failures = 0
			if !m.rebuildListener() {
				return nil
			}
			continue
		}

		failures = 0
		m.accept(conn)
	}
}

// rebuildListener closes the broken listener and listens again until it
// succeeds. It returns false if the manager is stopped meanwhile.
func (m *Manager) rebuildListener() bool {
	if l := m.currentListener(); l != nil {
		l.Close()
	}

	for {
		select {
		case <-m.t.Dying():
			return false
		case <-time.After(m.config.RebuildDelay):
		}

		l, err := m.config.Listen()
		if err != nil {
			logger.Error().Str(logging.EVENT, "LISTEN_ERROR").Err(err).Msg("retrying")
			continue
		}

		m.setListener(l)
		m.rebuilt.Add(1)

		select {
		case <-m.t.Dying():
			l.Close()
			return false
		default:
		}

		logger.Info().Str(logging.EVENT, "LISTENER_REBUILT").Str("address", l.Addr().String()).Msg("")
		return true
	}
}

func (m *Manager) accept(conn net.Conn) {
	c := newCommunicator(m.nextID.Add(1), m.config.Config)
	c.logger = c.logger.With().Str(logging.REMOTE, conn.RemoteAddr().String()).Logger()

	c.OnStateChanged(func(c *Communicator, old State) {
		if c.State() == StateClosed {
			m.mu.Lock()
			delete(m.communicators, c.ID())
			m.mu.Unlock()
		}
	})

	m.mu.Lock()
	m.communicators[c.ID()] = c
	m.mu.Unlock()

	if m.config.OnCommunicatorConnected != nil {
		m.config.OnCommunicatorConnected(c)
	}

	if err := c.start(conn); err != nil {
		logger.Warn().Err(err).Int64(logging.ID, c.ID()).Msg("failed to start communicator")
	}
}
