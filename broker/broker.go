package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/metrics"
	"github.com/tg123/mqbroker/protocol/control"
	"github.com/tg123/mqbroker/routing"
	"github.com/tg123/mqbroker/storage"
	"github.com/tg123/mqbroker/transport"
	"gopkg.in/tomb.v2"
)

var logger = logging.Package("broker")

var (
	ErrStopped            = errors.New("broker stopped")
	ErrUnknownApplication = errors.New("unknown application")
	ErrUnreachable        = errors.New("destination server unreachable")
	ErrNoCommunicator     = errors.New("no communicator available")
)

type Option func(*Broker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithStorage replaces the engine built from the storage settings.
func WithStorage(s storage.Manager) Option {
	return func(b *Broker) { b.storage = s }
}

// WithPollInterval sets how often every delivery queue checks storage, 5s by default.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// WithDeliveryTimeout bounds the wait for a delivery acknowledgement, 30s by default.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Broker) { b.deliveryTimeout = d }
}

// WithReconnectInterval is used by the sessions to adjacent servers, 20s by default.
func WithReconnectInterval(d time.Duration) Option {
	return func(b *Broker) { b.reconnectInterval = d }
}

type application struct {
	name          string
	webServices   []*control.ApplicationWebServiceInfo
	communicators map[int64]*remote
	next          int
}

// Broker is one node of the server graph. It accepts communicators, stores
// persistent messages and delivers them to local applications or the next
// server on the way to their destination.
type Broker struct {
	name     string
	password string
	address  string

	storage storage.Manager
	routes  *routing.Table
	metrics *metrics.Metrics
	manager *transport.Manager

	pollInterval      time.Duration
	deliveryTimeout   time.Duration
	reconnectInterval time.Duration

	mu          sync.RWMutex
	graph       *serverGraph
	apps        map[string]*application
	remotes     map[int64]*remote
	servers     map[string]map[int64]*remote
	controllers map[int64]*remote
	peers       map[string]*peer
	queues      map[queueKey]*deliveryQueue
	started     bool
	stopping    bool

	t tomb.Tomb
}

func New(settings *config.Settings, opts ...Option) (*Broker, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		name:              settings.ThisServerName,
		password:          settings.Password,
		address:           settings.Address(),
		pollInterval:      5 * time.Second,
		deliveryTimeout:   30 * time.Second,
		reconnectInterval: 20 * time.Second,
		apps:              make(map[string]*application),
		remotes:           make(map[int64]*remote),
		servers:           make(map[string]map[int64]*remote),
		controllers:       make(map[int64]*remote),
		peers:             make(map[string]*peer),
		queues:            make(map[queueKey]*deliveryQueue),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.metrics == nil {
		b.metrics = metrics.New(false)
	}

	if b.storage == nil {
		s, err := storage.New(settings.Storage)
		if err != nil {
			return nil, err
		}
		b.storage = s
	}

	routes, err := routing.NewTable(b.name, settings.Routing)
	if err != nil {
		return nil, err
	}
	b.routes = routes

	graph, err := graphFromSettings(settings.Servers)
	if err != nil {
		return nil, err
	}
	b.graph = graph

	for _, a := range settings.Applications {
		app := &application{name: a.Name, communicators: make(map[int64]*remote)}
		for _, ws := range a.WebServices {
			app.webServices = append(app.webServices, &control.ApplicationWebServiceInfo{Name: ws.Name, URL: ws.URL})
		}
		b.apps[a.Name] = app
	}

	b.manager = transport.NewManager(transport.ManagerConfig{
		Address:                 b.address,
		OnCommunicatorConnected: b.accepted,
	})

	return b, nil
}

func (b *Broker) Name() string {
	return b.name
}

func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}

func (b *Broker) Storage() storage.Manager {
	return b.storage
}

// Addr is the address the broker listens on, empty before Start.
func (b *Broker) Addr() string {
	if a := b.manager.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Start opens storage, listens, connects to adjacent servers and begins
// delivering anything left in storage.
func (b *Broker) Start() error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("broker already started")
	}
	b.started = true
	b.mu.Unlock()

	if err := b.storage.Start(); err != nil {
		b.abortStart()
		return err
	}

	if err := b.manager.Start(); err != nil {
		b.storage.Stop(false)
		b.abortStart()
		return err
	}

	b.t.Go(b.loop)

	b.mu.Lock()
	for name := range b.apps {
		b.queueLocked(localKey(b.name, name)).kick(true)
	}
	for _, name := range b.graph.neighbours(b.name) {
		b.queueLocked(serverKey(name)).kick(true)
	}
	b.mu.Unlock()

	b.syncPeers()

	logger.Info().Str(logging.EVENT, "STARTED").Str(logging.NAME, b.name).Str("address", b.Addr()).Msg("")
	return nil
}

// abortStart marks a failed Start. The broker is unusable afterwards since
// its manager can only be started once.
func (b *Broker) abortStart() {
	b.mu.Lock()
	b.started = false
	b.stopping = true
	b.mu.Unlock()
}

// loop wakes every delivery queue each poll interval. The tick rescans from
// the first record since engines may commit ids out of order.
func (b *Broker) loop() error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.t.Dying():
			return nil
		case <-ticker.C:
			b.mu.RLock()
			for _, q := range b.queues {
				q.kick(true)
			}
			b.mu.RUnlock()
		}
	}
}

// Stop closes every session and communicator, waits for the delivery queues
// and stops storage.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	peers := b.peers
	b.peers = make(map[string]*peer)
	b.mu.Unlock()

	for _, p := range peers {
		p.session.Close()
	}

	b.t.Kill(nil)
	b.manager.Stop()
	b.t.Wait()

	logger.Info().Str(logging.EVENT, "STOPPED").Str(logging.NAME, b.name).Msg("")
	return b.storage.Stop(true)
}

// nextServer resolves the neighbour a message for dest leaves through, dest
// itself when it is this server.
func (b *Broker) nextServer(dest string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	next, ok := b.graph.nextHop(b.name, dest)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnreachable, dest)
	}
	return next, nil
}

// ServerGraph is a snapshot of the current graph.
func (b *Broker) ServerGraph() *control.ServerGraphInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.graph.info(b.name)
}

// UpdateServerGraph replaces the graph, reroutes the stored messages and
// reconnects to the new neighbours.
func (b *Broker) UpdateServerGraph(info *control.ServerGraphInfo) error {
	g, err := graphFromInfo(info)
	if err != nil {
		return err
	}

	if !g.has(b.name) {
		return fmt.Errorf("this server %q is not in the new graph", b.name)
	}

	b.mu.Lock()
	b.graph = g
	b.mu.Unlock()

	for _, dest := range g.names() {
		if dest == b.name {
			continue
		}

		next, ok := g.nextHop(b.name, dest)
		if !ok {
			logger.Warn().Str(logging.EVENT, "UNREACHABLE").Str("server", dest).Msg("stored messages keep their route")
			continue
		}

		n, err := b.storage.UpdateNextServer(dest, next)
		if err != nil {
			return err
		}

		if n > 0 {
			logger.Info().Str(logging.EVENT, "REROUTED").Str("server", dest).Str("next", next).Int("count", n).Msg("")
		}
	}

	b.syncPeers()

	b.mu.Lock()
	for _, name := range g.neighbours(b.name) {
		b.queueLocked(serverKey(name))
	}
	for _, q := range b.queues {
		q.kick(true)
	}
	b.mu.Unlock()

	return nil
}

// Applications lists the known applications with their communicator counts.
func (b *Broker) Applications() []*control.ClientApplicationInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := make([]*control.ClientApplicationInfo, 0, len(b.apps))
	for _, app := range b.apps {
		list = append(list, &control.ClientApplicationInfo{Name: app.name, CommunicatorCount: int32(len(app.communicators))})
	}
	sortApplications(list)
	return list
}

func (b *Broker) AddApplication(name string) error {
	if name == "" {
		return fmt.Errorf("empty application name")
	}

	b.mu.Lock()
	if _, ok := b.apps[name]; ok {
		b.mu.Unlock()
		return fmt.Errorf("application %q already exists", name)
	}
	b.apps[name] = &application{name: name, communicators: make(map[int64]*remote)}
	b.mu.Unlock()

	logger.Info().Str(logging.EVENT, "APPLICATION_ADDED").Str(logging.NAME, name).Msg("")
	b.broadcast(&control.ClientApplicationRefreshEventMessage{Name: name})
	return nil
}

// RemoveApplication forgets name and disconnects its communicators. Stored
// messages for it stay in storage.
func (b *Broker) RemoveApplication(name string) error {
	b.mu.Lock()
	app, ok := b.apps[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownApplication, name)
	}
	delete(b.apps, name)

	var comms []*remote
	for _, r := range app.communicators {
		comms = append(comms, r)
	}
	b.mu.Unlock()

	for _, r := range comms {
		r.comm.Disconnect()
	}

	logger.Info().Str(logging.EVENT, "APPLICATION_REMOVED").Str(logging.NAME, name).Msg("")
	b.broadcast(&control.ClientApplicationRemovedEventMessage{ApplicationName: name})
	return nil
}

func (b *Broker) WebServices(name string) ([]*control.ApplicationWebServiceInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	app, ok := b.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApplication, name)
	}

	return append([]*control.ApplicationWebServiceInfo(nil), app.webServices...), nil
}

func (b *Broker) UpdateWebServices(name string, services []*control.ApplicationWebServiceInfo) error {
	b.mu.Lock()
	app, ok := b.apps[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownApplication, name)
	}
	app.webServices = append([]*control.ApplicationWebServiceInfo(nil), services...)
	count := len(app.communicators)
	b.mu.Unlock()

	b.broadcast(&control.ClientApplicationRefreshEventMessage{Name: name, CommunicatorCount: int32(count)})
	return nil
}
