package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is a connectivity transition or lifecycle signal delivered to listeners.
type Event string

const (
	EventOnline     Event = "online"
	EventOffline    Event = "offline"
	EventForeground Event = "foreground"
)

// Probe checks one remote dependency; a nil error means reachable.
type Probe func(ctx context.Context) error

// QueueSizer reports how many mutations are waiting for the remote.
type QueueSizer interface {
	Size(ctx context.Context) (int, error)
}

// Status is a point-in-time view of connectivity.
type Status struct {
	Online     bool            `json:"online"`
	Reported   bool            `json:"reported"`
	Probes     map[string]bool `json:"probes"`
	QueueSize  int             `json:"queue_size"`
	LastCheck  time.Time       `json:"last_check"`
	LastChange time.Time       `json:"last_change"`
}

// Monitor derives a single online/offline signal from the host-reported network state and
// periodic probes of the remote dependencies. The client is online only when the host says so
// and every probe passes.
type Monitor struct {
	queue QueueSizer

	mu        sync.RWMutex
	probes    map[string]Probe
	results   map[string]bool
	reported  bool
	status    Status
	listeners map[int]func(Event)
	nextID    int

	// deliverMu keeps listener delivery in transition order.
	deliverMu sync.Mutex

	interval     time.Duration
	probeTimeout time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	logger       *zap.Logger
}

func New(interval time.Duration, queue QueueSizer, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		queue:        queue,
		probes:       make(map[string]Probe),
		results:      make(map[string]bool),
		reported:     true,
		listeners:    make(map[int]func(Event)),
		interval:     interval,
		probeTimeout: 3 * time.Second,
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
}

// AddProbe registers a dependency check. Probes are unknown, and count as passing, until
// the first refresh.
func (m *Monitor) AddProbe(name string, probe Probe) {
	if probe == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// PostgresProbe pings the remote task database.
func PostgresProbe(pool *pgxpool.Pool) Probe {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}

// RedisProbe pings the change stream server.
func RedisProbe(client *redislib.Client) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Start runs one refresh synchronously and then keeps probing in the background.
func (m *Monitor) Start() {
	m.Refresh(context.Background())
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineLocked()
}

func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := m.status
	status.Online = m.onlineLocked()
	status.Reported = m.reported
	status.Probes = make(map[string]bool, len(m.results))
	for name, ok := range m.results {
		status.Probes[name] = ok
	}
	return status
}

// SetReported records the host's view of the network, e.g. from an OS connectivity callback.
func (m *Monitor) SetReported(online bool) {
	m.transition(func() {
		m.reported = online
	})
}

// Foreground signals that the application regained focus.
func (m *Monitor) Foreground() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.deliver(EventForeground)
}

// OnChange registers fn for every transition and foreground signal. Listeners run on the
// goroutine that caused the event and must not block. The returned func unregisters fn.
func (m *Monitor) OnChange(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Refresh runs every probe once and updates the queue size.
func (m *Monitor) Refresh(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, probe := range m.probes {
		probes[name] = probe
	}
	m.mu.RUnlock()

	results := make(map[string]bool, len(probes))
	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			m.logger.Debug("connectivity probe failed", zap.String("probe", name), zap.Error(err))
		}
		results[name] = err == nil
	}

	queueSize := 0
	if m.queue != nil {
		size, err := m.queue.Size(ctx)
		if err != nil {
			m.logger.Warn("queue size check failed", zap.Error(err))
		}
		queueSize = size
	}

	m.transition(func() {
		m.results = results
		m.status.QueueSize = queueSize
		m.status.LastCheck = time.Now()
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Refresh(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// transition applies change and notifies listeners when the online signal flips.
func (m *Monitor) transition(change func()) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	before := m.onlineLocked()
	change()
	after := m.onlineLocked()
	if before != after {
		m.status.LastChange = time.Now()
	}
	m.mu.Unlock()

	if before == after {
		return
	}
	if after {
		m.logger.Info("connectivity restored")
		m.deliver(EventOnline)
		return
	}
	m.logger.Warn("connectivity lost")
	m.deliver(EventOffline)
}

// deliver must be called with deliverMu held.
func (m *Monitor) deliver(event Event) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (m *Monitor) onlineLocked() bool {
	if !m.reported {
		return false
	}
	for _, ok := range m.results {
		if !ok {
			return false
		}
	}
	return true
}

// Watch registers fn for online/offline transitions only.
func (m *Monitor) Watch(fn func(online bool)) func() {
	return m.OnChange(func(event Event) {
		switch event {
		case EventOnline:
			fn(true)
		case EventOffline:
			fn(false)
		}
	})
}
