package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultQueueCapacity     = 16
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxMissedChecks   = 3
	defaultOrgConnectionCap  = 256

	opSubscribe = "hub.subscribe"
)

var (
	errMissingIDProvider = errors.New("hub: id provider is required")
	// ErrOrgConnectionCap indicates the per-org connection cap was reached.
	ErrOrgConnectionCap = errors.New("hub: organization connection cap reached")
	// ErrMissingSubscriber indicates a subscribe call without user or org.
	ErrMissingSubscriber = errors.New("hub: org and user identifiers are required")
)

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Listener observes connection lifecycle transitions. The presence tracker
// derives online/offline state from these signals.
type Listener interface {
	ConnectionOpened(orgID, userID string)
	ConnectionClosed(orgID, userID string)
}

// Config describes the hub's tunables.
type Config struct {
	QueueCapacity     int
	HeartbeatInterval time.Duration
	MaxMissedChecks   int
	OrgConnectionCap  int
	IDProvider        IDProvider
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Set
}

// Hub is the process-wide registry of live connections, keyed by org then
// connection id. It fans committed events out to subscribers and owns every
// connection's lifecycle. It is constructed once at process start and
// injected wherever publishing happens.
type Hub struct {
	queueCapacity     int
	heartbeatInterval time.Duration
	maxMissedChecks   int
	orgConnectionCap  int
	idProvider        IDProvider
	clock             func() time.Time
	logger            *zap.Logger
	metrics           *metrics.Set

	mu          sync.RWMutex
	connections map[string]map[string]*Connection
	listener    Listener
}

// New constructs a hub with defaults applied.
func New(cfg Config) (*Hub, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	maxMissedChecks := cfg.MaxMissedChecks
	if maxMissedChecks <= 0 {
		maxMissedChecks = defaultMaxMissedChecks
	}
	orgConnectionCap := cfg.OrgConnectionCap
	if orgConnectionCap <= 0 {
		orgConnectionCap = defaultOrgConnectionCap
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		queueCapacity:     queueCapacity,
		heartbeatInterval: heartbeatInterval,
		maxMissedChecks:   maxMissedChecks,
		orgConnectionCap:  orgConnectionCap,
		idProvider:        cfg.IDProvider,
		clock:             clock,
		logger:            logger,
		metrics:           cfg.Metrics,
		connections:       make(map[string]map[string]*Connection),
	}, nil
}

// SetListener installs the lifecycle listener. Call before serving traffic.
func (h *Hub) SetListener(listener Listener) {
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()
}

// Subscribe registers a new connection for the user under the org. The
// returned connection is Subscribed and its queue is live. Cancelling ctx
// disconnects and deregisters it.
func (h *Hub) Subscribe(ctx context.Context, orgID, userID string) (*Connection, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(userID) == "" {
		return nil, chat.NewError(chat.KindInvalidArgument, opSubscribe, ErrMissingSubscriber)
	}

	connectionID, err := h.idProvider.NewID()
	if err != nil {
		return nil, chat.NewError(chat.KindInternal, opSubscribe, err)
	}

	connection := &Connection{
		id:            connectionID,
		userID:        userID,
		orgID:         orgID,
		events:        make(chan Event, h.queueCapacity),
		state:         StateConnecting,
		lastEnqueueAt: h.clock(),
	}

	h.mu.Lock()
	orgConnections, ok := h.connections[orgID]
	if !ok {
		orgConnections = make(map[string]*Connection)
		h.connections[orgID] = orgConnections
	}
	if len(orgConnections) >= h.orgConnectionCap {
		h.mu.Unlock()
		return nil, chat.NewError(chat.KindRateLimited, opSubscribe, ErrOrgConnectionCap)
	}
	connection.state = StateSubscribed
	orgConnections[connectionID] = connection
	listener := h.listener
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	if listener != nil {
		listener.ConnectionOpened(orgID, userID)
	}
	h.logger.Debug("connection subscribed",
		zap.String("connection_id", connectionID),
		zap.String("org_id", orgID),
		zap.String("user_id", userID))

	go func() {
		<-ctx.Done()
		h.Disconnect(connection)
	}()

	return connection, nil
}

// Disconnect closes the connection and removes it from the registry. The
// hub keeps no pointer to a closed connection.
func (h *Hub) Disconnect(connection *Connection) {
	if connection == nil {
		return
	}
	h.remove(connection)
	if connection.close() {
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
		h.notifyClosed(connection)
		h.logger.Debug("connection closed",
			zap.String("connection_id", connection.id),
			zap.String("org_id", connection.orgID))
	}
}

// Publish enqueues the event on every live connection registered to the
// org. Full queues drop their oldest pending event; the publisher is never
// blocked by a slow consumer.
func (h *Hub) Publish(orgID string, event Event) {
	for _, connection := range h.snapshot(orgID) {
		h.deliver(connection, event)
	}
}

// PublishToUser enqueues the event only on the given user's connections
// within the org. Used for targeted events such as unread counters.
func (h *Hub) PublishToUser(orgID, userID string, event Event) {
	for _, connection := range h.snapshot(orgID) {
		if connection.userID != userID {
			continue
		}
		h.deliver(connection, event)
	}
}

// ConnectionCount reports the number of live connections for the org.
func (h *Hub) ConnectionCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[orgID])
}

// Run drives heartbeats and liveness eviction until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick runs one heartbeat round: idle connections receive a heartbeat
// event, and connections that exhausted their miss budget are evicted.
func (h *Hub) tick() {
	now := h.clock()
	for _, orgConnections := range h.snapshotAll() {
		for _, connection := range orgConnections {
			if connection.checkLiveness(h.maxMissedChecks) {
				h.evict(connection)
				continue
			}
			if connection.idle(now, h.heartbeatInterval) {
				h.deliver(connection, heartbeatEvent(now))
			}
		}
	}
}

func (h *Hub) evict(connection *Connection) {
	h.remove(connection)
	if connection.close() {
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
			h.metrics.ConnectionsEvicted.Inc()
		}
		h.notifyClosed(connection)
		h.logger.Info("connection evicted after missed heartbeats",
			zap.String("connection_id", connection.id),
			zap.String("org_id", connection.orgID),
			zap.String("user_id", connection.userID))
	}
}

func (h *Hub) deliver(connection *Connection, event Event) {
	delivered, dropped := connection.enqueue(event, h.clock())
	if h.metrics != nil {
		if delivered {
			h.metrics.EventsPublished.Inc()
		}
		if dropped {
			h.metrics.EventsDropped.Inc()
		}
	}
	if dropped {
		h.logger.Warn("connection queue overflowed, oldest event dropped",
			zap.String("connection_id", connection.id),
			zap.String("org_id", connection.orgID))
	}
}

func (h *Hub) snapshot(orgID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	orgConnections := h.connections[orgID]
	if len(orgConnections) == 0 {
		return nil
	}
	copies := make([]*Connection, 0, len(orgConnections))
	for _, connection := range orgConnections {
		copies = append(copies, connection)
	}
	return copies
}

func (h *Hub) snapshotAll() [][]*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := make([][]*Connection, 0, len(h.connections))
	for _, orgConnections := range h.connections {
		copies := make([]*Connection, 0, len(orgConnections))
		for _, connection := range orgConnections {
			copies = append(copies, connection)
		}
		all = append(all, copies)
	}
	return all
}

func (h *Hub) remove(connection *Connection) {
	h.mu.Lock()
	orgConnections := h.connections[connection.orgID]
	if orgConnections != nil {
		delete(orgConnections, connection.id)
		if len(orgConnections) == 0 {
			delete(h.connections, connection.orgID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) notifyClosed(connection *Connection) {
	h.mu.RLock()
	listener := h.listener
	h.mu.RUnlock()
	if listener != nil {
		listener.ConnectionClosed(connection.orgID, connection.userID)
	}
}
