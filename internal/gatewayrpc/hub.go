package gatewayrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ConfigProvider builds the full peer-list Configuration for a location, answering a Gateway's initial OpConfig
// request.
type ConfigProvider interface {
	BuildConfiguration(ctx context.Context, locationID uuid.UUID, gatewayName string) (Configuration, error)
}

// StatsSink resolves a reported public key to the device it belongs to and persists a stats sample. ResolveDeviceID
// returns ErrUnauthorizedPeer when the key does not belong to any authorized peer within locationID.
type StatsSink interface {
	ResolveDeviceID(ctx context.Context, locationID uuid.UUID, publicKey string) (uuid.UUID, error)
	RecordStats(ctx context.Context, deviceID, locationID uuid.UUID, entry PeerStatsEntry, collectedAt time.Time) error
}

const minLivenessScanInterval = 10 * time.Second

// Hub is the process-wide Gateway connection registry and Update distributor: the GatewayMap plus its fan-out and
// liveness machinery.
type Hub struct {
	mu        sync.RWMutex
	locations map[uuid.UUID]map[string]*GatewaySession // location_id -> hostname -> session
	pending   map[uuid.UUID]*time.Timer                // location_id -> pending disconnect-notification timer

	rdb              *redis.Client
	publisher        *Publisher
	configs          ConfigProvider
	stats            StatsSink
	notifier         MailNotifier
	maxPerLocation   int
	disconnectGrace  time.Duration
	broadcastBufSize int
	log              zerolog.Logger
}

// NewHub creates a new Gateway RPC hub. notifier may be nil, in which case liveness transitions are not reported.
func NewHub(rdb *redis.Client, configs ConfigProvider, stats StatsSink, notifier MailNotifier, maxPerLocation int, disconnectGrace time.Duration, broadcastBufSize int, logger zerolog.Logger) *Hub {
	return &Hub{
		locations:        make(map[uuid.UUID]map[string]*GatewaySession),
		pending:          make(map[uuid.UUID]*time.Timer),
		rdb:              rdb,
		publisher:        NewPublisher(rdb),
		configs:          configs,
		stats:            stats,
		notifier:         notifier,
		maxPerLocation:   maxPerLocation,
		disconnectGrace:  disconnectGrace,
		broadcastBufSize: broadcastBufSize,
		log:              logger.With().Str("component", "gatewayrpc").Logger(),
	}
}

// Publish fans an Update out to every Core replica via Valkey pub/sub. Call this after the triggering database
// mutation commits, never before.
func (h *Hub) Publish(ctx context.Context, locationID uuid.UUID, update Update) error {
	return h.publisher.Publish(ctx, GatewayEvent{LocationID: locationID, Update: update})
}

// ServeWebSocket constructs a session for an already-upgraded, already-authenticated connection and runs it until it
// closes. The caller (the HTTP handler) is responsible for validating the Gateway RPC token via
// internal/auth.ValidateGatewayToken and supplying the location_id claim and client_id (hostname) it carries.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, locationID uuid.UUID, hostname string) {
	session := newSession(h, conn, locationID, hostname, h.log)
	session.Serve()
}

// Run subscribes to the Gateway events channel and fans incoming events out to locally-attached sessions. It blocks
// until ctx is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(msg.Payload)
		}
	}
}

func (h *Hub) dispatch(payload string) {
	var event GatewayEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		h.log.Warn().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	frame, err := NewUpdateFrame(event.Update)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build update frame")
		return
	}

	h.mu.RLock()
	sessions := h.locations[event.LocationID]
	targets := make([]*GatewaySession, 0, len(sessions))
	for _, s := range sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(frame)
	}
}

// attach registers a newly-authenticated Gateway session. It enforces the per-location connection cap, cancels any
// pending disconnect notification for the location, and emits GatewayReconnected if the location transitioned from
// no connected Gateway to at least one.
func (h *Hub) attach(session *GatewaySession) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	byHostname, ok := h.locations[session.locationID]
	if !ok {
		byHostname = make(map[string]*GatewaySession)
		h.locations[session.locationID] = byHostname
	}

	if _, replacing := byHostname[session.hostname]; !replacing && len(byHostname) >= h.maxPerLocation {
		return ErrMaxConnections
	}

	wasEmpty := len(byHostname) == 0
	byHostname[session.hostname] = session

	if timer, ok := h.pending[session.locationID]; ok {
		timer.Stop()
		delete(h.pending, session.locationID)
	}

	if wasEmpty && h.notifier != nil {
		h.notifier.NotifyGatewayReconnected(session.locationID)
	}

	h.log.Debug().Stringer("location_id", session.locationID).Str("hostname", session.hostname).
		Msg("Gateway attached")
	return nil
}

// detach removes a Gateway session from the registry. If it was the last session for its location, a
// GatewayDisconnected notification is scheduled after disconnectGrace so that a quick reconnect (restart) does not
// page anyone.
func (h *Hub) detach(session *GatewaySession) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byHostname, ok := h.locations[session.locationID]
	if !ok {
		return
	}
	if current, ok := byHostname[session.hostname]; !ok || current != session {
		return
	}
	delete(byHostname, session.hostname)
	if len(byHostname) == 0 {
		delete(h.locations, session.locationID)
		h.scheduleDisconnectNotification(session.locationID)
	}

	h.log.Debug().Stringer("location_id", session.locationID).Str("hostname", session.hostname).
		Msg("Gateway detached")
}

func (h *Hub) scheduleDisconnectNotification(locationID uuid.UUID) {
	if h.notifier == nil {
		return
	}
	if existing, ok := h.pending[locationID]; ok {
		existing.Stop()
	}
	h.pending[locationID] = time.AfterFunc(h.disconnectGrace, func() {
		h.mu.Lock()
		_, stillDown := h.locations[locationID]
		delete(h.pending, locationID)
		h.mu.Unlock()
		if !stillDown {
			h.notifier.NotifyGatewayDisconnected(locationID)
		}
	})
}

// touch updates the last-seen timestamp for a session's liveness tracking.
func (h *Hub) touch(session *GatewaySession) {
	session.mu.Lock()
	session.lastSeen = time.Now()
	session.mu.Unlock()
}

// RunLivenessScan periodically detaches sessions whose last-seen timestamp is older than threshold for their
// location. The scan period is threshold/4, floored at minLivenessScanInterval, matching spec's liveness cadence.
func (h *Hub) RunLivenessScan(ctx context.Context, threshold time.Duration) {
	interval := threshold / 4
	if interval < minLivenessScanInterval {
		interval = minLivenessScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStale(threshold)
		}
	}
}

func (h *Hub) sweepStale(threshold time.Duration) {
	cutoff := time.Now().Add(-threshold)

	h.mu.RLock()
	var stale []*GatewaySession
	for _, byHostname := range h.locations {
		for _, s := range byHostname {
			s.mu.RLock()
			last := s.lastSeen
			s.mu.RUnlock()
			if last.Before(cutoff) {
				stale = append(stale, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Warn().Stringer("location_id", s.locationID).Str("hostname", s.hostname).
			Msg("Gateway liveness timeout")
		s.closeWithCode(CloseUnknownError, "liveness timeout")
	}
}

// Records returns a snapshot of the Gateways currently attached for a location, for the status API and tests.
func (h *Hub) Records(locationID uuid.UUID) []GatewayRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byHostname := h.locations[locationID]
	records := make([]GatewayRecord, 0, len(byHostname))
	for name, s := range byHostname {
		s.mu.RLock()
		records = append(records, GatewayRecord{
			Name:        name,
			ConnectedAt: s.connectedAt,
			LastSeen:    s.lastSeen,
		})
		s.mu.RUnlock()
	}
	return records
}

// ConnectedHostnames returns the hostnames of Gateways currently attached for a location, for diagnostics and tests.
func (h *Hub) ConnectedHostnames(locationID uuid.UUID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byHostname := h.locations[locationID]
	names := make([]string, 0, len(byHostname))
	for name := range byHostname {
		names = append(names, name)
	}
	return names
}
