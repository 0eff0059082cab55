package gatewayrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound message. Stats batches are the largest payload a
	// Gateway sends; this comfortably covers a full-location report.
	maxMessageSize = 65536
	writeWait      = 10 * time.Second
)

// GatewaySession represents one authenticated Gateway WebSocket connection. The connecting Gateway's location_id and
// hostname are established before the session is constructed, from the validated Gateway RPC token (see
// internal/auth.ValidateGatewayToken), so a session has no separate identify step.
type GatewaySession struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	locationID uuid.UUID
	hostname   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	connectedAt time.Time

	mu       sync.RWMutex
	lastSeen time.Time
}

func newSession(hub *Hub, conn *websocket.Conn, locationID uuid.UUID, hostname string, logger zerolog.Logger) *GatewaySession {
	now := time.Now()
	return &GatewaySession{
		hub:         hub,
		conn:        conn,
		locationID:  locationID,
		hostname:    hostname,
		send:        make(chan []byte, hub.broadcastBufSize),
		done:        make(chan struct{}),
		connectedAt: now,
		lastSeen:    now,
		log:         logger.With().Stringer("location_id", locationID).Str("hostname", hostname).Logger(),
	}
}

// Serve registers the session, runs its read and write pumps, and deregisters it on exit. It blocks until the
// connection closes.
func (s *GatewaySession) Serve() {
	if err := s.hub.attach(s); err != nil {
		s.closeWithCode(CloseMaxConnections, err.Error())
		return
	}
	defer s.hub.detach(s)

	go s.writePump()
	s.readPump()
}

func (s *GatewaySession) closeSend() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *GatewaySession) readPump() {
	defer func() {
		s.closeSend()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("Gateway connection read error")
			}
			return
		}
		s.hub.touch(s)
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpConfig:
			s.handleConfig(frame.Data)
		case OpStats:
			s.handleStats(frame.Data)
		case OpHeartbeat:
			s.handleHeartbeat()
		default:
			s.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

func (s *GatewaySession) writePump() {
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("Gateway connection write error")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *GatewaySession) handleConfig(data json.RawMessage) {
	var req ConfigurationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.closeWithCode(CloseDecodeError, "invalid config request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := s.hub.configs.BuildConfiguration(ctx, s.locationID, s.hostname)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build gateway configuration")
		s.closeWithCode(CloseUnknownError, "internal error")
		return
	}

	frame, err := NewConfigResponseFrame(cfg)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build config response frame")
		return
	}
	s.enqueue(frame)
}

// handleStats resolves and persists each reported peer stats entry. Errors resolving a public key close the
// connection with an internal status so the Gateway reconnects and retries; a partially-applied batch is acceptable
// since stats ingestion is at-least-once; entries are not deduplicated, so a retried batch is stored again.
func (s *GatewaySession) handleStats(data json.RawMessage) {
	var entries []PeerStatsEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.closeWithCode(CloseDecodeError, "invalid stats payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	collectedAt := time.Now()
	for _, entry := range entries {
		deviceID, err := s.hub.stats.ResolveDeviceID(ctx, s.locationID, entry.PublicKey)
		if err != nil {
			s.log.Warn().Err(err).Str("public_key", entry.PublicKey).Msg("Failed to resolve peer for stats ingest")
			s.closeWithCode(CloseUnknownError, "peer resolution failed")
			return
		}
		if err := s.hub.stats.RecordStats(ctx, deviceID, s.locationID, entry, collectedAt); err != nil {
			s.log.Error().Err(err).Stringer("device_id", deviceID).Msg("Failed to record peer stats")
			s.closeWithCode(CloseUnknownError, "internal error")
			return
		}
	}

	ack, err := NewStatsAckFrame()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build stats ack frame")
		return
	}
	s.enqueue(ack)
}

func (s *GatewaySession) handleHeartbeat() {
	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build heartbeat ack frame")
		return
	}
	s.enqueue(ack)
}

// enqueue sends a message to the session's write channel. On overflow the connection is closed: per the
// slow-consumer policy, the Gateway must reconnect and re-request Config from scratch rather than let a backlog grow
// unbounded.
func (s *GatewaySession) enqueue(msg []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.log.Warn().Msg("Gateway send buffer full, closing connection")
		s.closeWithCode(CloseUnknownError, "slow consumer")
	}
}

func (s *GatewaySession) closeWithCode(code int, reason string) {
	if s.conn == nil {
		s.closeSend()
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.closeSend()
	_ = s.conn.Close()
}
