package gatewayrpc

import (
	"time"

	"github.com/google/uuid"
)

// GatewayRecord tracks one attached Gateway connection within a location.
type GatewayRecord struct {
	Name        string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// GatewayEvent is published on the broadcast channel whenever an Update is produced by any mutation path. Every
// connected session filters these by LocationID and forwards only the ones relevant to the location it serves.
type GatewayEvent struct {
	LocationID uuid.UUID `json:"location_id"`
	Update     Update    `json:"update"`
}

// MailNotifier emits the mail-triggering events tied to Gateway liveness transitions. Implementations must be safe
// for concurrent use; NewHub accepts nil to make notification optional in tests and in deployments without SMTP
// configured.
type MailNotifier interface {
	NotifyGatewayReconnected(locationID uuid.UUID)
	NotifyGatewayDisconnected(locationID uuid.UUID)
}
