package gatewayrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const eventsChannel = "defguard.gateway.events"

// Publisher serialises GatewayEvent values and publishes them to a Valkey pub/sub channel so that every Core replica
// forwards the update to the Gateways it has attached locally, not only the replica that committed the mutation.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Gateway RPC event publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish serialises the event as JSON and publishes it to the Gateway events channel.
func (p *Publisher) Publish(ctx context.Context, event GatewayEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}
