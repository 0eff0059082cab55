package clientmfa

import (
	"encoding/json"

	"github.com/google/uuid"
)

// deviceCreatedEvent is the payload shape of a TagDeviceCreated Update, matching what Gateways expect to merge into
// their local peer table without waiting for a fresh OpConfig round-trip.
type deviceCreatedEvent struct {
	DeviceID     uuid.UUID `json:"device_id"`
	LocationID   uuid.UUID `json:"location_id"`
	Pubkey       string    `json:"pubkey"`
	WireguardIPs []string  `json:"wireguard_ips"`
	PresharedKey string    `json:"preshared_key"`
}

func deviceCreatedPayload(deviceID, locationID uuid.UUID, pubkey string, ips []string, psk string) json.RawMessage {
	payload, err := json.Marshal(deviceCreatedEvent{
		DeviceID:     deviceID,
		LocationID:   locationID,
		Pubkey:       pubkey,
		WireguardIPs: ips,
		PresharedKey: psk,
	})
	if err != nil {
		// Marshal of a plain struct with no cyclic or unsupported fields cannot fail.
		return json.RawMessage("{}")
	}
	return payload
}
