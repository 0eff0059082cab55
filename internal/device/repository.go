package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defguard/defguard-core/internal/postgres"
)

const deviceColumns = `id, user_id, name, pubkey, device_type, configured, created_at`
const networkDeviceColumns = `id, device_id, location_id, wireguard_ips, preshared_key, is_authorized, authorized_at, created_at`

// PGRepository is the pgx-backed implementation of Repository.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository constructs a PGRepository over db.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	var typ string
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Pubkey, &typ, &d.Configured, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.DeviceType = Type(typ)
	return &d, nil
}

func scanNetworkDevice(row pgx.Row) (*NetworkDevice, error) {
	var nd NetworkDevice
	var psk *string
	if err := row.Scan(&nd.ID, &nd.DeviceID, &nd.LocationID, &nd.WireguardIPs, &psk, &nd.IsAuthorized,
		&nd.AuthorizedAt, &nd.CreatedAt); err != nil {
		return nil, err
	}
	if psk != nil {
		nd.PresharedKey = *psk
	}
	return &nd, nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	if params.Name == "" {
		return uuid.Nil, ErrNameRequired
	}
	typ := params.DeviceType
	if typ == "" {
		typ = TypeUser
	}

	var gatewayCollision bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM locations WHERE gateway_pubkey = $1)`, params.Pubkey,
	).Scan(&gatewayCollision); err != nil {
		return uuid.Nil, fmt.Errorf("check gateway key collision: %w", err)
	}
	if gatewayCollision {
		return uuid.Nil, ErrPubkeyIsGatewayKey
	}

	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO devices (user_id, name, pubkey, device_type) VALUES ($1, $2, $3, $4) RETURNING id`,
		params.UserID, params.Name, params.Pubkey, string(typ),
	).Scan(&id)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return uuid.Nil, ErrPubkeyExists
		}
		return uuid.Nil, fmt.Errorf("insert device: %w", err)
	}
	return id, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

func (r *PGRepository) GetByPubkey(ctx context.Context, pubkey string) (*Device, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE pubkey = $1`, pubkey)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	rows, err := r.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetConfigured(ctx context.Context, id uuid.UUID, configured bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE devices SET configured = $2 WHERE id = $1`, id, configured)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddToLocation allocates the next free address in each of the location's CIDRs and inserts the NetworkDevice row,
// all inside one transaction so concurrent joins never race onto the same address.
func (r *PGRepository) AddToLocation(ctx context.Context, deviceID, locationID uuid.UUID) (*NetworkDevice, error) {
	var result *NetworkDevice
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var cidrStrs []string
		if err := tx.QueryRow(ctx, `SELECT cidrs FROM locations WHERE id = $1 FOR UPDATE`, locationID).
			Scan(&cidrStrs); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errLocationNotFound
			}
			return fmt.Errorf("lock location: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT wireguard_ips FROM network_devices WHERE location_id = $1`, locationID)
		if err != nil {
			return fmt.Errorf("query existing addresses: %w", err)
		}
		used := make(map[string]struct{})
		for rows.Next() {
			var ips []string
			if err := rows.Scan(&ips); err != nil {
				rows.Close()
				return fmt.Errorf("scan existing addresses: %w", err)
			}
			for _, ip := range ips {
				host, _, err := net.ParseCIDR(ip)
				if err != nil {
					if parsed := net.ParseIP(ip); parsed != nil {
						used[parsed.String()] = struct{}{}
					}
					continue
				}
				used[host.String()] = struct{}{}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		assigned := make([]string, 0, len(cidrStrs))
		for _, c := range cidrStrs {
			_, cidr, err := net.ParseCIDR(c)
			if err != nil {
				return fmt.Errorf("parse location cidr %q: %w", c, err)
			}
			ip, err := nextFreeIP(cidr, used)
			if err != nil {
				return err
			}
			used[ip.String()] = struct{}{}
			assigned = append(assigned, addressWithPrefix(ip, cidr))
		}

		var id uuid.UUID
		var createdAt time.Time
		err = tx.QueryRow(ctx,
			`INSERT INTO network_devices (device_id, location_id, wireguard_ips)
			 VALUES ($1, $2, $3) RETURNING id, created_at`,
			deviceID, locationID, assigned,
		).Scan(&id, &createdAt)
		if err != nil {
			return fmt.Errorf("insert network device: %w", err)
		}

		result = &NetworkDevice{
			ID:           id,
			DeviceID:     deviceID,
			LocationID:   locationID,
			WireguardIPs: assigned,
			CreatedAt:    createdAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// errLocationNotFound is a private sentinel: this query only needs the locations table's cidrs column, not the full
// internal/network entity, so it is scoped to this file rather than imported from that package.
var errLocationNotFound = errors.New("location not found")

func (r *PGRepository) RemoveFromLocation(ctx context.Context, deviceID, locationID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM network_devices WHERE device_id = $1 AND location_id = $2`,
		deviceID, locationID)
	if err != nil {
		return fmt.Errorf("delete network device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNetworkDeviceNotFound
	}
	return nil
}

func (r *PGRepository) GetNetworkDevice(ctx context.Context, deviceID, locationID uuid.UUID) (*NetworkDevice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+networkDeviceColumns+` FROM network_devices
		WHERE device_id = $1 AND location_id = $2`, deviceID, locationID)
	nd, err := scanNetworkDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNetworkDeviceNotFound
		}
		return nil, fmt.Errorf("query network device: %w", err)
	}
	return nd, nil
}

func (r *PGRepository) GetNetworkDeviceByPubkey(ctx context.Context, locationID uuid.UUID, pubkey string) (*NetworkDevice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT nd.id, nd.device_id, nd.location_id, nd.wireguard_ips, nd.preshared_key, nd.is_authorized,
			nd.authorized_at, nd.created_at
		 FROM network_devices nd
		 JOIN devices d ON d.id = nd.device_id
		 WHERE nd.location_id = $1 AND d.pubkey = $2`,
		locationID, pubkey,
	)
	nd, err := scanNetworkDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNetworkDeviceNotFound
		}
		return nil, fmt.Errorf("query network device: %w", err)
	}
	return nd, nil
}

// ListByLocation returns every NetworkDevice for a location together with its owning Device's pubkey, ordered by
// device id, matching the join shape a Gateway's peer list is built from.
func (r *PGRepository) ListByLocation(ctx context.Context, locationID uuid.UUID) ([]NetworkDeviceWithPeer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT nd.id, nd.device_id, nd.location_id, nd.wireguard_ips, nd.preshared_key, nd.is_authorized,
			nd.authorized_at, nd.created_at, d.pubkey, d.user_id
		 FROM network_devices nd
		 JOIN devices d ON d.id = nd.device_id
		 WHERE nd.location_id = $1
		 ORDER BY d.id`,
		locationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query network devices: %w", err)
	}
	defer rows.Close()

	var peers []NetworkDeviceWithPeer
	for rows.Next() {
		var nd NetworkDevice
		var psk *string
		var pubkey string
		var userID uuid.UUID
		if err := rows.Scan(&nd.ID, &nd.DeviceID, &nd.LocationID, &nd.WireguardIPs, &psk, &nd.IsAuthorized,
			&nd.AuthorizedAt, &nd.CreatedAt, &pubkey, &userID); err != nil {
			return nil, fmt.Errorf("scan network device: %w", err)
		}
		if psk != nil {
			nd.PresharedKey = *psk
		}
		peers = append(peers, NetworkDeviceWithPeer{NetworkDevice: nd, DevicePubkey: pubkey, DeviceUserID: userID})
	}
	return peers, rows.Err()
}

func (r *PGRepository) Authorize(ctx context.Context, networkDeviceID uuid.UUID, presharedKey string, authorizedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE network_devices SET is_authorized = TRUE, preshared_key = $2, authorized_at = $3 WHERE id = $1`,
		networkDeviceID, presharedKey, authorizedAt,
	)
	if err != nil {
		return fmt.Errorf("authorize network device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNetworkDeviceNotFound
	}
	return nil
}

func (r *PGRepository) RecordStats(ctx context.Context, deviceID, locationID uuid.UUID, entry StatsEntry, collectedAt time.Time) error {
	var handshake *time.Time
	if !entry.LatestHandshake.IsZero() {
		handshake = &entry.LatestHandshake
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO wireguard_peer_stats (device_id, location_id, endpoint, upload, download, latest_handshake,
			allowed_ips, collected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		deviceID, locationID, entry.Endpoint, entry.Upload, entry.Download, handshake, entry.AllowedIPs, collectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert peer stats: %w", err)
	}
	return nil
}

// LatestStats returns the most recent sample for every (device_id, location) pair that has ever reported stats for
// this location, used by the peer-stats disconnect detector's per-minute scan.
func (r *PGRepository) LatestStats(ctx context.Context, locationID uuid.UUID) ([]LatestStat, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (device_id, location_id) device_id, location_id, latest_handshake, collected_at
		 FROM wireguard_peer_stats
		 WHERE location_id = $1
		 ORDER BY device_id, location_id, collected_at DESC`,
		locationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest stats: %w", err)
	}
	defer rows.Close()

	var stats []LatestStat
	for rows.Next() {
		var s LatestStat
		var handshake *time.Time
		if err := rows.Scan(&s.DeviceID, &s.LocationID, &handshake, &s.CollectedAt); err != nil {
			return nil, fmt.Errorf("scan latest stat: %w", err)
		}
		if handshake != nil {
			s.LatestHandshake = *handshake
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// CountAll returns the total number of devices.
func (r *PGRepository) CountAll(ctx context.Context) (uint32, error) {
	var count uint32
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM devices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}
