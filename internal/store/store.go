// Package store provides read access to the relational store holding
// proxy, device, and tenant records.
//
// # Design
//
// The store uses raw SQL with pgx. This service does not own the schema:
// proxy and device records belong to the dashboard's CRUD layer, and
// everything here is read-only. The only mutation to device rows (the
// bound proxy id) happens remotely through the device-management API.
//
// Devices live in two disjoint tables: hardware-class devices in `devices`
// and cloud-class devices in `cloud_devices`.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// PROXIES
// =============================================================================

const proxyColumns = `id, ip, port, account, password, protocol, merchant_id, country_code, note`

// GetProxy retrieves a proxy by id. Returns nil when not found.
func (s *Store) GetProxy(ctx context.Context, id int64) (*types.ProxyRecord, error) {
	var p types.ProxyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT `+proxyColumns+`
		FROM proxies WHERE id = $1
	`, id).Scan(
		&p.ID, &p.IP, &p.Port, &p.Account, &p.Password, &p.Protocol,
		&p.MerchantID, &p.CountryCode, &p.Note,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProxiesByIDs retrieves the proxies with the given ids.
func (s *Store) ListProxiesByIDs(ctx context.Context, ids []int64) ([]types.ProxyRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+proxyColumns+`
		FROM proxies WHERE id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProxies(rows)
}

// ListReplacementCandidates returns proxies sharing the given tenant and
// region, excluding the failed proxy. Ordered by id so the selector's
// first-reachable pick is deterministic among equally reachable candidates.
func (s *Store) ListReplacementCandidates(ctx context.Context, merchantID int64, countryCode string, excludeID int64) ([]types.ProxyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+proxyColumns+`
		FROM proxies
		WHERE merchant_id = $1 AND country_code = $2 AND id <> $3
		ORDER BY id
	`, merchantID, countryCode, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProxies(rows)
}

func scanProxies(rows pgx.Rows) ([]types.ProxyRecord, error) {
	var proxies []types.ProxyRecord
	for rows.Next() {
		var p types.ProxyRecord
		if err := rows.Scan(
			&p.ID, &p.IP, &p.Port, &p.Account, &p.Password, &p.Protocol,
			&p.MerchantID, &p.CountryCode, &p.Note,
		); err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// =============================================================================
// DEVICES
// =============================================================================

// ListDevicesByProxy returns every device currently bound to the given
// proxy, across both device classes.
func (s *Store) ListDevicesByProxy(ctx context.Context, proxyID int64) ([]types.DeviceRef, error) {
	hardware, err := s.listDevices(ctx, `
		SELECT id, online, merchant_id, proxy_id
		FROM devices WHERE proxy_id = $1
	`, types.DeviceKindHardware, proxyID)
	if err != nil {
		return nil, fmt.Errorf("listing hardware devices: %w", err)
	}

	cloud, err := s.listDevices(ctx, `
		SELECT id, online, merchant_id, proxy_id
		FROM cloud_devices WHERE proxy_id = $1
	`, types.DeviceKindCloud, proxyID)
	if err != nil {
		return nil, fmt.Errorf("listing cloud devices: %w", err)
	}

	return append(hardware, cloud...), nil
}

// ListInUseDevices returns every device bound to some proxy, across both
// device classes.
func (s *Store) ListInUseDevices(ctx context.Context) ([]types.DeviceRef, error) {
	hardware, err := s.listDevices(ctx, `
		SELECT id, online, merchant_id, proxy_id
		FROM devices WHERE proxy_id IS NOT NULL AND proxy_id <> 0
	`, types.DeviceKindHardware)
	if err != nil {
		return nil, fmt.Errorf("listing hardware devices: %w", err)
	}

	cloud, err := s.listDevices(ctx, `
		SELECT id, online, merchant_id, proxy_id
		FROM cloud_devices WHERE proxy_id IS NOT NULL AND proxy_id <> 0
	`, types.DeviceKindCloud)
	if err != nil {
		return nil, fmt.Errorf("listing cloud devices: %w", err)
	}

	return append(hardware, cloud...), nil
}

func (s *Store) listDevices(ctx context.Context, query string, kind types.DeviceKind, args ...any) ([]types.DeviceRef, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []types.DeviceRef
	for rows.Next() {
		d := types.DeviceRef{Kind: kind}
		if err := rows.Scan(&d.ID, &d.Online, &d.MerchantID, &d.ProxyID); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// =============================================================================
// FLEET
// =============================================================================

// InUseFleet returns the proxies currently bound to at least one device,
// together with the devices grouped by proxy id.
func (s *Store) InUseFleet(ctx context.Context) ([]types.ProxyRecord, map[int64][]types.DeviceRef, error) {
	devices, err := s.ListInUseDevices(ctx)
	if err != nil {
		return nil, nil, err
	}

	byProxy := make(map[int64][]types.DeviceRef)
	for _, d := range devices {
		byProxy[d.ProxyID] = append(byProxy[d.ProxyID], d)
	}

	ids := make([]int64, 0, len(byProxy))
	for id := range byProxy {
		ids = append(ids, id)
	}

	proxies, err := s.ListProxiesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return proxies, byProxy, nil
}
