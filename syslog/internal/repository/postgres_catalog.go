package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

const upsertObservedSQL = `
	INSERT INTO syslog_sources (id, name, ip_address, port, protocol, hostname, device_type, events_received, last_event_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (ip_address, port) DO UPDATE SET
		events_received = syslog_sources.events_received + EXCLUDED.events_received,
		last_event_at = GREATEST(syslog_sources.last_event_at, EXCLUDED.last_event_at),
		hostname = CASE WHEN EXCLUDED.hostname <> '' THEN EXCLUDED.hostname ELSE syslog_sources.hostname END,
		device_type = COALESCE(syslog_sources.device_type, EXCLUDED.device_type),
		updated_at = NOW()
`

func (r *PostgresRepository) UpsertObserved(ctx context.Context, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range obs {
		protocol := o.Protocol
		if protocol == "" {
			protocol = models.TransportUDP
		}
		batch.Queue(upsertObservedSQL,
			uuid.NewString(), discoveredName(o), o.Key.IP, o.Key.Port, string(protocol),
			o.Hostname, o.DeviceType, o.Count, o.LastEventAt,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert source observations: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertSource(ctx context.Context, s *models.Source) error {
	query := `
		INSERT INTO syslog_sources (id, name, ip_address, port, protocol, hostname, device_type, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ip_address, port) DO UPDATE SET
			name = EXCLUDED.name,
			protocol = EXCLUDED.protocol,
			is_active = EXCLUDED.is_active,
			hostname = CASE WHEN EXCLUDED.hostname <> '' THEN EXCLUDED.hostname ELSE syslog_sources.hostname END,
			device_type = COALESCE(EXCLUDED.device_type, syslog_sources.device_type),
			updated_at = NOW()
		RETURNING id
	`
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx, query,
		id, s.Name, s.IPAddress, s.Port, string(s.Protocol), s.Hostname, s.DeviceType, s.IsActive,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListSources(ctx context.Context) ([]*models.Source, error) {
	query := `
		SELECT id, name, ip_address, port, protocol, hostname, device_type, is_active,
			events_received, last_event_at, created_at
		FROM syslog_sources
		ORDER BY ip_address, port
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		s := &models.Source{}
		var protocol string
		if err := rows.Scan(
			&s.ID, &s.Name, &s.IPAddress, &s.Port, &protocol, &s.Hostname, &s.DeviceType,
			&s.IsActive, &s.EventsReceived, &s.LastEventAt, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		s.Protocol = models.Transport(protocol)
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *PostgresRepository) SourceStats(ctx context.Context) ([]models.SourceStats, error) {
	query := `
		SELECT name, ip_address, port, events_received, last_event_at
		FROM syslog_sources
		ORDER BY events_received DESC, ip_address, port
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query source stats: %w", err)
	}
	defer rows.Close()

	var stats []models.SourceStats
	for rows.Next() {
		var s models.SourceStats
		if err := rows.Scan(&s.Name, &s.IPAddress, &s.Port, &s.EventsReceived, &s.LastEventAt); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) ListActiveFilters(ctx context.Context) ([]*models.Filter, error) {
	query := `
		SELECT id, name, criteria, action, tag, is_active, match_count, created_at, updated_at
		FROM syslog_filters
		WHERE is_active
		ORDER BY created_at, name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	defer rows.Close()

	var filters []*models.Filter
	for rows.Next() {
		f := &models.Filter{}
		var criteria []byte
		var action string
		if err := rows.Scan(
			&f.ID, &f.Name, &criteria, &action, &f.Tag, &f.IsActive,
			&f.MatchCount, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		if err := json.Unmarshal(criteria, &f.Criteria); err != nil {
			return nil, fmt.Errorf("failed to decode criteria of filter %q: %w", f.Name, err)
		}
		f.Action = models.Action(action)
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

func (r *PostgresRepository) IncrementMatchCounts(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, n := range deltas {
		batch.Queue(`UPDATE syslog_filters SET match_count = match_count + $2 WHERE id = $1`, id, n)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to increment filter match counts: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertFilter(ctx context.Context, f *models.Filter) error {
	criteria, err := json.Marshal(f.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode filter criteria: %w", err)
	}
	query := `
		INSERT INTO syslog_filters (id, name, criteria, action, tag, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			criteria = EXCLUDED.criteria,
			action = EXCLUDED.action,
			tag = EXCLUDED.tag,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id
	`
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := r.pool.QueryRow(ctx, query, id, f.Name, criteria, string(f.Action), f.Tag, f.IsActive).Scan(&f.ID); err != nil {
		return fmt.Errorf("failed to upsert filter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListActiveTargets(ctx context.Context) ([]*models.Target, error) {
	query := `
		SELECT id, name, target_host, target_port, protocol, tls_enabled, tls_verify,
			ca_cert_ref, framing, criteria, retry_count, retry_delay_ms, is_active,
			status, events_forwarded, last_error, last_error_at
		FROM syslog_forwarders
		WHERE is_active
		ORDER BY name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.Target
	for rows.Next() {
		t := &models.Target{}
		var protocol, framing, status string
		var criteria []byte
		var retryDelayMS int64
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Host, &t.Port, &protocol, &t.TLSEnabled, &t.TLSVerify,
			&t.CACertRef, &framing, &criteria, &t.RetryCount, &retryDelayMS, &t.IsActive,
			&status, &t.EventsForwarded, &t.LastError, &t.LastErrorAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		if err := json.Unmarshal(criteria, &t.Criteria); err != nil {
			return nil, fmt.Errorf("failed to decode criteria of target %q: %w", t.Name, err)
		}
		t.Protocol = models.Transport(protocol)
		t.Framing = models.Framing(framing)
		t.Status = models.TargetStatus(status)
		t.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *PostgresRepository) UpdateTargetStats(ctx context.Context, id string, stats TargetStats) error {
	query := `
		UPDATE syslog_forwarders SET
			status = $2,
			events_forwarded = events_forwarded + $3,
			last_error = CASE WHEN $5::timestamptz IS NULL THEN last_error ELSE $4 END,
			last_error_at = COALESCE($5::timestamptz, last_error_at),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, string(stats.Status), stats.ForwardedDelta, stats.LastError, stats.LastErrorAt)
	if err != nil {
		return fmt.Errorf("failed to update target stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) UpsertTarget(ctx context.Context, t *models.Target) error {
	criteria, err := json.Marshal(t.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode target criteria: %w", err)
	}
	framing := t.Framing
	if framing == "" {
		framing = models.FramingLF
	}
	query := `
		INSERT INTO syslog_forwarders (
			id, name, target_host, target_port, protocol, tls_enabled, tls_verify,
			ca_cert_ref, framing, criteria, retry_count, retry_delay_ms, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) DO UPDATE SET
			target_host = EXCLUDED.target_host,
			target_port = EXCLUDED.target_port,
			protocol = EXCLUDED.protocol,
			tls_enabled = EXCLUDED.tls_enabled,
			tls_verify = EXCLUDED.tls_verify,
			ca_cert_ref = EXCLUDED.ca_cert_ref,
			framing = EXCLUDED.framing,
			criteria = EXCLUDED.criteria,
			retry_count = EXCLUDED.retry_count,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id
	`
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = r.pool.QueryRow(ctx, query,
		id, t.Name, t.Host, t.Port, string(t.Protocol), t.TLSEnabled, t.TLSVerify,
		t.CACertRef, string(framing), criteria, t.RetryCount, t.RetryDelay.Milliseconds(), t.IsActive,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert target: %w", err)
	}
	return nil
}
