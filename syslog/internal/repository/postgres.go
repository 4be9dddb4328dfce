package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// PostgresRepository implements Store using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const insertEventSQL = `
	INSERT INTO syslog_events (
		id, received_at, source_ip, source_port, listener_port, transport, format,
		facility, severity, version, device_timestamp, hostname, app_name, proc_id,
		msg_id, structured_data, device_type, event_type, message, raw_message,
		size_bytes, stored_bytes, redacted, tags
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24
	)
	ON CONFLICT (id) DO NOTHING
`

// InsertBatch writes events in one round trip. Re-inserting an ID is a no-op
// so a retried batch does not duplicate rows.
func (r *PostgresRepository) InsertBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		tags := ev.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(insertEventSQL,
			ev.ID, ev.ReceivedAt, ev.SourceIP, ev.SourcePort, ev.ListenerPort,
			string(ev.Transport), string(ev.Format), ev.Facility, ev.Severity,
			ev.Version, ev.Timestamp, ev.Hostname, ev.AppName, ev.ProcID,
			ev.MsgID, ev.StructuredData, ev.DeviceType, ev.EventType,
			ev.Message, ev.RawMessage, ev.SizeBytes, ev.StoredBytes(),
			ev.Redacted, tags,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// QueryRecent returns matching events newest first.
func (r *PostgresRepository) QueryRecent(ctx context.Context, q models.EventQuery) ([]*models.Event, error) {
	if _, err := match.Compile(q.Criteria); err != nil {
		return nil, err
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1
	add := func(cond string, v interface{}) {
		whereClause += fmt.Sprintf(" AND "+cond, argPos)
		args = append(args, v)
		argPos++
	}

	c := q.Criteria
	if len(c.Severities) > 0 {
		add("severity = ANY($%d::smallint[])", toInt32s(c.Severities))
	}
	if len(c.Facilities) > 0 {
		add("facility = ANY($%d::smallint[])", toInt32s(c.Facilities))
	}
	if host := strings.TrimSpace(c.Hostname); host != "" {
		if expr, ok := strings.CutPrefix(host, match.RegexPrefix); ok {
			add("hostname ~* $%d", expr)
		} else {
			add("hostname ILIKE $%d", "%"+escapeLike(host)+"%")
		}
	}
	if expr := match.MessagePattern(c.Message); expr != "" {
		add("message ~ $%d", expr)
	}
	if c.DeviceType != "" {
		add("lower(device_type) = lower($%d)", c.DeviceType)
	}
	if c.EventType != "" {
		add("lower(event_type) = lower($%d)", c.EventType)
	}
	if q.Since != nil {
		add("received_at >= $%d", *q.Since)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			id, received_at, source_ip, source_port, listener_port, transport, format,
			facility, severity, version, device_timestamp, hostname, app_name, proc_id,
			msg_id, structured_data, device_type, event_type, message, raw_message,
			size_bytes, redacted, tags
		FROM syslog_events
		%s
		ORDER BY received_at DESC, id DESC
		LIMIT $%d
	`, whereClause, argPos)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev := &models.Event{}
		var transport, format string
		var facility, severity *int16
		var version int16
		if err := rows.Scan(
			&ev.ID, &ev.ReceivedAt, &ev.SourceIP, &ev.SourcePort, &ev.ListenerPort,
			&transport, &format, &facility, &severity, &version, &ev.Timestamp,
			&ev.Hostname, &ev.AppName, &ev.ProcID, &ev.MsgID, &ev.StructuredData,
			&ev.DeviceType, &ev.EventType, &ev.Message, &ev.RawMessage,
			&ev.SizeBytes, &ev.Redacted, &ev.Tags,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Transport = models.Transport(transport)
		ev.Format = models.Format(format)
		ev.Facility = widen(facility)
		ev.Severity = widen(severity)
		ev.Version = int(version)
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		if len(ev.Tags) == 0 {
			ev.Tags = nil
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, exclude []string) (Deleted, error) {
	query := `
		WITH deleted AS (
			DELETE FROM syslog_events
			WHERE received_at < $1 AND NOT (id = ANY($2::uuid[]))
			RETURNING stored_bytes
		)
		SELECT COUNT(*), COALESCE(SUM(stored_bytes), 0) FROM deleted
	`
	var d Deleted
	if err := r.pool.QueryRow(ctx, query, cutoff, nonNil(exclude)).Scan(&d.Count, &d.Bytes); err != nil {
		return Deleted{}, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) DeleteOldest(ctx context.Context, n int, exclude []string) (Deleted, error) {
	if n <= 0 {
		return Deleted{}, nil
	}
	query := `
		WITH victims AS (
			SELECT id FROM syslog_events
			WHERE NOT (id = ANY($2::uuid[]))
			ORDER BY received_at ASC, id ASC
			LIMIT $1
		), deleted AS (
			DELETE FROM syslog_events e
			USING victims v
			WHERE e.id = v.id
			RETURNING e.stored_bytes
		)
		SELECT COUNT(*), COALESCE(SUM(stored_bytes), 0) FROM deleted
	`
	var d Deleted
	if err := r.pool.QueryRow(ctx, query, n, nonNil(exclude)).Scan(&d.Count, &d.Bytes); err != nil {
		return Deleted{}, fmt.Errorf("failed to delete oldest events: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) UsageBytes(ctx context.Context) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(stored_bytes), 0) FROM syslog_events`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to read buffer usage: %w", err)
	}
	return total, nil
}

func (r *PostgresRepository) GetBufferSettings(ctx context.Context) (models.BufferSettings, error) {
	query := `
		SELECT max_size_gb, retention_days, cleanup_threshold_percent, updated_at
		FROM syslog_buffer_settings
		WHERE id = 1
	`
	var s models.BufferSettings
	err := r.pool.QueryRow(ctx, query).Scan(&s.MaxSizeGB, &s.RetentionDays, &s.CleanupThresholdPercent, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BufferSettings{}, ErrNotFound
		}
		return models.BufferSettings{}, fmt.Errorf("failed to get buffer settings: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) UpdateBufferSettings(ctx context.Context, s models.BufferSettings) error {
	query := `
		INSERT INTO syslog_buffer_settings (id, max_size_gb, retention_days, cleanup_threshold_percent, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			max_size_gb = EXCLUDED.max_size_gb,
			retention_days = EXCLUDED.retention_days,
			cleanup_threshold_percent = EXCLUDED.cleanup_threshold_percent,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, s.MaxSizeGB, s.RetentionDays, s.CleanupThresholdPercent); err != nil {
		return fmt.Errorf("failed to update buffer settings: %w", err)
	}
	return nil
}

func toInt32s(v []int) []int32 {
	out := make([]int32, len(v))
	for i, n := range v {
		out[i] = int32(n)
	}
	return out
}

func widen(v *int16) *int {
	if v == nil {
		return nil
	}
	return models.Int(int(*v))
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ Store = (*PostgresRepository)(nil)
