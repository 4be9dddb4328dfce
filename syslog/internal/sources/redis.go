package sources

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// Redis key structure:
//
//	syslog:sources                      - Set of "{ip}|{port}" members
//	syslog:source:{ip}|{port}           - Hash with events_received, last_event_at, hostname
//	syslog:source:instances:{ip}|{port} - Hash of instance -> last seen unix time
const (
	sourcesSetKey   = "syslog:sources"
	sourceKeyFmt    = "syslog:source:%s"
	instancesKeyFmt = "syslog:source:instances:%s"
	instancesTTL    = 24 * time.Hour
)

// RedisMirror mirrors source counters into Redis so several instances
// behind one VIP report combined totals.
type RedisMirror struct {
	redis      *redis.Client
	instanceID string
}

// NewRedisMirror wraps an existing Redis connection.
func NewRedisMirror(client *redis.Client, instanceID string) *RedisMirror {
	return &RedisMirror{redis: client, instanceID: instanceID}
}

func member(key models.SourceKey) string {
	return key.IP + "|" + strconv.Itoa(key.Port)
}

// Write adds a batch of observations.
func (m *RedisMirror) Write(ctx context.Context, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	nowUnix := strconv.FormatInt(time.Now().Unix(), 10)
	pipe := m.redis.Pipeline()
	for _, o := range obs {
		id := member(o.Key)
		key := fmt.Sprintf(sourceKeyFmt, id)

		pipe.SAdd(ctx, sourcesSetKey, id)
		pipe.HIncrBy(ctx, key, "events_received", o.Count)
		fields := map[string]interface{}{
			"last_event_at": strconv.FormatInt(o.LastEventAt.UnixMilli(), 10),
		}
		if o.Hostname != "" {
			fields["hostname"] = o.Hostname
		}
		pipe.HSet(ctx, key, fields)

		instancesKey := fmt.Sprintf(instancesKeyFmt, id)
		pipe.HSet(ctx, instancesKey, m.instanceID, nowUnix)
		pipe.Expire(ctx, instancesKey, instancesTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write source stats: %w", err)
	}
	return nil
}

// Stats reads the combined totals of every mirrored source.
func (m *RedisMirror) Stats(ctx context.Context) ([]models.SourceStats, error) {
	members, err := m.redis.SMembers(ctx, sourcesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	sort.Strings(members)

	pipe := m.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, id := range members {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(sourceKeyFmt, id))
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read source stats: %w", err)
		}
	}

	out := make([]models.SourceStats, 0, len(members))
	for i, id := range members {
		ip, portStr, ok := strings.Cut(id, "|")
		if !ok {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		fields := cmds[i].Val()

		s := models.SourceStats{Name: fields["hostname"], IPAddress: ip, Port: port}
		if s.Name == "" {
			s.Name = ip
		}
		s.EventsReceived, _ = strconv.ParseInt(fields["events_received"], 10, 64)
		if ms, err := strconv.ParseInt(fields["last_event_at"], 10, 64); err == nil {
			at := time.UnixMilli(ms).UTC()
			s.LastEventAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

// Instances returns instance -> last seen unix time for one source.
func (m *RedisMirror) Instances(ctx context.Context, key models.SourceKey) (map[string]string, error) {
	return m.redis.HGetAll(ctx, fmt.Sprintf(instancesKeyFmt, member(key))).Result()
}
