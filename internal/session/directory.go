// Package session mirrors live sync sessions into Redis so that other
// processes and the HTTP API can list who is connected.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 90 * time.Second

// Record describes one live connection.
type Record struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastSeen       time.Time `json:"lastSeen"`
}

// RedisDirectory stores one key per session, expiring unless touched, and
// a sorted set per organization scored by last-seen time.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisDirectory(redisURL string, ttl time.Duration) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDirectoryWithClient(client, ttl), nil
}

func NewRedisDirectoryWithClient(client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisDirectory{client: client, prefix: "treesync:", ttl: ttl, now: time.Now}
}

func (d *RedisDirectory) sessionKey(sessionID string) string {
	return d.prefix + "session:" + sessionID
}

func (d *RedisDirectory) orgKey(orgID string) string {
	return d.prefix + "org-sessions:" + orgID
}

// Track registers or replaces a session record.
func (d *RedisDirectory) Track(ctx context.Context, rec Record) error {
	now := d.now().UTC()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	rec.LastSeen = now
	return d.save(ctx, rec)
}

func (d *RedisDirectory) save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.Set(ctx, d.sessionKey(rec.SessionID), data, d.ttl)
	if rec.OrganizationID != "" {
		pipe.ZAdd(ctx, d.orgKey(rec.OrganizationID), redis.Z{Score: float64(rec.LastSeen.Unix()), Member: rec.SessionID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// Lookup returns the record of a live session, or ok=false when it has
// expired or was never tracked.
func (d *RedisDirectory) Lookup(ctx context.Context, sessionID string) (Record, bool, error) {
	raw, err := d.client.Get(ctx, d.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal session record: %w", err)
	}
	return rec, true, nil
}

// SetOrganization moves a session to orgID, leaving its previous scope.
func (d *RedisDirectory) SetOrganization(ctx context.Context, sessionID, orgID string) error {
	rec, ok, err := d.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.OrganizationID != "" && rec.OrganizationID != orgID {
		if err := d.client.ZRem(ctx, d.orgKey(rec.OrganizationID), sessionID).Err(); err != nil {
			return fmt.Errorf("leave organization: %w", err)
		}
	}
	rec.OrganizationID = orgID
	rec.LastSeen = d.now().UTC()
	return d.save(ctx, rec)
}

// Touch extends the lifetime of a session after a pong.
func (d *RedisDirectory) Touch(ctx context.Context, sessionID string) error {
	rec, ok, err := d.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec.LastSeen = d.now().UTC()
	return d.save(ctx, rec)
}

// Forget removes a session. Forgetting an unknown session is not an error.
func (d *RedisDirectory) Forget(ctx context.Context, sessionID string) error {
	rec, ok, err := d.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, d.sessionKey(sessionID))
	if ok && rec.OrganizationID != "" {
		pipe.ZRem(ctx, d.orgKey(rec.OrganizationID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("forget session: %w", err)
	}
	return nil
}

// ListOrganization returns the live sessions of orgID, most recently seen
// first. Members whose record expired are pruned from the set.
func (d *RedisDirectory) ListOrganization(ctx context.Context, orgID string) ([]Record, error) {
	ids, err := d.client.ZRevRange(ctx, d.orgKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list organization sessions: %w", err)
	}
	out := make([]Record, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.sessionKey(id)
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load organization sessions: %w", err)
	}

	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session record: %w", err)
		}
		if rec.OrganizationID != orgID {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := d.client.ZRem(ctx, d.orgKey(orgID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune organization sessions: %w", err)
		}
	}
	return out, nil
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
