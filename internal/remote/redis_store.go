package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/util"
)

const (
	keyPrefix     = "ainex:"
	spacesKey     = keyPrefix + "spaces"
	changeChannel = keyPrefix + "changed"
	// spacesTopic is published when space membership changes; shared-
	// partition snapshots depend on it as much as on entity writes.
	spacesTopic = "spaces"
)

// RedisStore keeps each collection in a single hash of id -> JSON and
// fans out change notifications over one pub/sub channel whose payload
// names the collection that changed. Subscribers re-read the full
// matching set on every message, which gives the engine the full-
// snapshot semantics it expects.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func entitiesKey(collection string) string {
	return keyPrefix + "entities:" + collection
}

// subscription guards callback delivery against a concurrent cancel so
// that no callback fires after cancel returns.
type subscription struct {
	mu     sync.Mutex
	closed bool
	errd   bool
}

func (s *subscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && !s.errd {
		fn()
	}
}

// fail runs fn at most once and stops all further delivery.
func (s *subscription) fail(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.errd {
		return
	}
	s.errd = true
	fn()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *RedisStore) Subscribe(ctx context.Context, collection, userID string, p Partition, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	pubsub := s.client.Subscribe(ctx, changeChannel)
	sub := &subscription{}

	go func() {
		push := func() bool {
			snap, err := s.fetchPartition(ctx, collection, userID, p)
			if err != nil {
				sub.fail(func() { onError(err) })
				return false
			}
			sub.deliver(func() { onSnapshot(snap) })
			return true
		}

		if !push() {
			return
		}
		for msg := range pubsub.Channel() {
			if msg.Payload != collection && msg.Payload != spacesTopic {
				continue
			}
			if !push() {
				return
			}
		}
	}()

	cancel := func() {
		sub.close()
		_ = pubsub.Close()
	}
	return cancel, nil
}

// fetchPartition reads the complete current set for one partition. The
// result is sorted by creation time then id so repeated snapshots of
// unchanged data are byte-for-byte identical.
func (s *RedisStore) fetchPartition(ctx context.Context, collection, userID string, p Partition) ([]entity.Entity, error) {
	all, err := s.readCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	if p == PartitionOwned {
		out := make([]entity.Entity, 0, len(all))
		for _, e := range all {
			if e.OwnerID == userID {
				out = append(out, e)
			}
		}
		return out, nil
	}

	spaces, err := s.ListSpaces(ctx, userID)
	if err != nil {
		return nil, err
	}
	member := make(map[string]struct{}, len(spaces))
	for _, sp := range spaces {
		member[sp.ID] = struct{}{}
	}

	out := make([]entity.Entity, 0)
	for _, e := range all {
		if e.OwnerID == userID || e.SpaceID == "" {
			continue
		}
		if _, ok := member[e.SpaceID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RedisStore) readCollection(ctx context.Context, collection string) ([]entity.Entity, error) {
	vals, err := s.client.HGetAll(ctx, entitiesKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("read collection %s: %w", collection, err)
	}
	out := make([]entity.Entity, 0, len(vals))
	for id, raw := range vals {
		var e entity.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode entity %s: %w", id, err)
		}
		out = append(out, e.Normalized())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RedisStore) writeEntity(ctx context.Context, collection string, e entity.Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	if err := s.client.HSet(ctx, entitiesKey(collection), e.ID, raw).Err(); err != nil {
		return fmt.Errorf("write entity %s: %w", e.ID, err)
	}
	return s.publish(ctx, collection)
}

// Get reads a single entity by id.
func (s *RedisStore) Get(ctx context.Context, collection, id string) (entity.Entity, error) {
	raw, err := s.client.HGet(ctx, entitiesKey(collection), id).Result()
	if err == redis.Nil {
		return entity.Entity{}, ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("read entity %s: %w", id, err)
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entity.Entity{}, fmt.Errorf("decode entity %s: %w", id, err)
	}
	return e.Normalized(), nil
}

func (s *RedisStore) publish(ctx context.Context, topic string) error {
	if err := s.client.Publish(ctx, changeChannel, topic).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, collection string, e entity.Entity) (string, error) {
	e.ID = util.NewID("ent")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e = e.Normalized()
	if err := s.writeEntity(ctx, collection, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *RedisStore) Update(ctx context.Context, collection, id string, patch entity.Patch) error {
	e, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	return s.writeEntity(ctx, collection, patch.Apply(e, time.Now().UTC()))
}

func (s *RedisStore) SoftDelete(ctx context.Context, collection, id string) error {
	e, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.DeletedAt = &now
	e.UpdatedAt = now
	return s.writeEntity(ctx, collection, e)
}

func (s *RedisStore) Restore(ctx context.Context, collection, id string) error {
	e, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	e.DeletedAt = nil
	e.UpdatedAt = time.Now().UTC()
	return s.writeEntity(ctx, collection, e)
}

func (s *RedisStore) HardDelete(ctx context.Context, collection, id string) error {
	n, err := s.client.HDel(ctx, entitiesKey(collection), id).Result()
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.publish(ctx, collection)
}

func (s *RedisStore) SetPinned(ctx context.Context, collection, id string, pinned bool) error {
	e, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	e.Pinned = pinned
	e.UpdatedAt = time.Now().UTC()
	return s.writeEntity(ctx, collection, e)
}

func (s *RedisStore) SetArchived(ctx context.Context, collection, id string, archived bool) error {
	e, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	e.Archived = archived
	e.UpdatedAt = time.Now().UTC()
	return s.writeEntity(ctx, collection, e)
}

func (s *RedisStore) ListAll(ctx context.Context, collection string) ([]entity.Entity, error) {
	return s.readCollection(ctx, collection)
}

func (s *RedisStore) CreateSpace(ctx context.Context, sp entity.Space) (string, error) {
	sp.ID = util.NewID("space")
	now := time.Now().UTC()
	sp.CreatedAt = now
	sp.UpdatedAt = now
	if err := s.writeSpace(ctx, sp); err != nil {
		return "", err
	}
	return sp.ID, nil
}

func (s *RedisStore) ListSpaces(ctx context.Context, userID string) ([]entity.Space, error) {
	vals, err := s.client.HGetAll(ctx, spacesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read spaces: %w", err)
	}
	out := make([]entity.Space, 0, len(vals))
	for id, raw := range vals {
		var sp entity.Space
		if err := json.Unmarshal([]byte(raw), &sp); err != nil {
			return nil, fmt.Errorf("decode space %s: %w", id, err)
		}
		if sp.HasMember(userID) {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RedisStore) UpdateSpace(ctx context.Context, sp entity.Space) error {
	exists, err := s.client.HExists(ctx, spacesKey, sp.ID).Result()
	if err != nil {
		return fmt.Errorf("check space %s: %w", sp.ID, err)
	}
	if !exists {
		return ErrNotFound
	}
	sp.UpdatedAt = time.Now().UTC()
	return s.writeSpace(ctx, sp)
}

func (s *RedisStore) DeleteSpace(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, spacesKey, id).Result()
	if err != nil {
		return fmt.Errorf("delete space %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.publish(ctx, spacesTopic)
}

func (s *RedisStore) writeSpace(ctx context.Context, sp entity.Space) error {
	raw, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("encode space %s: %w", sp.ID, err)
	}
	if err := s.client.HSet(ctx, spacesKey, sp.ID, raw).Err(); err != nil {
		return fmt.Errorf("write space %s: %w", sp.ID, err)
	}
	return s.publish(ctx, spacesTopic)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
