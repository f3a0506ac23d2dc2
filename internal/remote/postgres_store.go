package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/util"
)

const notifyChannel = "ainex_changed"

// OpenDB opens the pooled database handle used for queries and writes.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore persists entities and spaces in Postgres and delivers
// change fan-out through LISTEN/NOTIFY: every write issues pg_notify
// with the changed collection as payload, a single dedicated listener
// connection receives them, and each subscription re-queries its full
// partition on a matching payload.
type PostgresStore struct {
	db         *sql.DB
	connString string

	mu           sync.Mutex
	nextListener uint64
	listeners    map[uint64]chan string
	stopListen   context.CancelFunc
}

// NewPostgresStore opens the pool, applies migrations and starts the
// notification listener.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := OpenDB(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	listenCtx, stop := context.WithCancel(context.Background())
	p := &PostgresStore{
		db:         db,
		connString: databaseURL,
		listeners:  make(map[uint64]chan string),
		stopListen: stop,
	}
	go p.listenLoop(listenCtx)
	return p, nil
}

// listenLoop holds one native connection on LISTEN and fans payloads
// out to registered subscriptions, reconnecting on failure.
func (p *PostgresStore) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, p.connString)
		if err != nil {
			log.Printf("remote: listen connect failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			log.Printf("remote: listen failed: %v", err)
			_ = conn.Close(ctx)
			continue
		}
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("remote: notification wait failed, reconnecting: %v", err)
				}
				break
			}
			p.fanout(n.Payload)
		}
		_ = conn.Close(context.Background())
	}
}

func (p *PostgresStore) fanout(payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- payload:
		default:
			// Drop the oldest pending trigger; what matters is that a
			// refresh happens, not how many.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (p *PostgresStore) addListener() (uint64, chan string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextListener++
	ch := make(chan string, 16)
	p.listeners[p.nextListener] = ch
	return p.nextListener, ch
}

func (p *PostgresStore) removeListener(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.listeners[id]; ok {
		delete(p.listeners, id)
		close(ch)
	}
}

func (p *PostgresStore) Subscribe(ctx context.Context, collection, userID string, part Partition, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error) {
	id, ch := p.addListener()
	sub := &subscription{}

	go func() {
		push := func() bool {
			snap, err := p.fetchPartition(ctx, collection, userID, part)
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
		for payload := range ch {
			if payload != collection && payload != spacesTopic {
				continue
			}
			if !push() {
				return
			}
		}
	}()

	cancel := func() {
		sub.close()
		p.removeListener(id)
	}
	return cancel, nil
}

const entityColumns = `id, collection, owner_id, space_id, created_at, updated_at, deleted_at,
	pinned, archived, priority, labels, color, title, body, mood, payload`

func (p *PostgresStore) fetchPartition(ctx context.Context, collection, userID string, part Partition) ([]entity.Entity, error) {
	var rows *sql.Rows
	var err error
	if part == PartitionOwned {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entityColumns+`
			FROM entities
			WHERE collection = $1 AND owner_id = $2
			ORDER BY created_at, id
		`, collection, userID)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entityColumns+`
			FROM entities
			WHERE collection = $1
			  AND owner_id <> $2
			  AND space_id <> ''
			  AND space_id IN (
				SELECT id FROM spaces
				WHERE owner_id = $2 OR member_uids @> jsonb_build_array($2::text)
			  )
			ORDER BY created_at, id
		`, collection, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s partition: %w", part, err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(rows *sql.Rows) (entity.Entity, error) {
	var (
		e          entity.Entity
		collection string
		deletedAt  sql.NullTime
		labels     []byte
		payload    []byte
	)
	err := rows.Scan(&e.ID, &collection, &e.OwnerID, &e.SpaceID, &e.CreatedAt, &e.UpdatedAt,
		&deletedAt, &e.Pinned, &e.Archived, &e.Priority, &labels, &e.Color, &e.Title, &e.Body,
		&e.Mood, &payload)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &e.Labels); err != nil {
			return entity.Entity{}, fmt.Errorf("decode labels for %s: %w", e.ID, err)
		}
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e.Normalized(), nil
}

func (p *PostgresStore) notifyChange(ctx context.Context, topic string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, topic); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, collection string, e entity.Entity) (string, error) {
	e.ID = util.NewID("ent")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e = e.Normalized()

	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,NULL,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, e.ID, collection, e.OwnerID, e.SpaceID, e.CreatedAt, e.UpdatedAt,
		e.Pinned, e.Archived, string(e.Priority), labels, string(e.Color), e.Title, e.Body,
		e.Mood, nullableJSON(e.Payload))
	if err != nil {
		return "", fmt.Errorf("insert entity: %w", err)
	}
	if err := p.notifyChange(ctx, collection); err != nil {
		return "", err
	}
	return e.ID, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (p *PostgresStore) Update(ctx context.Context, collection, id string, patch entity.Patch) error {
	e, err := p.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	e = patch.Apply(e, time.Now().UTC())

	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE entities
		SET space_id=$3, updated_at=$4, priority=$5, labels=$6, color=$7,
		    title=$8, body=$9, mood=$10, payload=$11
		WHERE collection=$1 AND id=$2
	`, collection, id, e.SpaceID, e.UpdatedAt, string(e.Priority), labels, string(e.Color),
		e.Title, e.Body, e.Mood, nullableJSON(e.Payload))
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	return p.notifyChange(ctx, collection)
}

func (p *PostgresStore) Get(ctx context.Context, collection, id string) (entity.Entity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE collection=$1 AND id=$2
	`, collection, id)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("read entity %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return entity.Entity{}, err
		}
		return entity.Entity{}, ErrNotFound
	}
	return scanEntity(rows)
}

func (p *PostgresStore) exec(ctx context.Context, collection, id, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return p.notifyChange(ctx, collection)
}

func (p *PostgresStore) SoftDelete(ctx context.Context, collection, id string) error {
	return p.exec(ctx, collection, id, `
		UPDATE entities SET deleted_at=NOW(), updated_at=NOW()
		WHERE collection=$1 AND id=$2 AND deleted_at IS NULL
	`, collection, id)
}

func (p *PostgresStore) Restore(ctx context.Context, collection, id string) error {
	return p.exec(ctx, collection, id, `
		UPDATE entities SET deleted_at=NULL, updated_at=NOW()
		WHERE collection=$1 AND id=$2 AND deleted_at IS NOT NULL
	`, collection, id)
}

func (p *PostgresStore) HardDelete(ctx context.Context, collection, id string) error {
	return p.exec(ctx, collection, id, `
		DELETE FROM entities WHERE collection=$1 AND id=$2
	`, collection, id)
}

func (p *PostgresStore) SetPinned(ctx context.Context, collection, id string, pinned bool) error {
	return p.exec(ctx, collection, id, `
		UPDATE entities SET pinned=$3, updated_at=NOW() WHERE collection=$1 AND id=$2
	`, collection, id, pinned)
}

func (p *PostgresStore) SetArchived(ctx context.Context, collection, id string, archived bool) error {
	return p.exec(ctx, collection, id, `
		UPDATE entities SET archived=$3, updated_at=NOW() WHERE collection=$1 AND id=$2
	`, collection, id, archived)
}

func (p *PostgresStore) ListAll(ctx context.Context, collection string) ([]entity.Entity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE collection=$1 ORDER BY created_at, id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (p *PostgresStore) CreateSpace(ctx context.Context, sp entity.Space) (string, error) {
	sp.ID = util.NewID("space")
	members, err := json.Marshal(sp.MemberUIDs)
	if err != nil {
		return "", fmt.Errorf("encode members: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO spaces (id, name, type, owner_id, member_uids)
		VALUES ($1, $2, $3, $4, $5)
	`, sp.ID, sp.Name, string(sp.Type), sp.OwnerID, members)
	if err != nil {
		return "", fmt.Errorf("insert space: %w", err)
	}
	if err := p.notifyChange(ctx, spacesTopic); err != nil {
		return "", err
	}
	return sp.ID, nil
}

func (p *PostgresStore) ListSpaces(ctx context.Context, userID string) ([]entity.Space, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, type, owner_id, member_uids, created_at, updated_at
		FROM spaces
		WHERE owner_id = $1 OR member_uids @> jsonb_build_array($1::text)
		ORDER BY name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	out := make([]entity.Space, 0)
	for rows.Next() {
		var sp entity.Space
		var members []byte
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Type, &sp.OwnerID, &members, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		if len(members) > 0 {
			if err := json.Unmarshal(members, &sp.MemberUIDs); err != nil {
				return nil, fmt.Errorf("decode members for %s: %w", sp.ID, err)
			}
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateSpace(ctx context.Context, sp entity.Space) error {
	members, err := json.Marshal(sp.MemberUIDs)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE spaces SET name=$2, type=$3, member_uids=$4, updated_at=NOW() WHERE id=$1
	`, sp.ID, sp.Name, string(sp.Type), members)
	if err != nil {
		return fmt.Errorf("update space %s: %w", sp.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return p.notifyChange(ctx, spacesTopic)
}

func (p *PostgresStore) DeleteSpace(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM spaces WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete space %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return p.notifyChange(ctx, spacesTopic)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	p.stopListen()
	p.mu.Lock()
	for id, ch := range p.listeners {
		delete(p.listeners, id)
		close(ch)
	}
	p.mu.Unlock()
	return p.db.Close()
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*RedisStore)(nil)
