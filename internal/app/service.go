package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/config"
	"github.com/ainexllc/ainexsuite-sub009/internal/engine"
	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/media"
	"github.com/ainexllc/ainexsuite-sub009/internal/remote"
	"github.com/ainexllc/ainexsuite-sub009/internal/search"
	"github.com/ainexllc/ainexsuite-sub009/internal/util"
)

// Notice is a user-facing message produced by a view session, typically
// a rollback after a failed remote write.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ViewSession binds one engine to one authenticated user. Sessions are
// created per collection and reaped after SessionTTL of inactivity.
type ViewSession struct {
	ID         string
	UserID     string
	Collection string

	engine  *engine.Engine
	notices chan Notice

	mu       sync.Mutex
	lastSeen time.Time
}

func (vs *ViewSession) touch(now time.Time) {
	vs.mu.Lock()
	vs.lastSeen = now
	vs.mu.Unlock()
}

func (vs *ViewSession) idleSince() time.Time {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSeen
}

// Notices drains without blocking; the channel is buffered and the
// notifier drops on overflow, so a slow reader loses old notices rather
// than wedging the engine.
func (vs *ViewSession) Notices() <-chan Notice {
	return vs.notices
}

// Engine exposes the underlying view engine for streaming handlers.
func (vs *ViewSession) Engine() *engine.Engine {
	return vs.engine
}

type CreateSessionInput struct {
	Collection string `json:"collection"`
	SpaceID    string `json:"spaceId,omitempty"`
}

// UpdateFiltersInput carries partial filter state; nil fields are left
// untouched.
type UpdateFiltersInput struct {
	Query   *string            `json:"query,omitempty"`
	Labels  *[]string          `json:"labels,omitempty"`
	Colors  *[]entity.Color    `json:"colors,omitempty"`
	Dates   *entity.DateRange  `json:"dates,omitempty"`
	Sort    *entity.SortConfig `json:"sort,omitempty"`
	SpaceID *string            `json:"spaceId,omitempty"`
}

type SpaceInput struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	MemberUIDs []string `json:"memberUids,omitempty"`
}

var allowedSpaceTypes = map[entity.SpaceType]struct{}{
	entity.SpacePersonal: {},
	entity.SpaceFamily:   {},
	entity.SpaceWork:     {},
	entity.SpaceCouple:   {},
	entity.SpaceBuddy:    {},
	entity.SpaceSquad:    {},
	entity.SpaceProject:  {},
}

type Service struct {
	cfg    config.Config
	store  remote.Store
	search *search.Service
	media  *media.Store

	mu       sync.Mutex
	sessions map[string]*ViewSession
	stopped  bool
	stop     chan struct{}
}

// New wires the service. searchSvc and mediaStore may be nil when the
// corresponding backend is not configured; the store is wrapped so that
// successful writes keep the search index in step.
func New(cfg config.Config, store remote.Store, searchSvc *search.Service, mediaStore *media.Store) *Service {
	if searchSvc != nil {
		store = indexedStore{Store: store, search: searchSvc}
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		search:   searchSvc,
		media:    mediaStore,
		sessions: make(map[string]*ViewSession),
		stop:     make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Bootstrap rebuilds the search index from the store so a fresh
// Meilisearch instance serves results immediately.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	return s.search.Reindex(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close tears down every session and the reaper. The store itself is
// closed by main after the HTTP server drains.
func (s *Service) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	sessions := make([]*ViewSession, 0, len(s.sessions))
	for _, vs := range s.sessions {
		sessions = append(sessions, vs)
	}
	s.sessions = make(map[string]*ViewSession)
	s.mu.Unlock()

	for _, vs := range sessions {
		vs.engine.Close()
	}
}

func (s *Service) hasCollection(name string) bool {
	for _, c := range s.cfg.Collections {
		if c == name {
			return true
		}
	}
	return false
}

// CreateSession starts an engine for the given user and collection and
// registers it under a fresh session id.
func (s *Service) CreateSession(ctx context.Context, userID string, input CreateSessionInput) (*ViewSession, error) {
	collection := strings.TrimSpace(input.Collection)
	if !s.hasCollection(collection) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown collection", map[string]any{
			"collection": collection,
			"known":      s.cfg.Collections,
		})
	}

	notices := make(chan Notice, 16)
	notifier := engine.NotifierFunc(func(kind, message string) {
		select {
		case notices <- Notice{Kind: kind, Message: message, At: time.Now()}:
		default:
		}
	})

	eng := engine.New(s.store, notifier, engine.Config{
		Collection:         collection,
		UserID:             userID,
		SpaceID:            strings.TrimSpace(input.SpaceID),
		PageSize:           s.cfg.PageSize,
		InitialLoadTimeout: s.cfg.LoadTimeout,
	})
	// The engine outlives the request; subscriptions are cancelled by
	// Close, not by request cancellation.
	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	vs := &ViewSession{
		ID:         util.NewID("sess"),
		UserID:     userID,
		Collection: collection,
		engine:     eng,
		notices:    notices,
		lastSeen:   time.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		eng.Close()
		return nil, domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down", nil)
	}
	s.sessions[vs.ID] = vs
	s.mu.Unlock()
	return vs, nil
}

// Session looks up an active session and verifies ownership.
func (s *Service) Session(userID, sessionID string) (*ViewSession, error) {
	s.mu.Lock()
	vs, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, notFound("session not found")
	}
	if vs.UserID != userID {
		return nil, forbidden("session belongs to another user")
	}
	vs.touch(time.Now())
	return vs, nil
}

func (s *Service) CloseSession(userID, sessionID string) error {
	s.mu.Lock()
	vs, ok := s.sessions[sessionID]
	if ok && vs.UserID == userID {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return notFound("session not found")
	}
	if vs.UserID != userID {
		return forbidden("session belongs to another user")
	}
	vs.engine.Close()
	return nil
}

func (s *Service) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *Service) reap(now time.Time) {
	cutoff := now.Add(-s.cfg.SessionTTL)
	var expired []*ViewSession
	s.mu.Lock()
	for id, vs := range s.sessions {
		if vs.idleSince().Before(cutoff) {
			delete(s.sessions, id)
			expired = append(expired, vs)
		}
	}
	s.mu.Unlock()
	for _, vs := range expired {
		log.Printf("session %s (%s/%s) expired after idle timeout", vs.ID, vs.UserID, vs.Collection)
		vs.engine.Close()
	}
}

func (s *Service) View(userID, sessionID string) (engine.View, error) {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return engine.View{}, err
	}
	return vs.engine.View(), nil
}

// UpdateFilters applies the provided fields in order; each filter
// change resets the pagination window, a sort-only change does not.
func (s *Service) UpdateFilters(userID, sessionID string, input UpdateFiltersInput) (engine.View, error) {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return engine.View{}, err
	}
	eng := vs.engine
	if input.Query != nil {
		eng.SetSearchQuery(*input.Query)
	}
	if input.Labels != nil {
		eng.SetLabelFilters(*input.Labels)
	}
	if input.Colors != nil {
		eng.SetColorFilters(*input.Colors)
	}
	if input.Dates != nil {
		eng.SetDateRange(*input.Dates)
	}
	if input.SpaceID != nil {
		eng.SetSpace(*input.SpaceID)
	}
	if input.Sort != nil {
		eng.SetSort(*input.Sort)
	}
	return eng.View(), nil
}

func (s *Service) LoadMore(userID, sessionID string) (engine.View, error) {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return engine.View{}, err
	}
	vs.engine.LoadMore()
	return vs.engine.View(), nil
}

func (s *Service) CreateEntity(userID, sessionID string, input engine.CreateInput) (string, error) {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Title) == "" && strings.TrimSpace(input.Body) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title or body is required", nil)
	}
	return vs.engine.Create(input)
}

func (s *Service) UpdateEntity(userID, sessionID, entityID string, patch entity.Patch) error {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	return vs.engine.Update(entityID, patch)
}

func (s *Service) DeleteEntity(userID, sessionID, entityID string, hard bool) error {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	if hard {
		return vs.engine.HardDelete(entityID)
	}
	return vs.engine.SoftDelete(entityID)
}

func (s *Service) RestoreEntity(userID, sessionID, entityID string) error {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	return vs.engine.Restore(entityID)
}

func (s *Service) PinEntity(userID, sessionID, entityID string, pinned bool) error {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	return vs.engine.SetPinned(entityID, pinned)
}

func (s *Service) ArchiveEntity(userID, sessionID, entityID string, archived bool) error {
	vs, err := s.Session(userID, sessionID)
	if err != nil {
		return err
	}
	return vs.engine.SetArchived(entityID, archived)
}

func (s *Service) ListSpaces(ctx context.Context, userID string) ([]entity.Space, error) {
	spaces, err := s.store.ListSpaces(ctx, userID)
	if err != nil {
		return nil, err
	}
	if spaces == nil {
		spaces = []entity.Space{}
	}
	return spaces, nil
}

func (s *Service) CreateSpace(ctx context.Context, userID string, input SpaceInput) (entity.Space, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return entity.Space{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	spaceType := entity.SpaceType(strings.TrimSpace(input.Type))
	if spaceType == "" {
		spaceType = entity.SpacePersonal
	}
	if _, ok := allowedSpaceTypes[spaceType]; !ok {
		return entity.Space{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid space type", nil)
	}
	now := time.Now().UTC()
	sp := entity.Space{
		Name:       name,
		Type:       spaceType,
		OwnerID:    userID,
		MemberUIDs: dedupeMembers(input.MemberUIDs, userID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := s.store.CreateSpace(ctx, sp)
	if err != nil {
		return entity.Space{}, err
	}
	sp.ID = id
	return sp, nil
}

func (s *Service) UpdateSpace(ctx context.Context, userID, spaceID string, input SpaceInput) (entity.Space, error) {
	sp, err := s.ownedSpace(ctx, userID, spaceID)
	if err != nil {
		return entity.Space{}, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		sp.Name = name
	}
	if t := strings.TrimSpace(input.Type); t != "" {
		spaceType := entity.SpaceType(t)
		if _, ok := allowedSpaceTypes[spaceType]; !ok {
			return entity.Space{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid space type", nil)
		}
		sp.Type = spaceType
	}
	if input.MemberUIDs != nil {
		sp.MemberUIDs = dedupeMembers(input.MemberUIDs, userID)
	}
	sp.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSpace(ctx, sp); err != nil {
		return entity.Space{}, err
	}
	return sp, nil
}

func (s *Service) DeleteSpace(ctx context.Context, userID, spaceID string) error {
	if _, err := s.ownedSpace(ctx, userID, spaceID); err != nil {
		return err
	}
	return s.store.DeleteSpace(ctx, spaceID)
}

// ownedSpace resolves a space the user owns. Members may read shared
// entities but only the owner mutates the space itself.
func (s *Service) ownedSpace(ctx context.Context, userID, spaceID string) (entity.Space, error) {
	spaces, err := s.store.ListSpaces(ctx, userID)
	if err != nil {
		return entity.Space{}, err
	}
	for _, sp := range spaces {
		if sp.ID != spaceID {
			continue
		}
		if sp.OwnerID != userID {
			return entity.Space{}, forbidden("only the space owner can modify it")
		}
		return sp, nil
	}
	return entity.Space{}, notFound("space not found")
}

func dedupeMembers(uids []string, owner string) []string {
	seen := map[string]struct{}{owner: {}}
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

const searchMinQueryLength = 2

// Search runs a cross-collection search scoped to the caller. Queries
// shorter than two characters return an empty result set.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) search.Response {
	q.UserID = userID
	text := strings.TrimSpace(q.Text)
	if len([]rune(text)) < searchMinQueryLength {
		return search.Response{Results: []search.Result{}, Total: 0, Query: text}
	}
	q.Text = text
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) mediaEnabled() error {
	if s.media == nil {
		return domainError(http.StatusServiceUnavailable, "MEDIA_DISABLED", "media storage is not configured", nil)
	}
	return nil
}

func (s *Service) UploadMedia(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error) {
	if err := s.mediaEnabled(); err != nil {
		return "", err
	}
	return s.media.Upload(ctx, userID, r, size, contentType)
}

const mediaURLExpiry = 15 * time.Minute

func (s *Service) MediaURL(ctx context.Context, userID, name string) (string, error) {
	if err := s.mediaEnabled(); err != nil {
		return "", err
	}
	if err := checkMediaOwner(userID, name); err != nil {
		return "", err
	}
	return s.media.PresignedURL(ctx, name, mediaURLExpiry)
}

func (s *Service) RemoveMedia(ctx context.Context, userID, name string) error {
	if err := s.mediaEnabled(); err != nil {
		return err
	}
	if err := checkMediaOwner(userID, name); err != nil {
		return err
	}
	return s.media.Remove(ctx, name)
}

// Media object names are prefixed with the uploader's uid.
func checkMediaOwner(userID, name string) error {
	if name == "" || !strings.HasPrefix(name, userID+"/") {
		return forbidden("media object belongs to another user")
	}
	return nil
}
