// Package chat persists global, per-document and private chat messages and
// bounds every scope by its own count cap and time-to-live.
package chat

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/cache"
	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/metrics"
	"github.com/CUknot/collab_backend/models"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000

	maxDisplayTimeLength = 64
	trimTimeout          = 10 * time.Second
	loadTimeout          = 5 * time.Second
	lockStripes          = 64
)

// Policy is the retention window of one chat kind, applied to each of its
// scopes independently.
type Policy struct {
	Cap int
	TTL time.Duration
}

// DefaultPolicies returns the retention used when none is configured.
func DefaultPolicies() map[models.ChatKind]Policy {
	return map[models.ChatKind]Policy{
		models.ChatGlobal:   {Cap: 500, TTL: 7 * 24 * time.Hour},
		models.ChatDocument: {Cap: 1000, TTL: 30 * 24 * time.Hour},
		models.ChatPrivate:  {Cap: 1000, TTL: 30 * 24 * time.Hour},
	}
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Policies map[models.ChatKind]Policy
	Cache    cache.Cache
	CacheTTL time.Duration
	Now      func() time.Time
}

// Service is the chat persistence service.
type Service struct {
	store    Store
	policies map[models.ChatKind]Policy
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time

	sf    singleflight.Group
	locks [lockStripes]sync.Mutex
	trims sync.WaitGroup

	// Generations let a history load detect a write that raced with it.
	// epoch covers every key; gens covers one key each.
	genMu sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type generation struct {
	epoch, key uint64
}

// NewService creates a chat service over store.
func NewService(store Store, opts Options) *Service {
	policies := DefaultPolicies()
	for kind, p := range opts.Policies {
		merged := policies[kind]
		if p.Cap > 0 {
			merged.Cap = p.Cap
		}
		if p.TTL > 0 {
			merged.TTL = p.TTL
		}
		policies[kind] = merged
	}

	s := &Service{
		store:    store,
		policies: policies,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		now:      opts.Now,
		gens:     make(map[string]uint64),
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// NewMessage validates a submission and builds the record that Persist will
// store. target is the document id for document chat and the recipient for
// private chat; global chat takes no target.
func (s *Service) NewMessage(kind models.ChatKind, author, target, text, displayTime string) (*models.ChatMessage, error) {
	if !kind.Valid() {
		return nil, apperrors.Validation("unknown chat kind")
	}
	author = strings.TrimSpace(author)
	target = strings.TrimSpace(target)
	if author == "" {
		return nil, apperrors.Validation("author is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.Validation("text is required")
	}
	if utf8.RuneCountInString(text) > models.MaxTextLength {
		return nil, apperrors.Validation("text must be at most 1000 characters")
	}
	if len(displayTime) > maxDisplayTimeLength {
		return nil, apperrors.Validation("displayTime is too long")
	}

	msg := &models.ChatMessage{
		Kind:        kind,
		Author:      author,
		Text:        text,
		DisplayTime: displayTime,
		CreatedAt:   s.now().UTC(),
	}

	switch kind {
	case models.ChatDocument:
		if target == "" {
			return nil, apperrors.Validation("documentId is required for document chat")
		}
		msg.DocumentID = target
	case models.ChatPrivate:
		if target == "" {
			return nil, apperrors.Validation("recipient is required for private chat")
		}
		msg.Recipient = target
	case models.ChatGlobal:
		if target != "" {
			return nil, apperrors.Validation("global chat takes no document or recipient")
		}
	}
	msg.Scope = models.ScopeOf(kind, author, target)
	return msg, nil
}

// Persist stores msg and schedules the count-cap trim of its scope.
func (s *Service) Persist(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.store.Create(ctx, msg); err != nil {
		return apperrors.Persistence("failed to save chat message", err)
	}
	s.invalidate(ctx, msg.Kind, msg.Scope)
	s.scheduleTrim(msg.Kind, msg.Scope)
	return nil
}

// Send validates and persists one message.
func (s *Service) Send(ctx context.Context, kind models.ChatKind, author, target, text, displayTime string) (*models.ChatMessage, error) {
	msg, err := s.NewMessage(kind, author, target, text, displayTime)
	if err != nil {
		return nil, err
	}
	if err := s.Persist(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns up to limit unexpired messages of one scope, oldest first.
// scope is ignored for global chat, is the document id for document chat and
// the pair key for private chat. An unknown scope yields an empty list.
func (s *Service) History(ctx context.Context, kind models.ChatKind, scope string, limit int) ([]models.ChatMessage, error) {
	if !kind.Valid() {
		return nil, apperrors.Validation("unknown chat kind")
	}
	if kind == models.ChatGlobal {
		scope = models.GlobalScope
	}
	if strings.TrimSpace(scope) == "" {
		return nil, apperrors.Validation("scope is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	all, err := s.loadScope(ctx, kind, scope)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.policies[kind].TTL)
	live := make([]models.ChatMessage, 0, len(all))
	for _, m := range all {
		if m.CreatedAt.After(cutoff) {
			live = append(live, m)
		}
	}
	if len(live) > limit {
		live = live[len(live)-limit:]
	}
	return live, nil
}

// PrivateHistory is History for the private scope shared by a and b.
func (s *Service) PrivateHistory(ctx context.Context, a, b string, limit int) ([]models.ChatMessage, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return nil, apperrors.Validation("both participants are required")
	}
	return s.History(ctx, models.ChatPrivate, models.PairKey(a, b), limit)
}

// ClearAll erases every message of every kind.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, apperrors.Persistence("failed to clear chat history", err)
	}
	s.bumpAll()
	if err := s.cache.DeletePattern(ctx, "history:*"); err != nil {
		logger.Log.Warn("chat_cache_purge_failed", zap.Error(err))
	}
	logger.Log.Info("chat_cleared", zap.Int64("deleted", n))
	return n, nil
}

// SweepExpired deletes every message older than its kind's TTL.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	var total int64
	now := s.now().UTC()
	for kind, p := range s.policies {
		n, err := s.store.DeleteBefore(ctx, kind, now.Add(-p.TTL))
		if err != nil {
			return total, apperrors.Persistence("failed to sweep expired chat messages", err)
		}
		if n > 0 {
			total += n
			metrics.RetentionDeleted.WithLabelValues("ttl").Add(float64(n))
			s.bumpAll()
			if err := s.cache.DeletePattern(ctx, "history:"+string(kind)+":*"); err != nil {
				logger.Log.Warn("chat_cache_purge_failed", zap.String("kind", string(kind)), zap.Error(err))
			}
		}
	}
	return total, nil
}

// Flush waits for scheduled cap trims to finish.
func (s *Service) Flush() {
	s.trims.Wait()
}

func (s *Service) scheduleTrim(kind models.ChatKind, scope string) {
	s.trims.Add(1)
	go func() {
		defer s.trims.Done()

		mu := s.scopeLock(kind, scope)
		mu.Lock()
		defer mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), trimTimeout)
		defer cancel()

		n, err := s.store.TrimToCap(ctx, kind, scope, s.policies[kind].Cap)
		if err != nil {
			logger.Log.Error("chat_trim_failed", zap.String("kind", string(kind)), zap.String("scope", scope), zap.Error(err))
			return
		}
		if n > 0 {
			metrics.RetentionDeleted.WithLabelValues("cap").Add(float64(n))
			s.invalidate(ctx, kind, scope)
			logger.Log.Debug("chat_trimmed", zap.String("kind", string(kind)), zap.String("scope", scope), zap.Int64("deleted", n))
		}
	}()
}

// loadScope reads the retained messages of a scope through the cache.
func (s *Service) loadScope(ctx context.Context, kind models.ChatKind, scope string) ([]models.ChatMessage, error) {
	key := historyKey(kind, scope)

	var cached []models.ChatMessage
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		logger.Log.Warn("chat_cache_read_failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		return cached, nil
	}

	// A new generation starts a new flight, so callers that arrive after an
	// invalidation never join a load that began before it.
	gen := s.generation(key)
	flight := fmt.Sprintf("%s#%d.%d", key, gen.epoch, gen.key)

	v, err, _ := s.sf.Do(flight, func() (any, error) {
		// Shared by every waiter, so it must not end with the first caller.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		since := s.now().UTC().Add(-s.policies[kind].TTL)
		msgs, err := s.store.Recent(loadCtx, kind, scope, since, MaxHistoryLimit)
		if err != nil {
			return nil, err
		}
		s.fill(loadCtx, key, gen, msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, apperrors.Persistence("failed to load chat history", err)
	}
	return v.([]models.ChatMessage), nil
}

// fill caches msgs unless key was invalidated after gen was taken. A write
// that lands between the check and the Set is caught by the recheck.
func (s *Service) fill(ctx context.Context, key string, gen generation, msgs []models.ChatMessage) {
	if s.generation(key) != gen {
		return
	}
	if err := s.cache.Set(ctx, key, msgs, s.cacheTTL); err != nil {
		logger.Log.Warn("chat_cache_write_failed", zap.String("key", key), zap.Error(err))
		return
	}
	if s.generation(key) != gen {
		if err := s.cache.Delete(ctx, key); err != nil {
			logger.Log.Warn("chat_cache_invalidate_failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Service) invalidate(ctx context.Context, kind models.ChatKind, scope string) {
	key := historyKey(kind, scope)
	s.genMu.Lock()
	s.gens[key]++
	s.genMu.Unlock()

	if err := s.cache.Delete(ctx, key); err != nil {
		logger.Log.Warn("chat_cache_invalidate_failed", zap.String("kind", string(kind)), zap.String("scope", scope), zap.Error(err))
	}
}

func (s *Service) generation(key string) generation {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return generation{epoch: s.epoch, key: s.gens[key]}
}

// bumpAll invalidates every in-flight load before a pattern purge.
func (s *Service) bumpAll() {
	s.genMu.Lock()
	s.epoch++
	s.gens = make(map[string]uint64)
	s.genMu.Unlock()
}

func (s *Service) scopeLock(kind models.ChatKind, scope string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return &s.locks[h.Sum32()%lockStripes]
}

func historyKey(kind models.ChatKind, scope string) string {
	return "history:" + string(kind) + ":" + scope
}
