// Package repository is the synchronization core: it mirrors push events from
// the conversations transport into the local cache and exposes combined
// (cache data, fetch status) read models to presentation-layer consumers.
package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/status"
	"convo/internal/transport"
)

// Repository owns the standing transport subscription, the cache writes and
// the read-model streams. One instance lives per signed-in session.
type Repository struct {
	db       *cache.DB
	client   transport.Client
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	identity string
	pageSize int

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu         sync.Mutex
	subCancel  context.CancelFunc
	subscribed bool
}

// New creates a repository for the given identity. pageSize drives both the
// message window and every backfill fetch.
func New(db *cache.DB, client transport.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger, identity string, pageSize int) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Repository{
		db:       db,
		client:   client,
		bus:      b,
		machine:  machine,
		logger:   logger,
		identity: identity,
		pageSize: pageSize,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Identity returns the signed-in user identity.
func (r *Repository) Identity() string { return r.identity }

// PageSize returns the configured window/backfill page size.
func (r *Repository) PageSize() int { return r.pageSize }

// Close tears down the repository's task scope and waits for outstanding
// tasks. Called on sign-out only.
func (r *Repository) Close() {
	r.Unsubscribe()
	r.cancel()
	r.tasks.Wait()
}

// SignOut unsubscribes, wipes the local cache and announces the sign-out.
func (r *Repository) SignOut() error {
	r.Unsubscribe()
	if err := r.db.Wipe(); err != nil {
		return err
	}
	r.publish(bus.KindSignedOut, nil)
	return nil
}

// spawn runs fn as a detached task under the repository's supervising scope.
// A failing or panicking task is logged and never affects its siblings.
func (r *Repository) spawn(name string, fn func(ctx context.Context) error) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("task panicked", zap.String("task", name), zap.Any("panic", p))
			}
		}()
		if err := fn(r.ctx); err != nil {
			r.logger.Error("task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (r *Repository) publish(kind string, payload any) {
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Read helpers over the cache, used by the local API. The observable streams
// in readmodels.go are the richer interface.

func (r *Repository) Conversations() ([]cache.Conversation, error) {
	return r.db.ListParticipating()
}

func (r *Repository) Conversation(sid string) (*cache.Conversation, error) {
	return r.db.GetConversation(sid)
}

func (r *Repository) Messages(sid string, limit int) ([]cache.Message, error) {
	if limit <= 0 {
		limit = r.pageSize
	}
	return r.db.ListMessageWindow(sid, limit)
}

func (r *Repository) Participants(sid string) ([]cache.Participant, error) {
	return r.db.ListParticipants(sid)
}

func (r *Repository) TypingParticipants(sid string) ([]cache.Participant, error) {
	return r.db.ListTypingParticipants(sid)
}
