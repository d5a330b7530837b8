package repository

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"convo/internal/apperr"
	"convo/internal/bus"
	"convo/internal/cache"
)

// StatusState is the fetch phase of a read-model stream.
type StatusState string

const (
	StatusFetching    StatusState = "FETCHING"
	StatusSubscribing StatusState = "SUBSCRIBING"
	StatusComplete    StatusState = "COMPLETE"
	StatusError       StatusState = "ERROR"
)

// FetchStatus is the status half of a read-model stream. Reason and Code are
// set only in the error state.
type FetchStatus struct {
	State  StatusState
	Reason apperr.Reason
	Code   int
}

func statusFromError(err error) FetchStatus {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return FetchStatus{State: StatusError, Reason: ae.Reason, Code: ae.Code}
	}
	return FetchStatus{State: StatusError, Reason: apperr.ReasonUnknown}
}

// Stream is a live read model: Data carries cache snapshots, latest-wins, and
// Status carries the fetch state machine. The two advance independently.
// Close releases the bus subscription; the repository's Close does not wait
// for open streams.
type Stream[T any] struct {
	data   chan T
	status chan FetchStatus
	stop   chan struct{}
	once   sync.Once
	unsub  func()
}

func (s *Stream[T]) Data() <-chan T             { return s.data }
func (s *Stream[T]) Status() <-chan FetchStatus { return s.status }

func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.unsub()
		close(s.stop)
	})
}

// emitData replaces any pending snapshot: a slow consumer sees only the most
// recent state, never a backlog.
func (s *Stream[T]) emitData(v T) {
	for {
		select {
		case s.data <- v:
			return
		default:
			select {
			case <-s.data:
			default:
			}
		}
	}
}

// emitStatus is non-blocking; the buffer is sized so the full phase sequence
// of a fetch stays observable.
func (s *Stream[T]) emitStatus(st FetchStatus) {
	select {
	case s.status <- st:
	default:
	}
}

// newStream wires a stream to the bus: every change event under namespace
// reloads the snapshot, and fetch (if any) drives the status channel.
func newStream[T any](r *Repository, namespace string, load func() (T, error), fetch func(ctx context.Context, emit func(FetchStatus)) error) *Stream[T] {
	events, unsub := r.bus.Subscribe(namespace, 32)
	s := &Stream[T]{
		data:   make(chan T, 1),
		status: make(chan FetchStatus, 16),
		stop:   make(chan struct{}),
		unsub:  unsub,
	}

	reload := func() {
		v, err := load()
		if err != nil {
			r.logger.Warn("stream reload failed", zap.Error(err))
			return
		}
		s.emitData(v)
	}
	reload()

	r.spawn("stream refresh", func(ctx context.Context) error {
		for {
			select {
			case <-events:
				reload()
			case <-s.stop:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})

	if fetch != nil {
		r.spawn("stream fetch", func(ctx context.Context) error {
			return fetch(ctx, s.emitStatus)
		})
	} else {
		s.emitStatus(FetchStatus{State: StatusComplete})
	}
	return s
}

// ObserveUserConversations streams the participating-conversation list. The
// fetch lists conversations from the service, prunes cached entries the
// service no longer returns, then refreshes each conversation's detail.
func (r *Repository) ObserveUserConversations() *Stream[[]cache.Conversation] {
	return newStream(r, "cache.conversation",
		func() ([]cache.Conversation, error) { return r.db.ListParticipating() },
		func(ctx context.Context, emit func(FetchStatus)) error {
			return r.fetchUserConversations(ctx, emit)
		})
}

// fetchUserConversations implements the Fetching -> Subscribing ->
// Complete/Error sequence. Detail fetches run concurrently and are
// best-effort; the first failure decides the terminal status but never stops
// the siblings.
func (r *Repository) fetchUserConversations(ctx context.Context, emit func(FetchStatus)) error {
	emit(FetchStatus{State: StatusFetching})

	summaries, err := r.client.ListConversations(ctx)
	if err != nil {
		werr := apperr.Wrap(apperr.ReasonFetchUserConversations, err)
		emit(statusFromError(werr))
		return werr
	}

	sids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		sids = append(sids, s.Sid)
	}
	pruned, err := r.db.PruneParticipatingExcept(sids)
	if err != nil {
		werr := apperr.Wrap(apperr.ReasonFetchUserConversations, err)
		emit(statusFromError(werr))
		return werr
	}
	for _, sid := range pruned {
		r.publish(bus.KindConversationChanged, sid)
	}

	emit(FetchStatus{State: StatusSubscribing})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range summaries {
		sid := s.Sid
		wg.Add(1)
		go func() {
			defer wg.Done()
			detail, err := r.client.GetConversationDetail(ctx, sid)
			if err == nil {
				err = r.applyConversation(ctx, detail)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = apperr.Wrap(apperr.ReasonConversationFetch, err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		emit(statusFromError(firstErr))
		return firstErr
	}
	emit(FetchStatus{State: StatusComplete})
	return nil
}

// ObserveConversation streams a single conversation's cached state, refreshing
// its detail from the service once.
func (r *Repository) ObserveConversation(sid string) *Stream[*cache.Conversation] {
	return newStream(r, "cache.conversation",
		func() (*cache.Conversation, error) { return r.db.GetConversation(sid) },
		func(ctx context.Context, emit func(FetchStatus)) error {
			emit(FetchStatus{State: StatusFetching})
			detail, err := r.client.GetConversationDetail(ctx, sid)
			if err == nil {
				err = r.applyConversation(ctx, detail)
			}
			if err != nil {
				werr := apperr.Wrap(apperr.ReasonConversationFetch, err)
				emit(statusFromError(werr))
				return werr
			}
			emit(FetchStatus{State: StatusComplete})
			return nil
		})
}

// ObserveParticipants streams a conversation's participant list, refreshing it
// from the service once.
func (r *Repository) ObserveParticipants(sid string) *Stream[[]cache.Participant] {
	return newStream(r, "cache.participant",
		func() ([]cache.Participant, error) { return r.db.ListParticipants(sid) },
		func(ctx context.Context, emit func(FetchStatus)) error {
			emit(FetchStatus{State: StatusFetching})
			peers, err := r.client.ListParticipants(ctx, sid)
			if err != nil {
				werr := apperr.Wrap(apperr.ReasonParticipantsFetch, err)
				emit(statusFromError(werr))
				return werr
			}
			for i := range peers {
				if err := r.db.UpsertParticipant(toCacheParticipant(&peers[i])); err != nil {
					werr := apperr.Wrap(apperr.ReasonParticipantsFetch, err)
					emit(statusFromError(werr))
					return werr
				}
			}
			r.publish(bus.KindParticipantChanged, sid)
			emit(FetchStatus{State: StatusComplete})
			return nil
		})
}

// ObserveTypingParticipants streams the participants currently typing in a
// conversation. Purely cache-driven; typing state only ever arrives over push.
func (r *Repository) ObserveTypingParticipants(sid string) *Stream[[]cache.Participant] {
	return newStream(r, "cache.typing",
		func() ([]cache.Participant, error) { return r.db.ListTypingParticipants(sid) },
		nil)
}
