package repository

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"convo/internal/apperr"
	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/transport"
)

// MessagesView is the windowed message read model for one conversation. The
// window covers the most recent messages and grows backwards one page per
// LoadEarlier call. History pages merge by insert-not-replace so a backfill
// never clobbers a concurrently pushed update.
type MessagesView struct {
	repo *Repository
	sid  string

	data   chan []cache.Message
	status chan FetchStatus
	stop   chan struct{}
	once   sync.Once
	unsub  func()

	mu          sync.Mutex
	pageSize    int
	limit       int
	backfilling bool
}

// ObserveMessages opens a message window over a conversation. pageSize sets
// the window and backfill page for this view; non-positive falls back to the
// configured default. An empty window triggers exactly one initial history
// fetch of one page.
func (r *Repository) ObserveMessages(sid string, pageSize int) *MessagesView {
	if pageSize <= 0 {
		pageSize = r.pageSize
	}
	events, unsub := r.bus.Subscribe("cache.message", 32)
	v := &MessagesView{
		repo:     r,
		sid:      sid,
		data:     make(chan []cache.Message, 1),
		status:   make(chan FetchStatus, 16),
		stop:     make(chan struct{}),
		unsub:    unsub,
		pageSize: pageSize,
		limit:    pageSize,
	}

	window := v.reload()
	if len(window) == 0 {
		v.backfilling = true
		r.spawn("initial message fetch", func(ctx context.Context) error {
			defer v.doneBackfill()
			return v.fetchInitial(ctx)
		})
	} else {
		v.emitStatus(FetchStatus{State: StatusComplete})
	}

	r.spawn("message window refresh", func(ctx context.Context) error {
		for {
			select {
			case <-events:
				v.reload()
			case <-v.stop:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})
	return v
}

func (v *MessagesView) Data() <-chan []cache.Message { return v.data }
func (v *MessagesView) Status() <-chan FetchStatus   { return v.status }

// Close releases the bus subscription. In-flight backfills finish on their own.
func (v *MessagesView) Close() {
	v.once.Do(func() {
		v.unsub()
		close(v.stop)
	})
}

// LoadEarlier grows the window backwards by one page. It is a no-op while a
// backfill is already in flight, and when the earliest loaded message has
// index zero there is no earlier history to fetch.
func (v *MessagesView) LoadEarlier() {
	v.mu.Lock()
	if v.backfilling {
		v.mu.Unlock()
		return
	}
	window, err := v.repo.db.ListMessageWindow(v.sid, v.limit)
	if err != nil {
		v.mu.Unlock()
		v.repo.logger.Warn("message window read failed", zap.String("conversation", v.sid), zap.Error(err))
		return
	}
	earliest := earliestConfirmedIndex(window)
	if earliest == 0 {
		v.limit += v.pageSize
		v.mu.Unlock()
		v.reload()
		return
	}
	v.backfilling = true
	v.limit += v.pageSize
	v.mu.Unlock()

	if earliest < 0 {
		// Nothing confirmed locally yet: fetch the most recent page instead.
		v.repo.spawn("message backfill", func(ctx context.Context) error {
			defer v.doneBackfill()
			return v.fetchInitial(ctx)
		})
		return
	}
	before := earliest - 1
	v.repo.spawn("message backfill", func(ctx context.Context) error {
		defer v.doneBackfill()
		v.emitStatus(FetchStatus{State: StatusFetching})
		msgs, err := v.repo.client.FetchMessagesBefore(ctx, v.sid, before, v.pageSize)
		if err != nil {
			werr := apperr.Wrap(apperr.ReasonMessageFetch, err)
			v.emitStatus(statusFromError(werr))
			return werr
		}
		if err := v.merge(msgs); err != nil {
			werr := apperr.Wrap(apperr.ReasonMessageFetch, err)
			v.emitStatus(statusFromError(werr))
			return werr
		}
		v.emitStatus(FetchStatus{State: StatusComplete})
		return nil
	})
}

func (v *MessagesView) fetchInitial(ctx context.Context) error {
	v.emitStatus(FetchStatus{State: StatusFetching})
	msgs, err := v.repo.client.FetchRecentMessages(ctx, v.sid, v.pageSize)
	if err != nil {
		werr := apperr.Wrap(apperr.ReasonMessageFetch, err)
		v.emitStatus(statusFromError(werr))
		return werr
	}
	if err := v.merge(msgs); err != nil {
		werr := apperr.Wrap(apperr.ReasonMessageFetch, err)
		v.emitStatus(statusFromError(werr))
		return werr
	}
	v.emitStatus(FetchStatus{State: StatusComplete})
	return nil
}

// merge inserts fetched messages that are not already cached, then refreshes
// the window.
func (v *MessagesView) merge(msgs []transport.Message) error {
	for i := range msgs {
		if err := v.repo.db.InsertMessageIfAbsent(v.repo.toCacheMessage(&msgs[i])); err != nil {
			return err
		}
	}
	v.repo.publish(bus.KindMessageChanged, v.sid)
	v.reload()
	return nil
}

func (v *MessagesView) doneBackfill() {
	v.mu.Lock()
	v.backfilling = false
	v.mu.Unlock()
}

func (v *MessagesView) reload() []cache.Message {
	v.mu.Lock()
	limit := v.limit
	v.mu.Unlock()
	window, err := v.repo.db.ListMessageWindow(v.sid, limit)
	if err != nil {
		v.repo.logger.Warn("message window read failed", zap.String("conversation", v.sid), zap.Error(err))
		return nil
	}
	v.emitData(window)
	return window
}

func (v *MessagesView) emitData(window []cache.Message) {
	for {
		select {
		case v.data <- window:
			return
		default:
			select {
			case <-v.data:
			default:
			}
		}
	}
}

func (v *MessagesView) emitStatus(st FetchStatus) {
	select {
	case v.status <- st:
	default:
	}
}

// earliestConfirmedIndex returns the lowest server index in the window, or -1
// when the window holds no confirmed message.
func earliestConfirmedIndex(window []cache.Message) int64 {
	earliest := int64(-1)
	for i := range window {
		if !window[i].Confirmed() {
			continue
		}
		if earliest < 0 || window[i].Index < earliest {
			earliest = window[i].Index
		}
	}
	return earliest
}
