package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/status"
	"convo/internal/transport"
)

// Subscribe starts the single receive loop over the transport's push stream.
// Idempotent: a second call while subscribed is a no-op. Must be balanced
// with Unsubscribe across sign-in/sign-out cycles; the transport would
// otherwise keep feeding a stale loop.
func (r *Repository) Subscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.subCancel = cancel
	r.subscribed = true

	events := r.client.Events()
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				r.dispatch(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Unsubscribe stops the receive loop. Idempotent.
func (r *Repository) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.subscribed {
		return
	}
	r.subCancel()
	r.subscribed = false
}

// dispatch hands each event to its handler as a detached task. Handlers are
// idempotent and keyed by natural identity, so at-least-once and out-of-order
// delivery across entities are both tolerated.
func (r *Repository) dispatch(evt transport.Event) {
	switch evt.Kind {
	case transport.EventConversationAdded, transport.EventConversationUpdated, transport.EventConversationSynced:
		c := evt.Conversation
		r.spawn("conversation upsert", func(ctx context.Context) error {
			return r.applyConversation(ctx, c)
		})
	case transport.EventConversationDeleted:
		sid := evt.Conversation.Sid
		r.spawn("conversation delete", func(context.Context) error {
			if err := r.db.DeleteConversation(sid); err != nil {
				return fmt.Errorf("delete conversation %s: %w", sid, err)
			}
			r.publish(bus.KindConversationChanged, sid)
			return nil
		})
	case transport.EventParticipantAdded, transport.EventParticipantUpdated:
		p := evt.Participant
		r.spawn("participant upsert", func(ctx context.Context) error {
			return r.applyParticipant(ctx, p)
		})
	case transport.EventParticipantDeleted:
		p := evt.Participant
		r.spawn("participant delete", func(context.Context) error {
			if err := r.db.DeleteParticipant(p.Sid); err != nil {
				return fmt.Errorf("delete participant %s: %w", p.Sid, err)
			}
			r.publish(bus.KindParticipantChanged, p.ConversationSid)
			return nil
		})
	case transport.EventTypingStarted, transport.EventTypingEnded:
		p := evt.Participant
		typing := evt.Kind == transport.EventTypingStarted
		r.spawn("typing", func(ctx context.Context) error {
			return r.applyTyping(ctx, p, typing)
		})
	case transport.EventMessageAdded, transport.EventMessageUpdated:
		m := evt.Message
		r.spawn("message upsert", func(ctx context.Context) error {
			if err := r.db.UpsertMessage(r.toCacheMessage(m)); err != nil {
				return fmt.Errorf("upsert message %s: %w", m.Sid, err)
			}
			r.publish(bus.KindMessageChanged, m.ConversationSid)
			return r.recomputeLastMessage(ctx, m.ConversationSid)
		})
	case transport.EventMessageDeleted:
		m := evt.Message
		r.spawn("message delete", func(ctx context.Context) error {
			if err := r.db.DeleteMessageBySid(m.ConversationSid, m.Sid); err != nil {
				return fmt.Errorf("delete message %s: %w", m.Sid, err)
			}
			r.publish(bus.KindMessageChanged, m.ConversationSid)
			return r.recomputeLastMessage(ctx, m.ConversationSid)
		})
	case transport.EventConnStateChanged:
		r.handleConnState(evt.ConnState)
	}
}

func (r *Repository) handleConnState(state transport.ConnState) {
	if r.machine == nil {
		return
	}
	switch state {
	case transport.ConnConnected:
		_ = r.machine.Transition(status.Syncing)
		r.spawn("initial sync", func(ctx context.Context) error {
			err := r.fetchUserConversations(ctx, func(FetchStatus) {})
			if err == nil {
				_ = r.machine.Transition(status.Ready)
			}
			return err
		})
	case transport.ConnDisconnected:
		_ = r.machine.Transition(status.Reconnecting)
	case transport.ConnDenied:
		_ = r.machine.Transition(status.AuthRequired)
	}
}

// applyConversation upserts a conversation snapshot and kicks off the
// independent counter refresh tasks. The denormalized counters and the
// last-message summary are each owned by their own task and may lag the
// snapshot briefly.
func (r *Repository) applyConversation(_ context.Context, c *transport.Conversation) error {
	record := toCacheConversation(c)
	existing, err := r.db.GetConversation(c.Sid)
	if err != nil {
		return fmt.Errorf("read conversation %s: %w", c.Sid, err)
	}
	if existing != nil {
		// The send status of the last message is computed locally.
		record.LastMessageStatus = existing.LastMessageStatus
	}
	if err := r.db.UpsertConversation(record); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.Sid, err)
	}
	r.publish(bus.KindConversationChanged, c.Sid)
	r.refreshCounters(c.Sid)
	return nil
}

// refreshCounters refreshes the three denormalized counters, one detached
// task each.
func (r *Repository) refreshCounters(sid string) {
	r.spawn("messages count", func(ctx context.Context) error {
		n, err := r.client.MessagesCount(ctx, sid)
		if err != nil {
			return fmt.Errorf("messages count %s: %w", sid, err)
		}
		if err := r.db.UpdateMessagesCount(sid, n); err != nil {
			return err
		}
		r.publish(bus.KindConversationChanged, sid)
		return nil
	})
	r.spawn("participants count", func(ctx context.Context) error {
		n, err := r.client.ParticipantsCount(ctx, sid)
		if err != nil {
			return fmt.Errorf("participants count %s: %w", sid, err)
		}
		if err := r.db.UpdateParticipantsCount(sid, n); err != nil {
			return err
		}
		r.publish(bus.KindConversationChanged, sid)
		return nil
	})
	r.spawn("unread count", func(ctx context.Context) error {
		n, err := r.client.UnreadCount(ctx, sid)
		if err != nil {
			return fmt.Errorf("unread count %s: %w", sid, err)
		}
		if err := r.db.UpdateUnreadCount(sid, n); err != nil {
			return err
		}
		r.publish(bus.KindConversationChanged, sid)
		return nil
	})
}

// applyParticipant resolves the display name when the snapshot lacks one,
// then upserts the participant.
func (r *Repository) applyParticipant(ctx context.Context, p *transport.Participant) error {
	record := toCacheParticipant(p)
	if record.FriendlyName == "" && record.Identity != r.identity {
		if peers, err := r.client.ListParticipants(ctx, p.ConversationSid); err == nil {
			for _, peer := range peers {
				if peer.Sid == p.Sid && peer.FriendlyName != "" {
					record.FriendlyName = peer.FriendlyName
					break
				}
			}
		}
	}
	if err := r.db.UpsertParticipant(record); err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.Sid, err)
	}
	r.publish(bus.KindParticipantChanged, p.ConversationSid)
	return nil
}

func (r *Repository) applyTyping(_ context.Context, p *transport.Participant, typing bool) error {
	existing, err := r.db.GetParticipant(p.Sid)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := r.db.UpsertParticipant(toCacheParticipant(p)); err != nil {
			return fmt.Errorf("upsert typing participant %s: %w", p.Sid, err)
		}
	}
	if err := r.db.SetTyping(p.Sid, typing); err != nil {
		return fmt.Errorf("set typing %s: %w", p.Sid, err)
	}
	r.publish(bus.KindTypingChanged, p.ConversationSid)
	return nil
}

// recomputeLastMessage rewrites the parent conversation's denormalized
// last-message summary from the highest-ordered local row. When no local row
// exists it backfills the most recent page once before giving up.
func (r *Repository) recomputeLastMessage(ctx context.Context, sid string) error {
	latest, err := r.db.LatestMessage(sid)
	if err != nil {
		return fmt.Errorf("latest message %s: %w", sid, err)
	}
	if latest == nil {
		msgs, err := r.client.FetchRecentMessages(ctx, sid, r.pageSize)
		if err != nil {
			r.logger.Warn("last-message backfill failed", zap.String("conversation", sid), zap.Error(err))
			return nil
		}
		for i := range msgs {
			if err := r.db.InsertMessageIfAbsent(r.toCacheMessage(&msgs[i])); err != nil {
				return err
			}
		}
		if latest, err = r.db.LatestMessage(sid); err != nil || latest == nil {
			return err
		}
	}
	at := latest.CreatedAt
	if err := r.db.UpdateLastMessage(sid, latest.Body, latest.SendStatus, at); err != nil {
		return fmt.Errorf("update last message %s: %w", sid, err)
	}
	r.publish(bus.KindConversationChanged, sid)
	return nil
}

func toCacheConversation(c *transport.Conversation) *cache.Conversation {
	return &cache.Conversation{
		Sid:                 c.Sid,
		FriendlyName:        c.FriendlyName,
		UniqueName:          c.UniqueName,
		Attributes:          c.Attributes,
		DateCreated:         c.DateCreated.UnixMilli(),
		DateUpdated:         c.DateUpdated.UnixMilli(),
		LastMessageBody:     c.LastMessageBody,
		LastMessageAt:       c.LastMessageAt.UnixMilli(),
		ParticipantsCount:   c.ParticipantsCount,
		MessagesCount:       c.MessagesCount,
		UnreadCount:         c.UnreadCount,
		ParticipatingStatus: string(c.Status),
		NotificationLevel:   string(c.NotificationLevel),
	}
}

// toCacheMessage converts a server message, deriving direction and send
// status from the author.
func (r *Repository) toCacheMessage(m *transport.Message) *cache.Message {
	record := &cache.Message{
		ConversationSid: m.ConversationSid,
		Sid:             m.Sid,
		UUID:            m.UUID,
		Author:          m.Author,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt.UnixMilli(),
		Index:           m.Index,
		Attributes:      m.Attributes,
		Direction:       cache.DirectionIncoming,
		SendStatus:      cache.SendStatusUndefined,
	}
	if m.Author == r.identity {
		record.Direction = cache.DirectionOutgoing
		record.SendStatus = cache.SendStatusSent
	}
	if m.Media != nil {
		record.Media.Filename = m.Media.Filename
		record.Media.ContentType = m.Media.ContentType
		record.Media.Size = m.Media.Size
	}
	return record
}

func toCacheParticipant(p *transport.Participant) *cache.Participant {
	record := &cache.Participant{
		Sid:             p.Sid,
		Identity:        p.Identity,
		ConversationSid: p.ConversationSid,
		FriendlyName:    p.FriendlyName,
		Online:          p.Online,
		LastReadIndex:   p.LastReadIndex,
	}
	if p.LastReadAt != nil {
		at := p.LastReadAt.UnixMilli()
		record.LastReadAt = &at
	}
	return record
}
