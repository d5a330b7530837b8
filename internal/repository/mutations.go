package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convo/internal/apperr"
	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/transport"
)

// SendTextMessage performs an optimistic send: the message appears in the
// local window immediately with a sending status, then reconciles to sent
// (real sid and index) or error. Returns the client correlation uuid.
func (r *Repository) SendTextMessage(ctx context.Context, conversationSid, body string) (string, error) {
	return r.send(ctx, conversationSid, body, nil)
}

// SendMediaMessage sends a message carrying an attachment descriptor.
func (r *Repository) SendMediaMessage(ctx context.Context, conversationSid, body string, media *transport.Media) (string, error) {
	return r.send(ctx, conversationSid, body, media)
}

func (r *Repository) send(ctx context.Context, conversationSid, body string, media *transport.Media) (string, error) {
	id := uuid.NewString()
	local := &cache.Message{
		ConversationSid: conversationSid,
		UUID:            id,
		Author:          r.identity,
		Body:            body,
		CreatedAt:       time.Now().UnixMilli(),
		Index:           -1,
		Direction:       cache.DirectionOutgoing,
		SendStatus:      cache.SendStatusSending,
	}
	if media != nil {
		local.Media.Filename = media.Filename
		local.Media.ContentType = media.ContentType
		local.Media.Size = media.Size
	}
	if err := r.db.InsertLocalMessage(local); err != nil {
		return "", apperr.Wrap(apperr.ReasonMessageSend, fmt.Errorf("insert local message: %w", err))
	}
	r.publish(bus.KindMessageChanged, conversationSid)

	return id, r.deliver(ctx, conversationSid, id, body, local.Attributes, media)
}

// deliver performs the network half of a send and reconciles the optimistic
// row. Shared by first sends and retries.
func (r *Repository) deliver(ctx context.Context, conversationSid, id, body, attributes string, media *transport.Media) error {
	sent, err := r.client.SendMessage(ctx, transport.SendRequest{
		ConversationSid: conversationSid,
		UUID:            id,
		Body:            body,
		Attributes:      attributes,
		Media:           media,
	})
	if err != nil {
		werr := apperr.Wrap(apperr.ReasonMessageSend, err)
		if dbErr := r.db.MarkMessageFailed(conversationSid, id, werr.Code); dbErr != nil {
			r.logger.Error("mark message failed", zap.String("conversation", conversationSid), zap.Error(dbErr))
		}
		r.publish(bus.KindMessageChanged, conversationSid)
		r.publish(bus.KindSendFailed, id)
		return werr
	}

	if err := r.db.MarkMessageSent(conversationSid, id, sent.Sid, sent.Index); err != nil {
		return apperr.Wrap(apperr.ReasonMessageSend, fmt.Errorf("mark message sent: %w", err))
	}
	r.publish(bus.KindMessageChanged, conversationSid)
	r.publish(bus.KindSendAck, id)
	r.spawn("last message recompute", func(ctx context.Context) error {
		return r.recomputeLastMessage(ctx, conversationSid)
	})
	return nil
}

// RetrySendMessage re-sends a failed message under its original uuid. Rows
// already sending or sent are left alone; the reconcile path guarantees no
// duplicate is created either locally or remotely.
func (r *Repository) RetrySendMessage(ctx context.Context, conversationSid, id string) error {
	m, err := r.db.GetMessageByUUID(conversationSid, id)
	if err != nil {
		return apperr.Wrap(apperr.ReasonMessageSend, err)
	}
	if m == nil {
		return apperr.New(apperr.ReasonMessageSend, errors.New("no such message"))
	}
	if m.SendStatus == cache.SendStatusSending || m.SendStatus == cache.SendStatusSent {
		return nil
	}
	if err := r.db.MarkMessageSending(conversationSid, id); err != nil {
		return apperr.Wrap(apperr.ReasonMessageSend, err)
	}
	r.publish(bus.KindMessageChanged, conversationSid)

	var media *transport.Media
	if m.Media.Filename != "" || m.Media.Size > 0 {
		media = &transport.Media{
			Filename:    m.Media.Filename,
			ContentType: m.Media.ContentType,
			Size:        m.Media.Size,
		}
	}
	return r.deliver(ctx, conversationSid, id, m.Body, m.Attributes, media)
}

// CreateConversation creates a conversation on the service and caches it.
func (r *Repository) CreateConversation(ctx context.Context, friendlyName string) (*cache.Conversation, error) {
	detail, err := r.client.CreateConversation(ctx, friendlyName)
	if err != nil {
		return nil, apperr.Wrap(apperr.ReasonConversationCreate, err)
	}
	if err := r.applyConversation(ctx, detail); err != nil {
		return nil, apperr.Wrap(apperr.ReasonConversationCreate, err)
	}
	return r.db.GetConversation(detail.Sid)
}

// JoinConversation joins and refreshes the conversation's detail.
func (r *Repository) JoinConversation(ctx context.Context, sid string) error {
	if err := r.client.JoinConversation(ctx, sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationJoin, err)
	}
	detail, err := r.client.GetConversationDetail(ctx, sid)
	if err != nil {
		return apperr.Wrap(apperr.ReasonConversationJoin, err)
	}
	if err := r.applyConversation(ctx, detail); err != nil {
		return apperr.Wrap(apperr.ReasonConversationJoin, err)
	}
	return nil
}

// LeaveConversation leaves on the service and reflects it locally without
// waiting for the push event.
func (r *Repository) LeaveConversation(ctx context.Context, sid string) error {
	if err := r.client.LeaveConversation(ctx, sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationLeave, err)
	}
	return r.patchConversation(sid, apperr.ReasonConversationLeave, func(c *cache.Conversation) {
		c.ParticipatingStatus = string(transport.StatusNotParticipating)
	})
}

// DestroyConversation destroys the conversation for every participant.
func (r *Repository) DestroyConversation(ctx context.Context, sid string) error {
	if err := r.client.DestroyConversation(ctx, sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationRemove, err)
	}
	if err := r.db.DeleteConversation(sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationRemove, err)
	}
	r.publish(bus.KindConversationChanged, sid)
	return nil
}

// MuteConversation silences notifications for the conversation.
func (r *Repository) MuteConversation(ctx context.Context, sid string) error {
	if err := r.client.MuteConversation(ctx, sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationMute, err)
	}
	return r.patchConversation(sid, apperr.ReasonConversationMute, func(c *cache.Conversation) {
		c.NotificationLevel = string(transport.NotificationMuted)
	})
}

// UnmuteConversation restores default notifications.
func (r *Repository) UnmuteConversation(ctx context.Context, sid string) error {
	if err := r.client.UnmuteConversation(ctx, sid); err != nil {
		return apperr.Wrap(apperr.ReasonConversationMute, err)
	}
	return r.patchConversation(sid, apperr.ReasonConversationMute, func(c *cache.Conversation) {
		c.NotificationLevel = string(transport.NotificationDefault)
	})
}

// RenameConversation renames the conversation.
func (r *Repository) RenameConversation(ctx context.Context, sid, friendlyName string) error {
	if err := r.client.RenameConversation(ctx, sid, friendlyName); err != nil {
		return apperr.Wrap(apperr.ReasonConversationRename, err)
	}
	return r.patchConversation(sid, apperr.ReasonConversationRename, func(c *cache.Conversation) {
		c.FriendlyName = friendlyName
	})
}

// AddParticipant invites an identity and refreshes the participant list and
// counter.
func (r *Repository) AddParticipant(ctx context.Context, sid, identity string) error {
	if err := r.client.AddParticipant(ctx, sid, identity); err != nil {
		return apperr.Wrap(apperr.ReasonParticipantAdd, err)
	}
	r.refreshParticipants(sid)
	return nil
}

// RemoveParticipant removes an identity from the conversation.
func (r *Repository) RemoveParticipant(ctx context.Context, sid, identity string) error {
	if err := r.client.RemoveParticipant(ctx, sid, identity); err != nil {
		return apperr.Wrap(apperr.ReasonParticipantRemove, err)
	}
	r.refreshParticipants(sid)
	return nil
}

// ToggleReaction flips the local user's membership in a reaction's holder set
// via a read-modify-write of the message attributes.
func (r *Repository) ToggleReaction(ctx context.Context, conversationSid, messageSid, kind string) error {
	m, err := r.db.GetMessageBySid(conversationSid, messageSid)
	if err != nil {
		return apperr.Wrap(apperr.ReasonReactionUpdate, err)
	}
	if m == nil {
		return apperr.New(apperr.ReasonReactionUpdate, errors.New("no such message"))
	}
	attrs := cache.ParseMessageAttributes(m.Attributes)
	attrs.ToggleReaction(kind, r.identity)
	encoded := attrs.Encode()

	if err := r.client.SetMessageAttributes(ctx, conversationSid, messageSid, encoded); err != nil {
		return apperr.Wrap(apperr.ReasonReactionUpdate, err)
	}
	if err := r.db.UpdateMessageAttributes(conversationSid, messageSid, encoded); err != nil {
		return apperr.Wrap(apperr.ReasonReactionUpdate, err)
	}
	r.publish(bus.KindMessageChanged, conversationSid)
	return nil
}

// SetTyping forwards the local user's typing signal; nothing is cached.
func (r *Repository) SetTyping(ctx context.Context, sid string, typing bool) error {
	if err := r.client.SetTyping(ctx, sid, typing); err != nil {
		return apperr.Wrap(apperr.ReasonUnknown, err)
	}
	return nil
}

// SetMyFriendlyName updates the local user's display name on the service.
func (r *Repository) SetMyFriendlyName(ctx context.Context, name string) error {
	if err := r.client.SetFriendlyName(ctx, name); err != nil {
		return apperr.Wrap(apperr.ReasonProfileUpdate, err)
	}
	return nil
}

// patchConversation applies a local field change ahead of the confirming push
// event. Missing rows are ignored; the event will materialize them.
func (r *Repository) patchConversation(sid string, reason apperr.Reason, mutate func(*cache.Conversation)) error {
	c, err := r.db.GetConversation(sid)
	if err != nil {
		return apperr.Wrap(reason, err)
	}
	if c == nil {
		return nil
	}
	mutate(c)
	if err := r.db.UpsertConversation(c); err != nil {
		return apperr.Wrap(reason, err)
	}
	r.publish(bus.KindConversationChanged, sid)
	return nil
}

// refreshParticipants re-fetches the participant list and counter as detached
// tasks after a membership mutation.
func (r *Repository) refreshParticipants(sid string) {
	r.spawn("participants refresh", func(ctx context.Context) error {
		peers, err := r.client.ListParticipants(ctx, sid)
		if err != nil {
			return fmt.Errorf("list participants %s: %w", sid, err)
		}
		for i := range peers {
			if err := r.db.UpsertParticipant(toCacheParticipant(&peers[i])); err != nil {
				return err
			}
		}
		r.publish(bus.KindParticipantChanged, sid)
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
}
