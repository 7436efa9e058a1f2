package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/max"
)

type Options struct {
	// AllowedChats restricts relayed group messages to these chat ids. Empty
	// means every group is relayed.
	AllowedChats map[string]struct{}
}

// Router implements max.Handler.
type Router struct {
	opts      Options
	contacts  *ContactCache
	forwarder *Forwarder
	sink      Sink
	tasks     *TaskGroup
}

func NewRouter(opts Options, contacts *ContactCache, forwarder *Forwarder, sink Sink) *Router {
	return &Router{
		opts:      opts,
		contacts:  contacts,
		forwarder: forwarder,
		sink:      sink,
		tasks:     NewTaskGroup(),
	}
}

func (r *Router) HandleFrame(ctx context.Context, s *max.Session, f max.Frame) error {
	return r.route(ctx, s, f)
}

func (r *Router) route(ctx context.Context, s Session, f max.Frame) error {
	if s.Resolve(f) {
		return nil
	}

	switch f.Opcode {
	case max.OpSync:
		var p max.SyncPayload
		if err := f.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode sync payload: %w", err)
		}
		if added := s.Groups().Merge(p.Chats); added > 0 {
			logger.InfoCF("relay", "Group directory updated", map[string]any{
				"changed": added,
				"groups":  s.Groups().Len(),
			})
		}
		return nil

	case max.OpDirectMessage, max.OpGroupMessage:
		var p max.MessagePayload
		if err := f.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", f.Opcode, err)
		}

		scope := bus.ScopeDirect
		if f.Opcode == max.OpGroupMessage {
			scope = bus.ScopeGroup
			if !r.allowed(p.ChatID) {
				logger.DebugCF("relay", "Group not in allow list, dropping message", map[string]any{
					"chat_id": p.ChatID.String(),
				})
				return nil
			}
		}

		r.tasks.Go(ctx, "relay "+f.Opcode.String(), func(ctx context.Context) error {
			return r.handleMessage(ctx, s, scope, p)
		})
		return nil

	default:
		return nil
	}
}

func (r *Router) allowed(chatID max.ID) bool {
	if len(r.opts.AllowedChats) == 0 {
		return true
	}
	_, ok := r.opts.AllowedChats[chatID.String()]
	return ok
}

func (r *Router) handleMessage(ctx context.Context, s Session, scope bus.Scope, p max.MessagePayload) error {
	names := func(ctx context.Context, id max.ID) string {
		return r.contacts.Resolve(ctx, s, id)
	}

	label := bus.Label{Sender: names(ctx, p.Message.Sender)}
	if scope == bus.ScopeGroup {
		label.Chat = s.Groups().TitleOr(p.ChatID)
	}

	text, attaches := assembleMessage(ctx, names, p.ChatID, p.Message)

	logger.DebugCF("relay", "Relaying message", map[string]any{
		"scope":       string(scope),
		"chat_id":     p.ChatID.String(),
		"sender":      label.Sender,
		"text_len":    len(text),
		"attachments": len(attaches),
	})

	if strings.TrimSpace(text) != "" {
		if err := r.sink.SendText(ctx, scope, text, label); err != nil {
			// attachments are still forwarded
			logger.WarnCF("relay", "Failed to send text", map[string]any{
				"chat_id": p.ChatID.String(),
				"error":   err.Error(),
			})
		}
	}

	r.forwarder.Forward(ctx, s, scope, label, attaches)
	return nil
}

// Wait blocks until every in-flight message task has finished.
func (r *Router) Wait() {
	r.tasks.Wait()
}

// Tasks exposes the task group for monitoring.
func (r *Router) Tasks() *TaskGroup {
	return r.tasks
}
