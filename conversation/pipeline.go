package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/oasis"
)

// turn runs the eight-step pipeline of spec §4.3 for one inbound event.
// An admission rejection returns silently (logged at debug); a
// context-assembly or LM failure is logged at error and aborts the turn.
// No Discord post happens on any of these paths.
func (e *Engine) turn(ctx context.Context, ev oasis.InboundEvent) {
	key := ev.ConversationKey()
	state := e.stateFor(key)

	if reason, reject := e.admit(ev, state); reject {
		e.logger.Debug("turn rejected", "agent", e.spec.ID, "key", key, "reason", reason)
		return
	}

	prompt, err := e.assembleContext(ctx, ev, key, state)
	if err != nil {
		e.logger.Error("context assembly failed", "agent", e.spec.ID, "key", key, "error", err)
		return
	}

	if delay := time.Duration(e.spec.Behavior.ResponseDelaySeconds * float64(time.Second)); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	targetChannel := ev.ChannelID
	if ev.ThreadID != "" {
		targetChannel = ev.ThreadID
	}

	req := oasis.ChatRequest{Messages: prompt}
	if err := e.processors.RunPreLLM(ctx, &req); err != nil {
		e.respondToHalt(ctx, err, targetChannel, key)
		return
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		e.logger.Error("lm invocation failed, aborting turn", "agent", e.spec.ID, "key", key, "error", err)
		return
	}

	if err := e.processors.RunPostLLM(ctx, &resp); err != nil {
		e.respondToHalt(ctx, err, targetChannel, key)
		return
	}
	if resp.Content == "" {
		return
	}

	msgID, err := e.gw.Send(ctx, SendRequest{Bot: e.spec.ID, ChannelID: targetChannel, Content: resp.Content})
	if err != nil {
		e.logger.Error("post reply failed", "agent", e.spec.ID, "key", key, "error", err)
		return
	}

	e.memorize(ctx, ev, resp.Content, msgID)

	e.mu.Lock()
	state.TurnCount++
	state.LastReplyAt = oasis.NowUnix()
	e.mu.Unlock()
}

// admit applies the admission filters of spec §4.3 step 1, in order. The
// self-reply cutoff is checked first and unconditionally, ahead of every
// other rule, to guarantee the anti-loop property holds regardless of
// config.
func (e *Engine) admit(ev oasis.InboundEvent, state *oasis.ConversationState) (reason string, reject bool) {
	if ev.BotIdentityID == e.spec.ID && ev.IsBotAuthor {
		return "self-reply", true
	}
	b := e.spec.Behavior
	if ev.IsBotAuthor && b.IgnoreBots && !contains(b.BotAllowlist, ev.AuthorID) {
		return "bot sender not allowlisted", true
	}
	if len(b.ChannelAllowlist) > 0 && !contains(b.ChannelAllowlist, ev.ChannelID) {
		return "channel not allowlisted", true
	}
	e.mu.Lock()
	turnCount := state.TurnCount
	e.mu.Unlock()
	if turnCount >= b.MaxTurnsPerThread {
		return "max turns reached", true
	}
	return "", false
}

// respondToHalt sends a guard's canned *oasis.ErrHalt response in place of
// the LM's own reply. Any other processor error is logged and the turn
// aborts silently, matching the admission-reject path.
func (e *Engine) respondToHalt(ctx context.Context, err error, channelID, key string) {
	var halt *oasis.ErrHalt
	if !errors.As(err, &halt) {
		e.logger.Debug("turn blocked by guard", "agent", e.spec.ID, "key", key, "error", err)
		return
	}
	if _, sendErr := e.gw.Send(ctx, SendRequest{Bot: e.spec.ID, ChannelID: channelID, Content: halt.Response}); sendErr != nil {
		e.logger.Error("guard halt reply failed", "agent", e.spec.ID, "key", key, "error", sendErr)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// assembleContext builds the prompt for one turn: system preamble,
// personality, suffix, memory hits above the similarity floor, bounded
// recent history, then the new turn — in that priority order, so a
// provider that must truncate drops oldest history first.
func (e *Engine) assembleContext(ctx context.Context, ev oasis.InboundEvent, key string, state *oasis.ConversationState) ([]oasis.ChatMessage, error) {
	history, err := e.gw.Messages(ctx, e.spec.ID, key, e.spec.Behavior.MaxContextMessages, "")
	if err != nil {
		e.logger.Debug("history fetch failed, continuing without it", "agent", e.spec.ID, "error", err)
		history = nil
	}

	var memoryBlock string
	if e.memory != nil {
		hits, err := e.memory.Search(ctx, e.spec.ID, ev.Content, oasis.DefaultSearchK)
		if err != nil {
			e.logger.Debug("memory search failed, continuing without it", "agent", e.spec.ID, "error", err)
		} else {
			memoryBlock = formatMemoryBlock(hits)
		}
	}

	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(e.spec.DisplayName)
	if e.spec.Personality != "" {
		sb.WriteString(". ")
		sb.WriteString(e.spec.Personality)
	}
	if e.spec.SystemPromptSuffix != "" {
		sb.WriteString("\n")
		sb.WriteString(e.spec.SystemPromptSuffix)
	}
	if memoryBlock != "" {
		sb.WriteString("\n\nRelevant memories:\n")
		sb.WriteString(memoryBlock)
	}

	messages := []oasis.ChatMessage{oasis.SystemMessage(sb.String())}
	messages = append(messages, history...)
	messages = append(messages, oasis.UserMessage(ev.Content))
	return messages, nil
}

func formatMemoryBlock(hits []oasis.ScoredMemoryRecord) string {
	var sb strings.Builder
	for _, h := range hits {
		if h.Score < similarityFloor {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", h.Content)
	}
	return sb.String()
}

// memorize stores the user turn and the agent reply as two append-only
// MemoryRecords (spec §4.3 step 7).
func (e *Engine) memorize(ctx context.Context, ev oasis.InboundEvent, reply, replyMsgID string) {
	if e.memory == nil {
		return
	}
	userMeta := map[string]string{"channel_id": ev.ChannelID, "message_id": ev.MessageID, "role": "user"}
	assistantMeta := map[string]string{"channel_id": ev.ChannelID, "message_id": replyMsgID, "role": "assistant"}
	if ev.ThreadID != "" {
		userMeta["thread_id"] = ev.ThreadID
		assistantMeta["thread_id"] = ev.ThreadID
	}
	if _, err := e.memory.Store(ctx, e.spec.ID, ev.Content, userMeta); err != nil {
		e.logger.Error("memorize user turn failed", "agent", e.spec.ID, "error", err)
	}
	if _, err := e.memory.Store(ctx, e.spec.ID, reply, assistantMeta); err != nil {
		e.logger.Error("memorize reply failed", "agent", e.spec.ID, "error", err)
	}
}
