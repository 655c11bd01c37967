package gateway

import (
	"github.com/bwmarrin/discordgo"

	"github.com/nevindra/oasis"
)

// handleMessageCreate converts a discordgo event into an InboundEvent and
// fans it out to every subscriber of b. Cross-bot delivery never happens:
// this handler is registered per-session, so only b's own subscribers ever
// see it.
func (g *Gateway) handleMessageCreate(b *BotIdentity, s *discordgo.Session, m *discordgo.MessageCreate) {
	ev := oasis.InboundEvent{
		BotIdentityID: b.ID,
		ChannelID:     m.ChannelID,
		MessageID:     m.ID,
		Content:       m.Content,
		Timestamp:     m.Timestamp.Unix(),
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		ev.IsBotAuthor = m.Author.Bot
	}
	for _, a := range m.Attachments {
		ev.Attachments = append(ev.Attachments, oasis.Attachment{MimeType: a.ContentType, URL: a.URL})
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil && isThreadChannel(ch) {
		ev.ThreadID = m.ChannelID
		ev.ChannelID = ch.ParentID
	}

	b.fanOut(ev)
}

func isThreadChannel(ch *discordgo.Channel) bool {
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		return true
	default:
		return false
	}
}

// fanOut delivers ev to every current subscriber. Each subscriber has its
// own bounded buffer; a slow subscriber never blocks others (drop-oldest
// on overflow, spec §5 backpressure).
func (b *BotIdentity) fanOut(ev oasis.InboundEvent) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop the oldest queued event, then enqueue ev.
			select {
			case <-sub.ch:
				b.dropCount++
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropCount++
			}
		}
	}
}

// Subscribe registers subscriberID for b's inbound event stream and returns
// a channel delivering events in receive order. Calling Subscribe again
// with the same subscriberID replaces the prior subscription.
func (b *BotIdentity) Subscribe(subscriberID string) <-chan oasis.InboundEvent {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if old, ok := b.subscribers[subscriberID]; ok {
		close(old.ch)
	}
	sub := &subscription{ch: make(chan oasis.InboundEvent, subscriberBuffer)}
	b.subscribers[subscriberID] = sub
	return sub.ch
}

// Unsubscribe closes and removes subscriberID's stream.
func (b *BotIdentity) Unsubscribe(subscriberID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.ch)
		delete(b.subscribers, subscriberID)
	}
}
