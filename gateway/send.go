package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nevindra/oasis"
)

// SendRequest mirrors the gateway's POST /send body (spec §4.2).
type SendRequest struct {
	Bot         string
	ChannelID   string
	Content     string
	Attachments []oasis.Attachment
	ReplyTo     string // message_id to reply to, threaded if that message was
}

// Send posts content to a channel as bot, returning the new message id.
// Content is rendered from Markdown to Discord-flavored output before
// posting. Fails fast with *oasis.ConfigError for an unknown bot and with
// *oasis.TransportError when the identity is not ready. The route and
// global limiters are waited on until ctx is done; a Discord 429 is
// returned as *oasis.RateLimited.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (string, error) {
	b, ok := g.Bot(req.Bot)
	if !ok {
		return "", &oasis.ConfigError{Field: "bot", Message: fmt.Sprintf("unknown bot %q", req.Bot)}
	}
	if b.State() != oasis.ConnReady {
		return "", &oasis.TransportError{Op: "send", Message: fmt.Sprintf("bot %q not ready (state=%s)", req.Bot, b.State())}
	}

	route := "channel:" + req.ChannelID
	if err := b.awaitSend(ctx, route); err != nil {
		return "", err
	}

	data := &discordgo.MessageSend{Content: renderMarkdown(req.Content)}
	if req.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: req.ReplyTo, ChannelID: req.ChannelID}
	}

	b.mu.RLock()
	session := b.session
	b.mu.RUnlock()
	if session == nil {
		return "", &oasis.TransportError{Op: "send", Message: "no active session"}
	}

	msg, err := session.ChannelMessageSendComplex(req.ChannelID, data)
	if err != nil {
		return "", classifyDiscordErr("send", err)
	}
	return msg.ID, nil
}

// Messages returns up to limit messages in channelID, oldest first, fetched
// via Discord's REST history endpoint.
func (g *Gateway) Messages(ctx context.Context, bot, channelID string, limit int, before string) ([]oasis.ChatMessage, error) {
	b, ok := g.Bot(bot)
	if !ok {
		return nil, &oasis.ConfigError{Field: "bot", Message: fmt.Sprintf("unknown bot %q", bot)}
	}
	b.mu.RLock()
	session := b.session
	b.mu.RUnlock()
	if session == nil {
		return nil, &oasis.TransportError{Op: "messages", Message: "no active session"}
	}

	msgs, err := session.ChannelMessages(channelID, limit, before, "", "")
	if err != nil {
		return nil, classifyDiscordErr("messages", err)
	}
	out := make([]oasis.ChatMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- { // Discord returns newest-first
		m := msgs[i]
		role := "user"
		if m.Author != nil && b.UserID != "" && m.Author.ID == b.UserID {
			role = "assistant"
		}
		out = append(out, oasis.ChatMessage{Role: role, Content: m.Content})
	}
	return out, nil
}

// classifyDiscordErr maps a discordgo error to the gateway's error taxonomy.
// discordgo surfaces REST errors as *discordgo.RESTError with an HTTP
// response attached; the status code drives the mapping.
func classifyDiscordErr(op string, err error) error {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return &oasis.TransportError{Op: op, Message: err.Error()}
	}
	switch {
	case restErr.Response != nil && restErr.Response.StatusCode == 403:
		return &oasis.PermissionDenied{Op: op, Message: err.Error()}
	case restErr.Response != nil && restErr.Response.StatusCode == 429:
		return &oasis.RateLimited{Scope: "discord-route"}
	default:
		return &oasis.TransportError{Op: op, Message: err.Error()}
	}
}
