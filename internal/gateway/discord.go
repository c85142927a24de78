package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
)

// discordMessageLimit is the maximum length of one Discord message.
const discordMessageLimit = 2000

type DiscordGateway struct {
	Session  *discordgo.Session
	Handler  Handler
	Notifier *Notifier
}

func NewDiscordGateway(token string, handler Handler, notifier *Notifier) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent

	return &DiscordGateway{
		Session:  session,
		Handler:  handler,
		Notifier: notifier,
	}, nil
}

func (dg *DiscordGateway) Start(ctx context.Context) error {
	remove := dg.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Content == "" {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		log.Printf("[discord:%s] %s", m.Author.Username, m.Content)
		go respond(ctx, dg.Handler, dg.Notifier, dg, "discord:"+m.ChannelID, m.ChannelID, m.Content)
	})
	defer remove()

	if err := dg.Session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	log.Printf("Discord gateway connected")

	<-ctx.Done()
	return dg.Session.Close()
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	for _, chunk := range splitMessage(text, discordMessageLimit) {
		if _, err := dg.Session.ChannelMessageSend(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}

// splitMessage cuts text into pieces of at most limit runes.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		parts = append(parts, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
