package gateway

import (
	"context"
	"log"

	"github.com/rahul/agentichq/internal/agent"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop and blocks until ctx is done
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Handler answers an incoming chat message.
type Handler interface {
	HandleMessage(ctx context.Context, chatID, text string) (*agent.Reply, error)
}

const troubleReply = "I'm having trouble thinking right now..."

// respond runs one incoming message through h and sends the answer back on
// m. When the answer started a plan, n reports its outcome later. historyID
// keys the conversation; sendID addresses the chat on m.
func respond(ctx context.Context, h Handler, n *Notifier, m Messenger, historyID, sendID, text string) {
	reply, err := h.HandleMessage(ctx, historyID, text)
	if err != nil {
		log.Printf("Error handling message from %s: %v", historyID, err)
		if err := m.Send(sendID, troubleReply); err != nil {
			log.Printf("Failed to send reply to %s: %v", sendID, err)
		}
		return
	}

	if err := m.Send(sendID, reply.Message); err != nil {
		log.Printf("Failed to send reply to %s: %v", sendID, err)
	}
	if reply.PlanID != "" && n != nil {
		n.Watch(ctx, reply.PlanID, m, sendID)
	}
}
