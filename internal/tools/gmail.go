package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultSMTPAddr = "smtp.gmail.com:587"

// GmailCredentials is the JSON stored under the "gmail" provider key.
type GmailCredentials struct {
	Email       string `json:"email"`
	AppPassword string `json:"appPassword"`
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SendEmailTool delivers plain text mail through SMTP with an app password.
type SendEmailTool struct {
	Addr  string
	Creds Credentials
	Send  SendFunc
}

func NewSendEmailTool(addr string, creds Credentials) *SendEmailTool {
	if addr == "" {
		addr = DefaultSMTPAddr
	}
	return &SendEmailTool{Addr: addr, Creds: creds, Send: smtp.SendMail}
}

func (t *SendEmailTool) Name() string { return "Gmail.sendEmail" }

func (t *SendEmailTool) Description() string {
	return "Send a plain text email from the configured Gmail account."
}

func (t *SendEmailTool) Parameters() map[string]any {
	return object([]string{"to", "subject", "body"}, map[string]any{
		"to":      stringProp("Recipient address"),
		"subject": stringProp("Subject line"),
		"body":    stringProp("Plain text body"),
	})
}

func (t *SendEmailTool) Invoke(ctx context.Context, args Args) (Output, error) {
	to, err := mail.ParseAddress(args.String("to"))
	if err != nil {
		return Output{}, errors.New("invalid recipient")
	}

	creds, err := loadGmailCredentials(ctx, t.Creds)
	if err != nil {
		return Output{}, err
	}

	subject := args.String("subject")
	body := args.String("body")
	msgID := fmt.Sprintf("<%s@agentichq>", uuid.NewString())

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", creds.Email)
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	host, _, err := net.SplitHostPort(t.Addr)
	if err != nil {
		host = t.Addr
	}
	auth := smtp.PlainAuth("", creds.Email, creds.AppPassword, host)
	if err := t.Send(t.Addr, auth, creds.Email, []string{to.Address}, []byte(b.String())); err != nil {
		return Output{}, fmt.Errorf("send email: %v", err)
	}

	snippet := body
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	return Output{
		Content: msgID,
		Fields: map[string]any{
			"message_id": msgID,
			"to":         to.Address,
			"subject":    subject,
			"snippet":    snippet,
		},
	}, nil
}

func loadGmailCredentials(ctx context.Context, store Credentials) (GmailCredentials, error) {
	var creds GmailCredentials
	raw, err := store.GetKey(ctx, "gmail")
	if err != nil {
		return creds, fmt.Errorf("load Gmail credentials: %w", err)
	}
	if raw == "" {
		return creds, errors.New("Gmail credentials not configured")
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil || creds.Email == "" || creds.AppPassword == "" {
		return creds, errors.New("Gmail credentials are invalid, expected {\"email\", \"appPassword\"}")
	}
	return creds, nil
}
