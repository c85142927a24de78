package tools

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

var errNoKey = errors.New("no API key found")

// ModelFactory builds a client for an LLM provider from its key.
type ModelFactory func(ctx context.Context, provider, apiKey string) (llms.Model, error)

// VerifyFunc checks that an SMTP server at addr accepts a.
type VerifyFunc func(ctx context.Context, addr string, a smtp.Auth) error

// ConnectionTester checks that the stored credentials of a provider work.
type ConnectionTester struct {
	Creds    Credentials
	GitHub   *GitHubClient
	SMTPAddr string
	Verify   VerifyFunc
	NewModel ModelFactory
}

func NewConnectionTester(opts Options, newModel ModelFactory) *ConnectionTester {
	addr := opts.SMTPAddr
	if addr == "" {
		addr = DefaultSMTPAddr
	}
	return &ConnectionTester{
		Creds:    opts.Creds,
		GitHub:   NewGitHubClient(opts.GitHubAPI, opts.Creds),
		SMTPAddr: addr,
		Verify:   verifySMTP,
		NewModel: newModel,
	}
}

// TestConnection makes the cheapest authenticated call the provider offers.
// A nil error means the credentials were accepted.
func (t *ConnectionTester) TestConnection(ctx context.Context, provider string) error {
	switch provider {
	case "github":
		return t.GitHub.do(ctx, http.MethodGet, "/user", nil, nil)
	case "gmail":
		return t.testGmail(ctx)
	}

	if t.NewModel == nil {
		return fmt.Errorf("unknown provider %s", provider)
	}
	key, err := t.Creds.GetKey(ctx, provider)
	if err != nil {
		return err
	}
	if key == "" && provider != "ollama" {
		return errNoKey
	}
	model, err := t.NewModel(ctx, provider, key)
	if err != nil {
		return err
	}
	if _, err := llms.GenerateFromSinglePrompt(ctx, model, "ping", llms.WithMaxTokens(1)); err != nil {
		return fmt.Errorf("%s rejected the request: %w", provider, err)
	}
	return nil
}

func (t *ConnectionTester) testGmail(ctx context.Context) error {
	creds, err := loadGmailCredentials(ctx, t.Creds)
	if err != nil {
		return err
	}
	host, _, err := net.SplitHostPort(t.SMTPAddr)
	if err != nil {
		host = t.SMTPAddr
	}
	auth := smtp.PlainAuth("", creds.Email, creds.AppPassword, host)
	if err := t.Verify(ctx, t.SMTPAddr, auth); err != nil {
		if strings.Contains(err.Error(), "535") {
			return errors.New("invalid email or app password")
		}
		return fmt.Errorf("connect to SMTP: %w", err)
	}
	return nil
}

// verifySMTP dials addr, upgrades to TLS when offered and authenticates
// without sending mail.
func verifySMTP(ctx context.Context, addr string, a smtp.Auth) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if err := c.Auth(a); err != nil {
		return err
	}
	return c.Quit()
}
