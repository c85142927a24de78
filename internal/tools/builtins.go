package tools

import (
	"log"

	"github.com/tmc/langchaingo/llms"
)

// Options selects and configures the built-in providers.
type Options struct {
	Workspace      string
	GitHubAPI      string
	SMTPAddr       string
	BrowserEnabled bool
	SearchEnabled  bool
	Creds          Credentials
	Model          llms.Model // enables Text.generate when set
}

// RegisterBuiltins registers every built-in tool enabled by opts. The
// returned function releases the headless browser, if one was registered.
func RegisterBuiltins(r *Registry, opts Options) (func(), error) {
	cleanup := func() {}
	builtins := NewGitHubClient(opts.GitHubAPI, opts.Creds).Tools()
	builtins = append(builtins,
		NewSendEmailTool(opts.SMTPAddr, opts.Creds),
		NewMarkdownTool(opts.Workspace),
		NewFetchTool(),
	)
	if opts.BrowserEnabled {
		browser := NewRenderTool()
		builtins = append(builtins, browser)
		cleanup = browser.Close
	}
	if opts.SearchEnabled {
		search, err := NewSearchTool()
		if err != nil {
			log.Printf("Search.web disabled: %v", err)
		} else {
			builtins = append(builtins, search)
		}
	}
	if opts.Model != nil {
		builtins = append(builtins, NewGenerateTool(opts.Model))
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			cleanup()
			return nil, err
		}
	}
	return cleanup, nil
}
