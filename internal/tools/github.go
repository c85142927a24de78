package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultGitHubAPI = "https://api.github.com"

var errGitHubToken = errors.New("GitHub token not configured")

// GitHubClient talks to the GitHub REST API with a token from Credentials.
type GitHubClient struct {
	BaseURL string
	HTTP    *http.Client
	Creds   Credentials
}

func NewGitHubClient(baseURL string, creds Credentials) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	return &GitHubClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Creds:   creds,
	}
}

// Tools returns the GitHub.* operations backed by this client.
func (c *GitHubClient) Tools() []Tool {
	return []Tool{&CreateRepoTool{client: c}, &AddFileTool{client: c}}
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.Creds.GetKey(ctx, "github")
	if err != nil {
		return fmt.Errorf("load GitHub token: %w", err)
	}
	if token == "" {
		return errGitHubToken
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GitHub request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("GitHub API error (%d): %s", resp.StatusCode, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode GitHub response: %w", err)
	}
	return nil
}

type CreateRepoTool struct {
	client *GitHubClient
}

func (t *CreateRepoTool) Name() string { return "GitHub.createRepo" }

func (t *CreateRepoTool) Description() string {
	return "Create a new GitHub repository for the authenticated user."
}

func (t *CreateRepoTool) Parameters() map[string]any {
	return object([]string{"name"}, map[string]any{
		"name":        stringProp("Repository name"),
		"description": stringProp("Short repository description"),
		"private":     map[string]any{"type": "boolean", "description": "Create a private repository"},
	})
}

func (t *CreateRepoTool) Invoke(ctx context.Context, args Args) (Output, error) {
	payload := map[string]any{
		"name":        args.String("name"),
		"description": args.String("description"),
		"auto_init":   true,
	}
	if private, ok := args["private"].(bool); ok {
		payload["private"] = private
	}

	var repo struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	}
	if err := t.client.do(ctx, http.MethodPost, "/user/repos", payload, &repo); err != nil {
		return Output{}, err
	}

	return Output{
		Content: repo.HTMLURL,
		Fields: map[string]any{
			"id":        repo.ID,
			"name":      repo.Name,
			"full_name": repo.FullName,
			"html_url":  repo.HTMLURL,
			"clone_url": repo.CloneURL,
		},
	}, nil
}

type AddFileTool struct {
	client *GitHubClient
}

func (t *AddFileTool) Name() string { return "GitHub.addFile" }

func (t *AddFileTool) Description() string {
	return "Add a file to a repository. repo is either 'owner/name' or a repository of the authenticated user."
}

func (t *AddFileTool) Parameters() map[string]any {
	return object([]string{"repo", "path", "content"}, map[string]any{
		"repo":    stringProp("Repository, 'owner/name' or 'name'"),
		"path":    stringProp("File path inside the repository"),
		"content": stringProp("File contents"),
		"message": stringProp("Commit message"),
	})
}

func (t *AddFileTool) Invoke(ctx context.Context, args Args) (Output, error) {
	repo := args.String("repo")
	path := strings.TrimLeft(args.String("path"), "/")
	if path == "" {
		return Output{}, errors.New("path is required")
	}

	if !strings.Contains(repo, "/") {
		var user struct {
			Login string `json:"login"`
		}
		if err := t.client.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
			return Output{}, err
		}
		repo = user.Login + "/" + repo
	}

	message := args.String("message")
	if message == "" {
		message = "Add " + path
	}
	content := args.String("content")

	var res struct {
		Content struct {
			Name    string `json:"name"`
			Path    string `json:"path"`
			SHA     string `json:"sha"`
			HTMLURL string `json:"html_url"`
		} `json:"content"`
		Commit struct {
			SHA     string `json:"sha"`
			Message string `json:"message"`
		} `json:"commit"`
	}
	endpoint := "/repos/" + repo + "/contents/" + escapePath(path)
	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	}
	if err := t.client.do(ctx, http.MethodPut, endpoint, payload, &res); err != nil {
		return Output{}, err
	}

	return Output{
		Content: res.Content.HTMLURL,
		Fields: map[string]any{
			"repo":       repo,
			"path":       res.Content.Path,
			"sha":        res.Content.SHA,
			"size":       len(content),
			"html_url":   res.Content.HTMLURL,
			"commit_sha": res.Commit.SHA,
			"message":    res.Commit.Message,
		},
	}, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
