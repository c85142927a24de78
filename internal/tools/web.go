package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxPageBytes     = 5 << 20
	maxContentChars  = 50000
)

// FetchTool downloads a page and extracts its readable content.
type FetchTool struct {
	UserAgent string
	HTTP      *http.Client
}

func NewFetchTool() *FetchTool {
	return &FetchTool{
		UserAgent: defaultUserAgent,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *FetchTool) Name() string { return "Web.fetch" }

func (s *FetchTool) Description() string {
	return "Fetch a webpage URL and extract the main content as clean text or markdown."
}

func (s *FetchTool) Parameters() map[string]any {
	return object([]string{"url"}, map[string]any{
		"url": stringProp("The full URL of the webpage (e.g., https://example.com/article)"),
		"format": map[string]any{
			"type":        "string",
			"enum":        []string{"text", "markdown"},
			"description": "Output format, text by default",
		},
	})
}

func (s *FetchTool) Invoke(ctx context.Context, args Args) (Output, error) {
	rawURL := args.String("url")
	parsedURL, err := url.Parse(rawURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return Output{}, fmt.Errorf("invalid url: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Output{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Output{}, fmt.Errorf("failed to read page: %v", err)
	}

	article, err := readability.FromReader(bytes.NewReader(page), parsedURL)
	if err != nil {
		return Output{}, fmt.Errorf("failed to parse article: %v", err)
	}

	format := args.String("format")
	var content string
	switch format {
	case "", "text":
		format = "text"
		content = strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(article.TextContent))
	case "markdown":
		content, err = htmlToMarkdown(string(page))
		if err != nil {
			return Output{}, err
		}
	default:
		return Output{}, errors.New("format must be 'text' or 'markdown'")
	}

	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (content truncated) ..."
	}

	return Output{
		Content: content,
		Fields: map[string]any{
			"url":     rawURL,
			"title":   article.Title,
			"excerpt": article.Excerpt,
			"format":  format,
		},
	}, nil
}

// htmlToMarkdown sanitizes untrusted HTML before converting it.
func htmlToMarkdown(html string) (string, error) {
	clean := bluemonday.UGCPolicy().Sanitize(html)
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("failed to convert to markdown: %v", err)
	}
	return strings.TrimSpace(out), nil
}
