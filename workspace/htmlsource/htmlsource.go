// Package htmlsource implements edgeagent.WorkspaceMemory by rendering a
// chat's bookmarked URL into readable text. Each chat's bookmark is a
// one-line file at <workspace>/<chatID>.url containing the URL to fetch.
package htmlsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

// Loader implements edgeagent.WorkspaceMemory over a directory of
// per-chat bookmark files.
type Loader struct {
	dir    string
	client *http.Client
}

// New creates a Loader rooted at dir (typically WorkspaceConfig.Path).
func New(dir string) *Loader {
	return &Loader{
		dir:    dir,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// LoadMemory fetches the URL bookmarked for chatID and extracts its
// readable text content. Returns "" with no error when the chat has no
// bookmark file, since workspace loaders are optional per chat.
func (l *Loader) LoadMemory(ctx context.Context, chatID string) (string, error) {
	path := filepath.Join(l.dir, chatID+".url")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("htmlsource: read bookmark: %w", err)
	}
	rawURL := strings.TrimSpace(string(data))
	if rawURL == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("htmlsource: invalid URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EdgeAgent/1.0)")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("htmlsource: fetch %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("htmlsource: HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("htmlsource: read body: %w", err)
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return "", fmt.Errorf("htmlsource: extract readable content: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}
