package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxFetchBytes caps a single downloaded document.
const maxFetchBytes = 64 << 20

var hrefPattern = regexp.MustCompile(`href\s*=\s*["']([^"'#]+)["']`)

// HTTPFetcher is the default PageFetcher: it downloads the seed page,
// follows same-host links breadth-first up to maxPages, and stages each
// document under workDir.
type HTTPFetcher struct {
	client  *http.Client
	workDir string
	logger  *slog.Logger
}

// NewHTTPFetcher creates a fetcher staging downloads under workDir.
func NewHTTPFetcher(workDir string, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		workDir: workDir,
		logger:  logger,
	}
}

// Fetch implements PageFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, seedURL string, maxPages int) ([]Page, error) {
	if maxPages <= 0 {
		maxPages = 20
	}

	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url: %w", err)
	}

	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	var pages []Page
	visited := map[string]bool{}
	frontier := []string{seed.String()}

	for len(frontier) > 0 && len(pages) < maxPages {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		target := frontier[0]
		frontier = frontier[1:]
		if visited[target] {
			continue
		}
		visited[target] = true

		page, links, err := f.fetchOne(ctx, target)
		if err != nil {
			f.logger.Warn("Page fetch failed",
				slog.String("url", target),
				slog.String("error", err.Error()),
			)
			continue
		}

		pages = append(pages, *page)

		for _, link := range links {
			resolved, err := seed.Parse(link)
			if err != nil || resolved.Host != seed.Host {
				continue
			}
			resolved.Fragment = ""
			if !visited[resolved.String()] {
				frontier = append(frontier, resolved.String())
			}
		}
	}

	f.logger.Info("Crawl fetch finished",
		slog.String("seed_url", seedURL),
		slog.Int("pages", len(pages)),
	)

	return pages, nil
}

// fetchOne downloads a single URL to the work dir. HTML responses also yield
// the outgoing links for the frontier.
func (f *HTTPFetcher) fetchOne(ctx context.Context, target string) (*Page, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, nil, err
	}

	localPath := filepath.Join(f.workDir, uuid.New().String()+extensionFor(target))
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return nil, nil, err
	}

	mimeType := resp.Header.Get("Content-Type")
	page := &Page{
		URL:       target,
		LocalPath: localPath,
		MimeType:  mimeType,
	}

	var links []string
	if strings.HasPrefix(mimeType, "text/html") {
		for _, match := range hrefPattern.FindAllSubmatch(body, -1) {
			links = append(links, string(match[1]))
		}
	}

	return page, links, nil
}

func extensionFor(target string) string {
	if u, err := url.Parse(target); err == nil {
		if ext := filepath.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ".html"
}
