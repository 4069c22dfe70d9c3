// Package httpsource is the reference Provider implementation: resources
// are HTTP feed endpoints returning JSON message batches, and media refs
// are plain URLs fetched with chunked progress reporting. Real messaging
// backends implement fetchlib.Provider the same way.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

const (
	chunkSize        = 32 * 1024
	defaultRetryWait = 30 * time.Second
)

// Source fetches feeds and media over HTTP.
type Source struct {
	client *http.Client
}

// New creates an HTTP source. A nil client selects http.DefaultClient.
func New(client *http.Client) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{client: client}
}

// FetchRecent pulls the most recent message batch from the feed endpoint
// identified by resourceKey.
func (s *Source) FetchRecent(ctx context.Context, resourceKey string, limit int) ([]*fetchlib.Message, error) {
	url := fmt.Sprintf("%s?limit=%d", resourceKey, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var msgs []*fetchlib.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	for _, m := range msgs {
		m.ResourceKey = resourceKey
	}
	return msgs, nil
}

// Transfer streams the media URL into destination on fs, reporting progress
// per chunk. The progress callback returning an error aborts the transfer.
func (s *Source) Transfer(ctx context.Context, fs afero.Fs, src fetchlib.SourceDescriptor, destination string, onProgress fetchlib.ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Ref, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	total := resp.ContentLength
	if total <= 0 {
		total = src.Size
	}

	if err := fs.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	f, err := fs.Create(destination)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer f.Close()

	var current int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write destination: %w", werr)
			}
			current += int64(n)
			if perr := onProgress(current, total); perr != nil {
				return perr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read media: %w", rerr)
		}
	}
}

// checkStatus maps HTTP status codes onto the provider error taxonomy:
// 429 becomes a RateLimitError carrying the Retry-After hint.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := defaultRetryWait
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &fetchlib.RateLimitError{RetryAfter: wait}
	case resp.StatusCode >= 400:
		return fmt.Errorf("source returned %s", resp.Status)
	default:
		return nil
	}
}

var _ fetchlib.Provider = (*Source)(nil)
