package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher streams a remote resource into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) error
}

// HTTPFetcher fetches over net/http. Each request is bounded by Timeout.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{},
		Timeout: timeout,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	return nil
}
