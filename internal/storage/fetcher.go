package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// MaxFetchBytes bounds a single downloaded provider output.
const MaxFetchBytes = 256 << 20

// Fetcher downloads provider outputs published behind short-lived URLs.
type Fetcher struct {
	http *resty.Client
}

func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	var rc *resty.Client
	if client != nil {
		rc = resty.NewWithClient(client)
	} else {
		rc = resty.New()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	rc.SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Fetcher{http: rc}
}

// Fetch returns the body and content type behind url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, "", errors.New("storage: empty fetch url")
	}
	resp, err := f.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("storage: fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("storage: fetch: status %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, "", errors.New("storage: fetch: empty body")
	}
	if len(body) > MaxFetchBytes {
		return nil, "", fmt.Errorf("storage: fetch: body exceeds %d bytes", MaxFetchBytes)
	}
	return body, resp.Header().Get("Content-Type"), nil
}
