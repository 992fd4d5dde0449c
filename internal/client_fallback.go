package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"nerdhub/internal/presence"
	"nerdhub/internal/storage"
)

// Fallback is polled for snapshots while the websocket is down.
type Fallback interface {
	Fetch(ctx context.Context) (presence.Snapshot, error)
}

// HTTPFallback polls the server's GET /presence endpoint.
type HTTPFallback struct {
	client *resty.Client
}

func NewHTTPFallback(baseURL string) *HTTPFallback {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5*time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", UserAgent())
	return &HTTPFallback{client: client}
}

func (f *HTTPFallback) Fetch(ctx context.Context) (presence.Snapshot, error) {
	var snap presence.Snapshot
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&snap).
		Get("/presence")
	if err != nil {
		return snap, fmt.Errorf("poll presence: %w", err)
	}
	if resp.IsError() {
		return snap, fmt.Errorf("poll presence: status %d", resp.StatusCode())
	}
	return snap, nil
}

// MirrorFallback reads the redis or sqlite mirror the server writes.
type MirrorFallback struct {
	reader storage.Reader
}

func NewMirrorFallback(r storage.Reader) *MirrorFallback {
	return &MirrorFallback{reader: r}
}

func (f *MirrorFallback) Fetch(ctx context.Context) (presence.Snapshot, error) {
	return f.reader.Read(ctx)
}
