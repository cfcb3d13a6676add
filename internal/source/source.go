// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package source provides read-only, paginated access to the remote
// provider's collections and items.
//
// One Client implementation exists per component: a calendar adapter
// (events carry their payload inline) and a gallery adapter (photo
// bytes are fetched separately). Both apply a per-request timeout and
// a client-side rate limit, and neither retries: retry policy belongs
// to the scheduler so partial-batch semantics stay centralized.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/models"
)

var (
	// ErrNotFound marks an item or collection missing at the provider.
	// Items vanishing between listing and fetch are normal; callers
	// treat this as skip-with-warning, not a run failure.
	ErrNotFound = errors.New("source: not found")

	// ErrUnreachable marks the provider as unreachable (connection
	// failure, timeout, or 5xx). The scheduler fails the whole run
	// without advancing the cursor when listing hits this.
	ErrUnreachable = errors.New("source: provider unreachable")

	// ErrNoRawPayload is returned by FetchRaw for sources whose items
	// carry their full payload inline.
	ErrNoRawPayload = errors.New("source: items carry inline payloads, no raw fetch")
)

// Client is the provider-facing contract consumed by the scheduler.
//
// Collections and items must be returned in a stable, deterministic
// order: the scheduler's resume cursor is an index into these listings.
type Client interface {
	// Component identifies which component this client serves.
	Component() models.Component

	// ListCollections returns every collection in a stable order.
	ListCollections(ctx context.Context) ([]models.Collection, error)

	// ListItems returns a collection's items in a stable order.
	ListItems(ctx context.Context, collectionID string) ([]models.Item, error)

	// FetchRaw returns an item's raw bytes. Only meaningful for the
	// gallery; the calendar adapter returns ErrNoRawPayload.
	FetchRaw(ctx context.Context, item models.Item) ([]byte, error)
}

// httpSource holds the transport shared by both adapters.
type httpSource struct {
	baseURL string
	apiKey  string
	pageSize int
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPSource(cfg config.SourceConfig) httpSource {
	return httpSource{
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
	}
}

// getJSON performs one rate-limited GET and decodes the JSON response
// into out. Connection errors and 5xx map to ErrUnreachable, 404 to
// ErrNotFound; other non-2xx statuses surface verbatim.
func (s *httpSource) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := s.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// get performs one rate-limited GET and returns the response body.
func (s *httpSource) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnreachable, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("%s returned status %d (failed to read body)", path, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}
	return body, nil
}

// pageQuery builds the pagination query for one page (1-based).
func (s *httpSource) pageQuery(page int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(s.pageSize))
	return q
}

// parseProviderTime parses the provider's timestamp format, tolerating
// both RFC 3339 and epoch seconds. A zero time is returned for empty or
// unparseable values rather than failing the listing.
func parseProviderTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
