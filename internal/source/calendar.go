// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package source

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/models"
)

// CalendarClient reads the calendar provider's paginated REST API.
// Events carry their full payload inline, so FetchRaw is unsupported.
type CalendarClient struct {
	httpSource
}

// calendarListing is one page of the provider's calendar listing.
type calendarListing struct {
	Calendars []struct {
		ID         string `json:"id"`
		Summary    string `json:"summary"`
		UpdatedAt  string `json:"updated"`
		EventCount int    `json:"event_count"`
	} `json:"calendars"`
	Total int `json:"total"`
}

// eventListing is one page of a calendar's event listing.
type eventListing struct {
	Events []calendarEvent `json:"events"`
	Total  int             `json:"total"`
}

// calendarEvent is the provider's event document. The whole document is
// the item payload; the engine republishes it without interpretation.
type calendarEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	UpdatedAt   string `json:"updated"`
}

// NewCalendarClient creates a calendar source client.
func NewCalendarClient(cfg config.SourceConfig) *CalendarClient {
	return &CalendarClient{httpSource: newHTTPSource(cfg)}
}

// Component identifies this client as the calendar source.
func (c *CalendarClient) Component() models.Component {
	return models.ComponentCalendar
}

// ListCollections returns all calendars in the provider's listing order.
func (c *CalendarClient) ListCollections(ctx context.Context) ([]models.Collection, error) {
	var collections []models.Collection

	for page := 1; ; page++ {
		var listing calendarListing
		if err := c.getJSON(ctx, "/api/calendars", c.pageQuery(page), &listing); err != nil {
			return nil, fmt.Errorf("calendar listing page %d: %w", page, err)
		}

		for _, cal := range listing.Calendars {
			collections = append(collections, models.Collection{
				ID:         cal.ID,
				Name:       cal.Summary,
				ModifiedAt: parseProviderTime(cal.UpdatedAt),
				ItemCount:  cal.EventCount,
			})
		}

		if len(listing.Calendars) < c.pageSize {
			return collections, nil
		}
	}
}

// ListItems returns a calendar's events in the provider's listing
// order, each carrying the full event document as its inline payload.
func (c *CalendarClient) ListItems(ctx context.Context, collectionID string) ([]models.Item, error) {
	var items []models.Item

	for page := 1; ; page++ {
		var listing eventListing
		path := "/api/calendars/" + collectionID + "/events"
		if err := c.getJSON(ctx, path, c.pageQuery(page), &listing); err != nil {
			return nil, fmt.Errorf("event listing for calendar %s page %d: %w", collectionID, page, err)
		}

		for _, ev := range listing.Events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
			items = append(items, models.Item{
				ID:           ev.ID,
				CollectionID: collectionID,
				Name:         ev.Summary,
				ModifiedAt:   parseProviderTime(ev.UpdatedAt),
				Size:         int64(len(payload)),
				Payload:      payload,
			})
		}

		if len(listing.Events) < c.pageSize {
			return items, nil
		}
	}
}

// FetchRaw is unsupported: calendar events carry inline payloads.
func (c *CalendarClient) FetchRaw(_ context.Context, item models.Item) ([]byte, error) {
	return nil, fmt.Errorf("event %s: %w", item.ID, ErrNoRawPayload)
}
