// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package source

import (
	"context"
	"fmt"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/models"
)

// GalleryClient reads the photo provider's paginated REST API. Album
// folders may nest; the tree is flattened depth-first into one stable
// collection order so the scheduler's resume cursor stays meaningful
// across runs.
type GalleryClient struct {
	httpSource
}

// folderListing is one page of the provider's folder listing.
type folderListing struct {
	Folders []galleryFolder `json:"folders"`
	Total   int             `json:"total"`
}

type galleryFolder struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	Name       string `json:"name"`
	UpdatedAt  string `json:"updated"`
	PhotoCount int    `json:"photo_count"`
}

// photoListing is one page of a folder's photo listing.
type photoListing struct {
	Photos []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		UpdatedAt string `json:"updated"`
		Size      int64  `json:"size"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"photos"`
	Total int `json:"total"`
}

// NewGalleryClient creates a gallery source client.
func NewGalleryClient(cfg config.SourceConfig) *GalleryClient {
	return &GalleryClient{httpSource: newHTTPSource(cfg)}
}

// Component identifies this client as the gallery source.
func (c *GalleryClient) Component() models.Component {
	return models.ComponentGallery
}

// ListCollections returns all album folders flattened depth-first:
// each folder is followed by its subfolders, preserving the provider's
// sibling order. Only folders that contain photos become collections.
func (c *GalleryClient) ListCollections(ctx context.Context) ([]models.Collection, error) {
	var folders []galleryFolder

	for page := 1; ; page++ {
		var listing folderListing
		if err := c.getJSON(ctx, "/api/folders", c.pageQuery(page), &listing); err != nil {
			return nil, fmt.Errorf("folder listing page %d: %w", page, err)
		}
		folders = append(folders, listing.Folders...)
		if len(listing.Folders) < c.pageSize {
			break
		}
	}

	ordered := flattenFolders(folders)

	collections := make([]models.Collection, 0, len(ordered))
	for _, f := range ordered {
		if f.PhotoCount == 0 {
			continue
		}
		collections = append(collections, models.Collection{
			ID:         f.ID,
			Name:       f.Name,
			ModifiedAt: parseProviderTime(f.UpdatedAt),
			ItemCount:  f.PhotoCount,
		})
	}
	return collections, nil
}

// flattenFolders orders a folder forest depth-first. Folders whose
// parent never appears (provider inconsistency) are appended as roots
// rather than dropped.
func flattenFolders(folders []galleryFolder) []galleryFolder {
	byParent := make(map[string][]galleryFolder)
	known := make(map[string]bool, len(folders))
	for _, f := range folders {
		known[f.ID] = true
	}
	for _, f := range folders {
		parent := f.ParentID
		if parent != "" && !known[parent] {
			parent = "" // orphan, treat as root
		}
		byParent[parent] = append(byParent[parent], f)
	}

	ordered := make([]galleryFolder, 0, len(folders))
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, f := range byParent[parentID] {
			ordered = append(ordered, f)
			walk(f.ID)
		}
	}
	walk("")
	return ordered
}

// ListItems returns a folder's photos in the provider's listing order.
func (c *GalleryClient) ListItems(ctx context.Context, collectionID string) ([]models.Item, error) {
	var items []models.Item

	for page := 1; ; page++ {
		var listing photoListing
		path := "/api/folders/" + collectionID + "/photos"
		if err := c.getJSON(ctx, path, c.pageQuery(page), &listing); err != nil {
			return nil, fmt.Errorf("photo listing for folder %s page %d: %w", collectionID, page, err)
		}

		for _, p := range listing.Photos {
			items = append(items, models.Item{
				ID:           p.ID,
				CollectionID: collectionID,
				Name:         p.Name,
				ModifiedAt:   parseProviderTime(p.UpdatedAt),
				Size:         p.Size,
				Width:        p.Width,
				Height:       p.Height,
			})
		}

		if len(listing.Photos) < c.pageSize {
			return items, nil
		}
	}
}

// FetchRaw downloads one photo's original bytes.
func (c *GalleryClient) FetchRaw(ctx context.Context, item models.Item) ([]byte, error) {
	body, err := c.get(ctx, "/api/photos/"+item.ID+"/raw", nil)
	if err != nil {
		return nil, fmt.Errorf("raw fetch for photo %s: %w", item.ID, err)
	}
	return body, nil
}
