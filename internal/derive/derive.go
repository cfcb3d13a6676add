// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

// Package derive turns one photo's raw bytes into a fixed set of
// resized JPEG variants plus a re-compressed original.
//
// Output naming is a deterministic function of the item ID and variant
// name (images/{itemId}-{width}.jpg, images/{itemId}-original.jpg), so
// re-running derivation for the same item produces byte-identical keys
// and safely overwrites instead of growing the object store.
package derive

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register source decoders
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/marikald/seltsisync/internal/config"
)

// ContentTypeJPEG is the content type of every derived variant.
const ContentTypeJPEG = "image/jpeg"

// Variant is one derived rendition of a photo.
type Variant struct {
	// Name is "original" or the decimal target width ("320", "800"...).
	Name string
	// Key is the deterministic object store key for this variant.
	Key string
	// Bytes is the encoded JPEG payload.
	Bytes []byte
}

// Pipeline derives variants for photo items. It is stateless and safe
// for concurrent use.
type Pipeline struct {
	widths  []int
	quality int
}

// NewPipeline creates a derivation pipeline from config.
func NewPipeline(cfg config.DeriveConfig) *Pipeline {
	widths := make([]int, len(cfg.Widths))
	copy(widths, cfg.Widths)
	return &Pipeline{widths: widths, quality: cfg.JPEGQuality}
}

// VariantKey returns the object store key for one variant of an item.
func VariantKey(itemID, variantName string) string {
	return fmt.Sprintf("images/%s-%s.jpg", itemID, variantName)
}

// Derive decodes raw image bytes and produces every configured variant
// in ascending-width order, ending with the re-encoded original.
//
// Variants wider than the source image are skipped rather than
// upscaled; the original is always produced. Each variant is
// independently uploadable — a failure in the caller affecting one
// variant must not be reported as success for the item.
func (p *Pipeline) Derive(itemID string, raw []byte) ([]Variant, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for item %s: %w", itemID, err)
	}

	srcWidth := src.Bounds().Dx()
	variants := make([]Variant, 0, len(p.widths)+1)

	for _, width := range p.widths {
		if width >= srcWidth {
			continue
		}
		resized := imaging.Resize(src, width, 0, imaging.Lanczos)
		encoded, err := p.encodeJPEG(resized)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %dpx variant for item %s: %w", width, itemID, err)
		}
		name := fmt.Sprintf("%d", width)
		variants = append(variants, Variant{
			Name:  name,
			Key:   VariantKey(itemID, name),
			Bytes: encoded,
		})
	}

	original, err := p.encodeJPEG(src)
	if err != nil {
		return nil, fmt.Errorf("failed to encode original for item %s (source format %s): %w", itemID, format, err)
	}
	variants = append(variants, Variant{
		Name:  "original",
		Key:   VariantKey(itemID, "original"),
		Bytes: original,
	})

	return variants, nil
}

// Keys returns the object store keys Derive would produce for an item
// of the given source width, without doing any image work. Used by
// tests and by storage accounting.
func (p *Pipeline) Keys(itemID string, srcWidth int) []string {
	keys := make([]string, 0, len(p.widths)+1)
	for _, width := range p.widths {
		if width >= srcWidth {
			continue
		}
		keys = append(keys, VariantKey(itemID, fmt.Sprintf("%d", width)))
	}
	return append(keys, VariantKey(itemID, "original"))
}

// encodeJPEG encodes an image at the configured quality.
func (p *Pipeline) encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
