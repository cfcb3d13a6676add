// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the singleton validator. validator caches
// struct metadata, so a single instance is both faster and thread-safe.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that required configuration is present and valid.
// Struct tags cover per-field constraints; cross-field rules that tags
// cannot express are checked explicitly afterwards.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if err := c.validateDeriveWidths(); err != nil {
		return err
	}

	return c.validateStorage()
}

// validateDeriveWidths requires strictly ascending widths so variant
// keys stay deterministic across config reloads.
func (c *Config) validateDeriveWidths() error {
	if !sort.IntsAreSorted(c.Derive.Widths) {
		return fmt.Errorf("derive.widths must be ascending, got %v", c.Derive.Widths)
	}
	for i := 1; i < len(c.Derive.Widths); i++ {
		if c.Derive.Widths[i] == c.Derive.Widths[i-1] {
			return fmt.Errorf("derive.widths contains duplicate width %d", c.Derive.Widths[i])
		}
	}
	return nil
}

// validateStorage checks S3 settings that field tags cannot express.
func (c *Config) validateStorage() error {
	if c.Storage.MultipartPartSize > c.Storage.MultipartThreshold {
		return fmt.Errorf("storage.multipart_part_size (%d) must not exceed storage.multipart_threshold (%d)",
			c.Storage.MultipartPartSize, c.Storage.MultipartThreshold)
	}
	if c.Storage.RetryInitialDelay > c.Storage.RetryMaxDelay {
		return fmt.Errorf("storage.retry_initial_delay must not exceed storage.retry_max_delay")
	}
	return nil
}

// formatValidationErrors flattens validator errors into one message
// naming every failing field, so a bad deployment surfaces all problems
// in a single startup failure instead of one per restart.
func formatValidationErrors(verrs validator.ValidationErrors) error {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Config.Storage.AccessKey -> storage.access_key
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		parts = append(parts, fmt.Sprintf("%s: failed %q", snakePath(path), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}

// snakePath converts a validator namespace to the koanf path style used
// in config files and env vars.
func snakePath(ns string) string {
	var b strings.Builder
	for i, r := range ns {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && ns[i-1] != '.' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
