// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package objectstore

import (
	"context"
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/marikald/seltsisync/internal/logging"
	"github.com/marikald/seltsisync/internal/metrics"
)

// BreakerStore wraps a Store with a circuit breaker so a dead or
// misbehaving object store endpoint fails fast instead of making every
// scheduler run grind through full retry cycles per operation.
//
// The breaker uses real time for its interval and timeout windows;
// tests exercise the wrapped Store directly.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore wraps inner with a circuit breaker.
//
// Settings: opens at a 60% failure rate over a minimum of 10 requests
// within a 1 minute window; half-opens after 1 minute allowing 3 trial
// requests.
func NewBreakerStore(inner Store) *BreakerStore {
	const cbName = "objectstore"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := breakerStateString(from), breakerStateString(to)
			logging.Warn().Str("from", fromStr).Str("to", toStr).Msg("Object store circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},

		// Permanent errors reflect misconfiguration, not endpoint
		// health; only transient failures count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})

	return &BreakerStore{inner: inner, cb: cb, name: cbName}
}

// PutObject implements Store.
func (b *BreakerStore) PutObject(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.PutObject(ctx, key, data, contentType, cacheControl)
	})
	return b.wrapOpen("put", key, err)
}

// GetJSON implements Store.
func (b *BreakerStore) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	found, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetJSON(ctx, key, out)
	})
	if err != nil {
		return false, b.wrapOpen("get", key, err)
	}
	return found.(bool), nil
}

// Exists implements Store.
func (b *BreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := b.cb.Execute(func() (any, error) {
		return b.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, b.wrapOpen("head", key, err)
	}
	return exists.(bool), nil
}

// ListObjects implements Store.
func (b *BreakerStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListObjects(ctx, prefix)
	})
	if err != nil {
		return nil, b.wrapOpen("list", prefix, err)
	}
	return keys.([]string), nil
}

// wrapOpen converts breaker rejections into the transient taxonomy so
// the scheduler's per-item failure handling applies uniformly.
func (b *BreakerStore) wrapOpen(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Op: op, Key: key, Err: err}
	}
	return err
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
