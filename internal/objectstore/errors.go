// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package objectstore

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network errors,
// timeouts, 429, and 5xx responses. The client retries these with
// exponential backoff before giving up; an exhausted transient error
// is still transient for the caller's taxonomy.
type TransientError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("objectstore: transient %s failure for %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: permission
// denied, bad request, bucket missing. Surfaced immediately without
// retry.
type PermanentError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("objectstore: permanent %s failure for %q (status %d): %v", e.Op, e.Key, e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus converts a non-2xx HTTP status into the error taxonomy.
func classifyStatus(op, key string, status int, body string) error {
	base := fmt.Errorf("status %d: %s", status, body)
	if status == 429 || status >= 500 {
		return &TransientError{Op: op, Key: key, Err: base}
	}
	return &PermanentError{Op: op, Key: key, Status: status, Err: base}
}
