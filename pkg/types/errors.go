// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
)

// ErrorKind separates retryable failures from final ones.
type ErrorKind int

const (
	Permanent ErrorKind = iota
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// ConfigurationError reports bad or missing flags, unknown backends, and
// unusable format lists. It aborts the run before any work starts.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// InputError reports an unreadable query file.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// BackendError is returned by search backends.
type BackendError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s search (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// DownloadError is returned for a single failed fetch attempt.
type DownloadError struct {
	URL  string
	Kind ErrorKind
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// IntegrityError reports a size or checksum mismatch after download. It is
// always permanent for the candidate.
type IntegrityError struct {
	Path string
	Msg  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Msg)
}

// ErrDuplicate marks a task whose URL or content is already in the index.
var ErrDuplicate = errors.New("duplicate")

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind == Transient
	}
	return false
}
