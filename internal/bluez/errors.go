package bluez

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to classify failures returned by this package.
var (
	// ErrTransientUnavailable means the remote object manager has not been
	// resolved yet. Callers retry on a fixed interval.
	ErrTransientUnavailable = errors.New("object manager not yet available")

	// ErrNoObjectManager means the remote side exposes no object manager at
	// all. This is an unrecoverable startup fault.
	ErrNoObjectManager = errors.New("no object manager")

	// ErrResolution classifies every *ResolutionError.
	ErrResolution = errors.New("resolution failed")

	// ErrRemoteOperation classifies every *RemoteOperationError.
	ErrRemoteOperation = errors.New("remote operation failed")

	// ErrNotReady is returned by operations invoked before the proxy is ready.
	ErrNotReady = errors.New("proxy not ready")

	// ErrObjectRemoved is reported when the remote object disappeared while it
	// was being resolved.
	ErrObjectRemoved = errors.New("object removed")

	// ErrAlreadyInitialized is returned by a second Init call.
	ErrAlreadyInitialized = errors.New("proxy already initialized")

	// ErrCacheClosed is reported to a property cache's resolve callback when
	// the cache was closed before the initial fetch completed.
	ErrCacheClosed = errors.New("property cache closed")
)

// ResolutionError reports that an interface handle or its properties could
// not be fetched. A proxy that hits it never becomes ready.
type ResolutionError struct {
	Path      ObjectPath
	Interface string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("resolve %s on %s: %v", e.Interface, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrResolution) true for every ResolutionError.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// RemoteOperationError reports a failed remote method call. It is surfaced to
// the immediate caller only; nothing retries it.
type RemoteOperationError struct {
	Path   ObjectPath
	Method string
	Err    error
}

func (e *RemoteOperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Path, e.Err)
}

func (e *RemoteOperationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRemoteOperation) true for every RemoteOperationError.
func (e *RemoteOperationError) Is(target error) bool {
	return target == ErrRemoteOperation
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUnavailable)
}
