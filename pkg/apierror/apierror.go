// Package apierror defines the error taxonomy surfaced to RPC callers. Every
// backend failure is translated into an Error whose Kind the facade maps to a
// wire exception; components return these instead of raising ad hoc errors.
package apierror

import (
	"errors"
	"fmt"
)

// Kind enumerates the caller-visible error classes.
type Kind string

const (
	ImageNotFound         Kind = "ImageNotFound"
	ImageNotActive        Kind = "ImageNotActive"
	FlavorNotFound        Kind = "FlavorNotFound"
	ServerNotFound        Kind = "ServerNotFound"
	VolumeNotFound        Kind = "VolumeNotFound"
	SnapshotNotFound      Kind = "SnapshotNotFound"
	SecurityGroupNotFound Kind = "SecurityGroupNotFound"
	BackendNotFound       Kind = "BackendNotFound"
	TemplateNotFound      Kind = "TemplateNotFound"
	ClusterNotFound       Kind = "ClusterNotFound"
	PlaybookNotFound      Kind = "PlaybookNotFound"
	OpenStackConflict     Kind = "OpenStackConflict"
	ResourceNotAvailable  Kind = "ResourceNotAvailable"
	Default               Kind = "DefaultException"
)

// Error is a tagged error carrying the kind and the identifier acted on.
type Error struct {
	Kind     Kind
	Resource string
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error for resource with a formatted message.
func New(kind Kind, resource, format string, args ...any) *Error {
	return &Error{Kind: kind, Resource: resource, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around cause, preserving it for errors.Is/As.
func Wrap(kind Kind, resource string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Resource: resource, Message: cause.Error(), cause: cause}
}

// KindOf returns the Kind of err, or Default when err carries no Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Default
}

// IsKind reports whether err carries an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
