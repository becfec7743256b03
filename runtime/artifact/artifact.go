// Package artifact stores large objects referenced from session context by
// lightweight handles. The compiler's resolution stage replaces a handle with
// content only when explicitly requested; everything else stays a reference
// so large payloads never ride along in every prompt.
package artifact

import (
	"context"
	"errors"
)

// ErrNotFound indicates an artifact handle that resolves to nothing.
var ErrNotFound = errors.New("artifact: not found")

type (
	// Ref is a lightweight handle to a stored artifact.
	Ref struct {
		// ID uniquely identifies the artifact.
		ID string `json:"id"`
		// MediaType is the content's media type, e.g. "text/markdown".
		MediaType string `json:"media_type"`
		// Size is the content length in bytes.
		Size int64 `json:"size"`
	}

	// Artifact is a stored object with its content.
	Artifact struct {
		// Ref is the artifact's handle.
		Ref Ref `json:"ref"`
		// Content is the stored bytes.
		Content []byte `json:"content"`
	}

	// Store persists artifacts and resolves handles back to content.
	Store interface {
		// Put stores content and returns its handle.
		Put(ctx context.Context, mediaType string, content []byte) (Ref, error)
		// Get returns the artifact for id, or ErrNotFound.
		Get(ctx context.Context, id string) (*Artifact, error)
		// Resolve returns the artifacts for the given handles in request
		// order. An unknown handle fails the whole resolution.
		Resolve(ctx context.Context, refs []Ref) ([]*Artifact, error)
	}
)
