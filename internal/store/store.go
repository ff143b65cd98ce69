// Package store persists FHIR resources as versioned JSONB blobs and serves
// the create, read, update, delete, search, and history paths over them.
// Every write commits the blob mutation, history append, and search index
// rewrite in one transaction.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fhird/fhird/internal/fhir"
)

var (
	// ErrNotFound is returned when no record exists for a (type, id) pair
	// or a requested version.
	ErrNotFound = errors.New("resource not found")

	// ErrGone is returned when the record exists but its current state is
	// a delete tombstone.
	ErrGone = errors.New("resource deleted")

	// ErrConflict is returned when an insert collides with an existing
	// (type, id) pair.
	ErrConflict = errors.New("resource already exists")

	// ErrPreconditionFailed is returned when an If-Match version does not
	// match the current version.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrMultipleMatches is returned when an If-None-Exist query matches
	// more than one existing resource.
	ErrMultipleMatches = errors.New("multiple matches for conditional request")

	// ErrInvalid is returned for malformed input: a body whose resourceType
	// disagrees with the URL, an unusable id, or a bad ETag.
	ErrInvalid = errors.New("invalid request")
)

// AlreadyExists reports a conditional create that matched exactly one
// existing resource. No new version is written; the edge returns the
// existing resource with 200.
type AlreadyExists struct {
	Existing *Stored
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("%s/%s already exists", e.Existing.ResourceType, e.Existing.FHIRID)
}

// Stored is one persisted resource version. Resource holds the blob exactly
// as written, meta already stamped; it is nil for delete tombstones.
type Stored struct {
	ResourceType string
	FHIRID       string
	VersionID    int
	LastUpdated  time.Time
	Resource     json.RawMessage
}

// ETag returns the weak ETag for this version.
func (s *Stored) ETag() string { return fhir.ETag(s.VersionID) }

// Map decodes the stored blob into a generic map.
func (s *Stored) Map() (map[string]interface{}, error) {
	var res map[string]interface{}
	if err := json.Unmarshal(s.Resource, &res); err != nil {
		return nil, fmt.Errorf("decode stored resource: %w", err)
	}
	return res, nil
}
