package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/normalize"
	"github.com/fhird/fhird/internal/notify"
	"github.com/fhird/fhird/internal/search"
)

// Service wires validation, normalization, conditional handling, and the
// notifier hook around the repository. REST handlers and the bundle
// processor both drive it.
type Service struct {
	repo       Repository
	normalizer *normalize.Normalizer
	parser     *search.Parser
	compiler   *search.Compiler
	notifier   notify.Notifier
	log        zerolog.Logger
}

func NewService(repo Repository, notifier notify.Notifier, log zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		normalizer: normalize.New(log),
		parser:     search.NewParser(log),
		compiler:   search.NewCompiler(log),
		notifier:   notifier,
		log:        log.With().Str("component", "fhirstore").Logger(),
	}
}

// InTx runs fn inside one storage transaction. The bundle processor wraps
// transaction bundles with it; the per-entry store calls join the open
// transaction instead of starting their own.
func (s *Service) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.repo.InTx(ctx, fn)
}

// Create persists a new resource at version 1. A non-empty ifNoneExist is
// evaluated first: one existing match returns AlreadyExists carrying it,
// more than one fails with ErrMultipleMatches, zero proceeds. Observations
// without basedOn get the order-linking hook applied before persisting so
// the first version already carries the link.
func (s *Service) Create(ctx context.Context, resourceType string, res map[string]interface{}, ifNoneExist string) (*Stored, error) {
	if err := s.checkResource(resourceType, res); err != nil {
		return nil, err
	}
	s.normalizer.Apply(res)

	id := fhir.ResourceID(res)
	if id == "" {
		id = uuid.New().String()
	} else if !fhir.IsValidID(id) {
		return nil, fmt.Errorf("%w: unusable id %q", ErrInvalid, id)
	}

	var linked string
	if resourceType == "Observation" {
		linked = s.autoLink(ctx, res)
	}

	var created, existing *Stored
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if ifNoneExist != "" {
			match, n, err := s.findExisting(ctx, resourceType, ifNoneExist)
			if err != nil {
				return err
			}
			switch {
			case n > 1:
				return fmt.Errorf("%w: If-None-Exist matched %d resources", ErrMultipleMatches, n)
			case n == 1:
				existing = match
				return nil
			}
		}
		st, err := s.repo.Insert(ctx, resourceType, id, res)
		if err != nil {
			return err
		}
		created = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &AlreadyExists{Existing: existing}
	}

	if linked != "" {
		s.completeLinked(ctx, linked)
	}
	s.notifyChange(ctx, notify.OpCreate, created)
	return created, nil
}

// findExisting evaluates an If-None-Exist query. The criteria must survive
// parsing; an If-None-Exist that parses to nothing would otherwise match the
// whole type.
func (s *Service) findExisting(ctx context.Context, resourceType, ifNoneExist string) (*Stored, int, error) {
	values, err := url.ParseQuery(ifNoneExist)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: malformed If-None-Exist %q", ErrInvalid, ifNoneExist)
	}
	preds, opts := s.parser.Parse(resourceType, values)
	if len(preds) == 0 {
		return nil, 0, fmt.Errorf("%w: If-None-Exist %q has no usable criteria", ErrInvalid, ifNoneExist)
	}
	opts.Count = 2
	opts.Offset = 0
	q := s.compiler.Compile(resourceType, preds, opts)
	matches, total, err := s.repo.SearchPage(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	if total == 1 && len(matches) == 1 {
		return matches[0], 1, nil
	}
	return nil, total, nil
}

// Read returns the current version. Deleted resources report ErrGone.
func (s *Service) Read(ctx context.Context, resourceType, id string) (*Stored, error) {
	return s.repo.Get(ctx, resourceType, id)
}

// ReadVersion returns one historical version. The version recorded by a
// delete has no body and reports ErrGone.
func (s *Service) ReadVersion(ctx context.Context, resourceType, id string, versionID int) (*Stored, error) {
	st, operation, err := s.repo.GetVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if operation == "delete" {
		return nil, fmt.Errorf("%w: %s/%s version %d is a delete", ErrGone, resourceType, id, versionID)
	}
	return st, nil
}

// Update replaces the current version, bumping version_id by 1. ifMatch,
// when non-empty, must carry the current version's ETag. Updating a deleted
// resource restores it.
func (s *Service) Update(ctx context.Context, resourceType, id string, res map[string]interface{}, ifMatch string) (*Stored, error) {
	if err := s.checkResource(resourceType, res); err != nil {
		return nil, err
	}
	if !fhir.IsValidID(id) {
		return nil, fmt.Errorf("%w: unusable id %q", ErrInvalid, id)
	}
	if bodyID := fhir.ResourceID(res); bodyID != "" && bodyID != id {
		return nil, fmt.Errorf("%w: body id %q does not match URL id %q", ErrInvalid, bodyID, id)
	}

	var expect *int
	if ifMatch != "" {
		v, ok := fhir.ParseETag(ifMatch)
		if !ok {
			return nil, fmt.Errorf("%w: malformed If-Match %q", ErrInvalid, ifMatch)
		}
		expect = &v
	}

	s.normalizer.Apply(res)
	st, err := s.repo.Update(ctx, resourceType, id, res, expect)
	if err != nil {
		return nil, err
	}
	s.notifyChange(ctx, notify.OpUpdate, st)
	return st, nil
}

// Delete soft-deletes the current version. Deleting a tombstone reports
// ErrGone, an unknown id ErrNotFound.
func (s *Service) Delete(ctx context.Context, resourceType, id string) (*Stored, error) {
	st, err := s.repo.Delete(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	s.notifyChange(ctx, notify.OpDelete, st)
	return st, nil
}

// SearchResult carries one page of matches plus the resources pulled in by
// _include and _revinclude, deduplicated against the matches and each other.
type SearchResult struct {
	Matches  []*Stored
	Includes []*Stored
	Total    int
	Count    int
	Offset   int
	Summary  string
	Elements []string
}

func (s *Service) Search(ctx context.Context, resourceType string, params url.Values) (*SearchResult, error) {
	preds, opts := s.parser.Parse(resourceType, params)
	q := s.compiler.Compile(resourceType, preds, opts)
	out := &SearchResult{Count: q.Limit(), Offset: q.Offset(), Summary: opts.Summary, Elements: opts.Elements}

	if opts.Summary == "count" {
		total, err := s.repo.SearchCount(ctx, q)
		if err != nil {
			return nil, err
		}
		out.Total = total
		return out, nil
	}

	matches, total, err := s.repo.SearchPage(ctx, q)
	if err != nil {
		return nil, err
	}
	out.Matches = matches
	out.Total = total

	if (len(opts.Includes) == 0 && len(opts.RevIncludes) == 0) || len(matches) == 0 {
		return out, nil
	}

	matchMaps := make([]map[string]interface{}, 0, len(matches))
	seen := make(map[search.ResourceKey]struct{}, len(matches))
	for _, m := range matches {
		seen[search.ResourceKey{Type: m.ResourceType, ID: m.FHIRID}] = struct{}{}
		res, err := m.Map()
		if err != nil {
			s.log.Warn().Err(err).Str("fhir_id", m.FHIRID).Msg("skipping undecodable match")
			continue
		}
		matchMaps = append(matchMaps, res)
	}

	var wanted []search.ResourceKey
	for _, inc := range opts.Includes {
		for _, key := range search.CollectIncludeRefs(inc, matchMaps) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			wanted = append(wanted, key)
		}
	}
	if len(wanted) > 0 {
		loaded, err := s.repo.GetMany(ctx, wanted)
		if err != nil {
			return nil, err
		}
		out.Includes = append(out.Includes, loaded...)
	}

	for _, rev := range opts.RevIncludes {
		pred, ok := search.RevIncludePredicate(rev, matchMaps)
		if !ok {
			continue
		}
		rq := s.compiler.Compile(rev.Source, []search.Predicate{pred}, search.Options{Count: search.MaxCount})
		refs, _, err := s.repo.SearchPage(ctx, rq)
		if err != nil {
			return nil, err
		}
		for _, st := range refs {
			key := search.ResourceKey{Type: st.ResourceType, ID: st.FHIRID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.Includes = append(out.Includes, st)
		}
	}
	return out, nil
}

// History lists version events newest first. Instance-level queries require
// the resource to exist, deleted or not.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]fhir.HistoryEvent, int, error) {
	if q.Count <= 0 {
		q.Count = search.DefaultCount
	}
	if q.Count > search.MaxCount {
		q.Count = search.MaxCount
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.FHIRID != "" {
		if _, err := s.repo.Get(ctx, q.ResourceType, q.FHIRID); err != nil && !errors.Is(err, ErrGone) {
			return nil, 0, err
		}
	}
	return s.repo.History(ctx, q)
}

func (s *Service) checkResource(resourceType string, res map[string]interface{}) error {
	if res == nil {
		return fmt.Errorf("%w: empty resource body", ErrInvalid)
	}
	if !fhir.IsKnownResourceType(resourceType) {
		return fmt.Errorf("%w: unsupported resource type %q", ErrInvalid, resourceType)
	}
	if rt := fhir.ResourceType(res); rt != resourceType {
		return fmt.Errorf("%w: body resourceType %q does not match %q", ErrInvalid, rt, resourceType)
	}
	return nil
}

func (s *Service) notifyChange(ctx context.Context, op string, st *Stored) {
	if s.notifier == nil || st == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Operation:    op,
		ResourceType: st.ResourceType,
		FHIRID:       st.FHIRID,
		VersionID:    st.VersionID,
		Timestamp:    st.LastUpdated,
		Resource:     st.Resource,
	})
}
