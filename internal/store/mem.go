package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/search"
)

// MemRepo is the in-memory Repository used by tests and ephemeral tooling.
// Writes follow the same versioning rules as the Postgres implementation,
// and InTx snapshots state so a failed callback rolls everything back.
//
// Compiled search SQL cannot be evaluated here: SearchPage returns every
// live resource of the queried type, predicates ignored, newest first.
// MemRepo is not safe for concurrent writers.
type MemRepo struct {
	res   map[string]*Stored
	gone  map[string]bool
	hist  []fhir.HistoryEvent
	inTx  bool
	clock func() time.Time
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		res:   make(map[string]*Stored),
		gone:  make(map[string]bool),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

type memSnapshot struct {
	res     map[string]*Stored
	gone    map[string]bool
	histLen int
}

func (m *MemRepo) snapshot() memSnapshot {
	res := make(map[string]*Stored, len(m.res))
	for k, v := range m.res {
		res[k] = v
	}
	gone := make(map[string]bool, len(m.gone))
	for k, v := range m.gone {
		gone[k] = v
	}
	return memSnapshot{res: res, gone: gone, histLen: len(m.hist)}
}

func (m *MemRepo) restore(s memSnapshot) {
	m.res = s.res
	m.gone = s.gone
	m.hist = m.hist[:s.histLen]
}

func (m *MemRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx {
		return fn(ctx)
	}
	snap := m.snapshot()
	m.inTx = true
	err := fn(ctx)
	m.inTx = false
	if err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func memKey(resourceType, id string) string { return resourceType + "/" + id }

func (m *MemRepo) Insert(ctx context.Context, resourceType, id string, res map[string]interface{}) (*Stored, error) {
	var st *Stored
	err := m.InTx(ctx, func(context.Context) error {
		k := memKey(resourceType, id)
		if _, exists := m.res[k]; exists {
			return fmt.Errorf("%w: %s", ErrConflict, k)
		}
		now := m.clock()
		fhir.StampMeta(res, id, 1, now)
		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}
		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: 1, LastUpdated: now, Resource: blob}
		m.res[k] = st
		m.appendEvent(st, "create", blob)
		return nil
	})
	return st, err
}

func (m *MemRepo) Update(ctx context.Context, resourceType, id string, res map[string]interface{}, expect *int) (*Stored, error) {
	var st *Stored
	err := m.InTx(ctx, func(context.Context) error {
		k := memKey(resourceType, id)
		cur, exists := m.res[k]
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		if expect != nil && *expect != cur.VersionID {
			return fmt.Errorf("%w: expected version %d, current is %d", ErrPreconditionFailed, *expect, cur.VersionID)
		}
		now := m.clock()
		next := cur.VersionID + 1
		fhir.StampMeta(res, id, next, now)
		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}
		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: next, LastUpdated: now, Resource: blob}
		m.res[k] = st
		m.gone[k] = false
		m.appendEvent(st, "update", blob)
		return nil
	})
	return st, err
}

func (m *MemRepo) Delete(ctx context.Context, resourceType, id string) (*Stored, error) {
	var st *Stored
	err := m.InTx(ctx, func(context.Context) error {
		k := memKey(resourceType, id)
		cur, exists := m.res[k]
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		if m.gone[k] {
			return fmt.Errorf("%w: %s", ErrGone, k)
		}
		now := m.clock()
		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: cur.VersionID + 1, LastUpdated: now}
		m.res[k] = st
		m.gone[k] = true
		m.appendEvent(st, "delete", nil)
		return nil
	})
	return st, err
}

func (m *MemRepo) appendEvent(st *Stored, operation string, blob []byte) {
	m.hist = append(m.hist, fhir.HistoryEvent{
		ResourceType: st.ResourceType,
		FHIRID:       st.FHIRID,
		VersionID:    st.VersionID,
		Operation:    operation,
		Time:         st.LastUpdated,
		Resource:     blob,
	})
}

func (m *MemRepo) Get(_ context.Context, resourceType, id string) (*Stored, error) {
	k := memKey(resourceType, id)
	st, exists := m.res[k]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if m.gone[k] {
		return nil, fmt.Errorf("%w: %s", ErrGone, k)
	}
	return st, nil
}

func (m *MemRepo) GetVersion(_ context.Context, resourceType, id string, versionID int) (*Stored, string, error) {
	for i := len(m.hist) - 1; i >= 0; i-- {
		ev := m.hist[i]
		if ev.ResourceType == resourceType && ev.FHIRID == id && ev.VersionID == versionID {
			st := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: versionID, LastUpdated: ev.Time, Resource: ev.Resource}
			return st, ev.Operation, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s/%s version %d", ErrNotFound, resourceType, id, versionID)
}

func (m *MemRepo) GetMany(_ context.Context, keys []search.ResourceKey) ([]*Stored, error) {
	var out []*Stored
	for _, key := range keys {
		k := memKey(key.Type, key.ID)
		if st, exists := m.res[k]; exists && !m.gone[k] {
			out = append(out, st)
		}
	}
	return out, nil
}

// SearchPage approximates a search: the resource type is recovered from the
// query's first bind and every live resource of that type matches.
func (m *MemRepo) SearchPage(_ context.Context, q *search.Query) ([]*Stored, int, error) {
	all := m.liveOfType(q)
	total := len(all)
	offset := q.Offset()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + q.Limit()
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *MemRepo) SearchCount(_ context.Context, q *search.Query) (int, error) {
	return len(m.liveOfType(q)), nil
}

func (m *MemRepo) liveOfType(q *search.Query) []*Stored {
	args := q.CountArgs()
	if len(args) == 0 {
		return nil
	}
	rt, _ := args[0].(string)
	var out []*Stored
	for k, st := range m.res {
		if st.ResourceType == rt && !m.gone[k] {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].FHIRID < out[j].FHIRID
	})
	return out
}

func (m *MemRepo) History(_ context.Context, q HistoryQuery) ([]fhir.HistoryEvent, int, error) {
	var filtered []fhir.HistoryEvent
	for i := len(m.hist) - 1; i >= 0; i-- {
		ev := m.hist[i]
		if q.ResourceType != "" && ev.ResourceType != q.ResourceType {
			continue
		}
		if q.FHIRID != "" && ev.FHIRID != q.FHIRID {
			continue
		}
		if !q.Since.IsZero() && ev.Time.Before(q.Since) {
			continue
		}
		if !q.At.IsZero() && ev.Time.After(q.At) {
			continue
		}
		filtered = append(filtered, ev)
	}
	total := len(filtered)
	offset := q.Offset
	if offset > total {
		offset = total
	}
	end := offset + q.Count
	if q.Count <= 0 || end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}
