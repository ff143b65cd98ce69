package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/notify"
	"github.com/fhird/fhird/internal/search"
)

// fakeRepo is the in-memory Repository used to exercise the service without
// a database. Search results are served from queued pages.
type fakeRepo struct {
	resources map[string]*Stored
	gone      map[string]bool
	events    []fhir.HistoryEvent
	histTotal int
	lastHist  HistoryQuery

	pages     [][]*Stored
	totals    []int
	searchErr error
	queries   []*search.Query
	pageCalls int
	countCall int
	manyKeys  [][]search.ResourceKey

	inserts int
	updates map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		resources: map[string]*Stored{},
		gone:      map[string]bool{},
		updates:   map[string]int{},
	}
}

func storedKey(resourceType, id string) string { return resourceType + "/" + id }

func (f *fakeRepo) Insert(_ context.Context, resourceType, id string, res map[string]interface{}) (*Stored, error) {
	now := time.Now().UTC()
	fhir.StampMeta(res, id, 1, now)
	blob, _ := json.Marshal(res)
	st := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: 1, LastUpdated: now, Resource: blob}
	f.resources[storedKey(resourceType, id)] = st
	f.inserts++
	return st, nil
}

func (f *fakeRepo) Update(_ context.Context, resourceType, id string, res map[string]interface{}, expect *int) (*Stored, error) {
	k := storedKey(resourceType, id)
	st, ok := f.resources[k]
	if !ok {
		return nil, ErrNotFound
	}
	if expect != nil && *expect != st.VersionID {
		return nil, ErrPreconditionFailed
	}
	now := time.Now().UTC()
	next := st.VersionID + 1
	fhir.StampMeta(res, id, next, now)
	blob, _ := json.Marshal(res)
	nst := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: next, LastUpdated: now, Resource: blob}
	f.resources[k] = nst
	f.gone[k] = false
	f.updates[k]++
	return nst, nil
}

func (f *fakeRepo) Delete(_ context.Context, resourceType, id string) (*Stored, error) {
	k := storedKey(resourceType, id)
	st, ok := f.resources[k]
	if !ok {
		return nil, ErrNotFound
	}
	if f.gone[k] {
		return nil, ErrGone
	}
	now := time.Now().UTC()
	nst := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: st.VersionID + 1, LastUpdated: now}
	f.resources[k] = nst
	f.gone[k] = true
	return nst, nil
}

func (f *fakeRepo) Get(_ context.Context, resourceType, id string) (*Stored, error) {
	k := storedKey(resourceType, id)
	st, ok := f.resources[k]
	if !ok {
		return nil, ErrNotFound
	}
	if f.gone[k] {
		return nil, ErrGone
	}
	return st, nil
}

func (f *fakeRepo) GetVersion(_ context.Context, resourceType, id string, versionID int) (*Stored, string, error) {
	for _, ev := range f.events {
		if ev.ResourceType == resourceType && ev.FHIRID == id && ev.VersionID == versionID {
			st := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: versionID, LastUpdated: ev.Time, Resource: ev.Resource}
			return st, ev.Operation, nil
		}
	}
	return nil, "", ErrNotFound
}

func (f *fakeRepo) GetMany(_ context.Context, keys []search.ResourceKey) ([]*Stored, error) {
	f.manyKeys = append(f.manyKeys, keys)
	var out []*Stored
	for _, k := range keys {
		if st, ok := f.resources[storedKey(k.Type, k.ID)]; ok && !f.gone[storedKey(k.Type, k.ID)] {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeRepo) SearchPage(_ context.Context, q *search.Query) ([]*Stored, int, error) {
	f.pageCalls++
	f.queries = append(f.queries, q)
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	if len(f.pages) == 0 {
		return nil, 0, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	total := len(page)
	if len(f.totals) > 0 {
		total = f.totals[0]
		f.totals = f.totals[1:]
	}
	return page, total, nil
}

func (f *fakeRepo) SearchCount(_ context.Context, _ *search.Query) (int, error) {
	f.countCall++
	if len(f.totals) == 0 {
		return 0, nil
	}
	total := f.totals[0]
	f.totals = f.totals[1:]
	return total, nil
}

func (f *fakeRepo) History(_ context.Context, q HistoryQuery) ([]fhir.HistoryEvent, int, error) {
	f.lastHist = q
	return f.events, f.histTotal, nil
}

func (f *fakeRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, ev notify.Event) {
	f.events = append(f.events, ev)
}

func newTestService(repo Repository) (*Service, *fakeNotifier) {
	n := &fakeNotifier{}
	return NewService(repo, n, zerolog.Nop()), n
}

func storedFrom(t *testing.T, res map[string]interface{}) *Stored {
	t.Helper()
	blob, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &Stored{
		ResourceType: res["resourceType"].(string),
		FHIRID:       res["id"].(string),
		VersionID:    1,
		LastUpdated:  time.Now().UTC(),
		Resource:     blob,
	}
}

func TestServiceCreateGeneratesID(t *testing.T) {
	repo := newFakeRepo()
	svc, n := newTestService(repo)

	st, err := svc.Create(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
	}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.VersionID != 1 {
		t.Errorf("VersionID = %d, want 1", st.VersionID)
	}
	if !fhir.IsValidID(st.FHIRID) {
		t.Errorf("generated id %q is not a valid FHIR id", st.FHIRID)
	}
	if repo.inserts != 1 {
		t.Errorf("inserts = %d, want 1", repo.inserts)
	}

	var res map[string]interface{}
	if err := json.Unmarshal(st.Resource, &res); err != nil {
		t.Fatalf("unmarshal stored: %v", err)
	}
	meta, _ := res["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("meta.versionId = %v, want \"1\"", meta["versionId"])
	}

	if len(n.events) != 1 || n.events[0].Operation != notify.OpCreate {
		t.Fatalf("notifier events = %+v, want one create", n.events)
	}
	if n.events[0].ResourceType != "Patient" || n.events[0].FHIRID != st.FHIRID {
		t.Errorf("event identity = %s/%s, want Patient/%s", n.events[0].ResourceType, n.events[0].FHIRID, st.FHIRID)
	}
}

func TestServiceCreateKeepsClientID(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	st, err := svc.Create(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
		"id":           "client-1",
	}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.FHIRID != "client-1" {
		t.Errorf("FHIRID = %q, want client-1", st.FHIRID)
	}
}

func TestServiceCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		res          map[string]interface{}
	}{
		{"nil body", "Patient", nil},
		{"type mismatch", "Patient", map[string]interface{}{"resourceType": "Practitioner"}},
		{"missing resourceType", "Patient", map[string]interface{}{"name": "x"}},
		{"unknown type", "Garbage", map[string]interface{}{"resourceType": "Garbage"}},
		{"bad id", "Patient", map[string]interface{}{"resourceType": "Patient", "id": "no spaces!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(newFakeRepo())
			_, err := svc.Create(context.Background(), tt.resourceType, tt.res, "")
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestServiceCreateConditionalExisting(t *testing.T) {
	repo := newFakeRepo()
	existing := storedFrom(t, map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	repo.pages = [][]*Stored{{existing}}
	repo.totals = []int{1}
	svc, n := newTestService(repo)

	_, err := svc.Create(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
	}, "identifier=http://hospital.example|mrn-1")

	var ae *AlreadyExists
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AlreadyExists", err)
	}
	if ae.Existing != existing {
		t.Errorf("Existing = %+v, want the matched resource", ae.Existing)
	}
	if repo.inserts != 0 {
		t.Errorf("inserts = %d, want 0", repo.inserts)
	}
	if len(n.events) != 0 {
		t.Errorf("notifier fired %d events on a no-op create", len(n.events))
	}
}

func TestServiceCreateConditionalMultiple(t *testing.T) {
	repo := newFakeRepo()
	repo.pages = [][]*Stored{{
		storedFrom(t, map[string]interface{}{"resourceType": "Patient", "id": "p1"}),
		storedFrom(t, map[string]interface{}{"resourceType": "Patient", "id": "p2"}),
	}}
	repo.totals = []int{2}
	svc, _ := newTestService(repo)

	_, err := svc.Create(context.Background(), "Patient", map[string]interface{}{
		"resourceType": "Patient",
	}, "identifier=mrn-1")
	if !errors.Is(err, ErrMultipleMatches) {
		t.Errorf("err = %v, want ErrMultipleMatches", err)
	}
}

func TestServiceCreateConditionalBadCriteria(t *testing.T) {
	tests := []struct {
		name        string
		ifNoneExist string
	}{
		{"malformed query", "%zz"},
		{"no usable criteria", "nope=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(newFakeRepo())
			_, err := svc.Create(context.Background(), "Patient", map[string]interface{}{
				"resourceType": "Patient",
			}, tt.ifNoneExist)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestServiceUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc, n := newTestService(repo)
	if _, err := repo.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient", "id": "p1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := svc.Update(ctx, "Patient", "p1", map[string]interface{}{
		"resourceType": "Patient", "id": "p1", "active": true,
	}, fhir.ETag(1))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.VersionID != 2 {
		t.Errorf("VersionID = %d, want 2", st.VersionID)
	}
	if len(n.events) != 1 || n.events[0].Operation != notify.OpUpdate {
		t.Fatalf("notifier events = %+v, want one update", n.events)
	}

	_, err = svc.Update(ctx, "Patient", "p1", map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
	}, fhir.ETag(1))
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("stale If-Match err = %v, want ErrPreconditionFailed", err)
	}

	_, err = svc.Update(ctx, "Patient", "p1", map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
	}, "not-an-etag")
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("malformed If-Match err = %v, want ErrInvalid", err)
	}

	_, err = svc.Update(ctx, "Patient", "missing", map[string]interface{}{
		"resourceType": "Patient",
	}, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}

	_, err = svc.Update(ctx, "Patient", "p1", map[string]interface{}{
		"resourceType": "Patient", "id": "other",
	}, "")
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("body id mismatch err = %v, want ErrInvalid", err)
	}
}

func TestServiceDelete(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc, n := newTestService(repo)
	if _, err := repo.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient", "id": "p1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := svc.Delete(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if st.VersionID != 2 || st.Resource != nil {
		t.Errorf("tombstone = v%d resource %v, want v2 with no body", st.VersionID, st.Resource)
	}
	if len(n.events) != 1 || n.events[0].Operation != notify.OpDelete {
		t.Fatalf("notifier events = %+v, want one delete", n.events)
	}
	if len(n.events[0].Resource) != 0 {
		t.Errorf("delete event carries a body")
	}

	if _, err := svc.Delete(ctx, "Patient", "p1"); !errors.Is(err, ErrGone) {
		t.Errorf("second delete err = %v, want ErrGone", err)
	}
	if _, err := svc.Delete(ctx, "Patient", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown delete err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Read(ctx, "Patient", "p1"); !errors.Is(err, ErrGone) {
		t.Errorf("read after delete err = %v, want ErrGone", err)
	}
}

func TestServiceReadVersion(t *testing.T) {
	repo := newFakeRepo()
	blob := []byte(`{"resourceType":"Patient","id":"p1"}`)
	repo.events = []fhir.HistoryEvent{
		{ResourceType: "Patient", FHIRID: "p1", VersionID: 2, Operation: "delete", Time: time.Now()},
		{ResourceType: "Patient", FHIRID: "p1", VersionID: 1, Operation: "create", Time: time.Now(), Resource: blob},
	}
	svc, _ := newTestService(repo)
	ctx := context.Background()

	st, err := svc.ReadVersion(ctx, "Patient", "p1", 1)
	if err != nil {
		t.Fatalf("ReadVersion(1): %v", err)
	}
	if st.VersionID != 1 || string(st.Resource) != string(blob) {
		t.Errorf("version 1 = %+v", st)
	}

	if _, err := svc.ReadVersion(ctx, "Patient", "p1", 2); !errors.Is(err, ErrGone) {
		t.Errorf("delete version err = %v, want ErrGone", err)
	}
	if _, err := svc.ReadVersion(ctx, "Patient", "p1", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown version err = %v, want ErrNotFound", err)
	}
}

func TestServiceSearchSummaryCount(t *testing.T) {
	repo := newFakeRepo()
	repo.totals = []int{7}
	svc, _ := newTestService(repo)

	res, err := svc.Search(context.Background(), "Patient", url.Values{"_summary": {"count"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 7 {
		t.Errorf("Total = %d, want 7", res.Total)
	}
	if res.Matches != nil {
		t.Errorf("Matches = %v, want none for _summary=count", res.Matches)
	}
	if repo.countCall != 1 || repo.pageCalls != 0 {
		t.Errorf("calls = %d count / %d page, want 1/0", repo.countCall, repo.pageCalls)
	}
}

func TestServiceSearchInclude(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	obs := storedFrom(t, map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	pat := storedFrom(t, map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	repo.resources["Patient/p1"] = pat
	repo.pages = [][]*Stored{{obs}}
	repo.totals = []int{1}
	svc, _ := newTestService(repo)

	res, err := svc.Search(ctx, "Observation", url.Values{"_include": {"Observation:subject"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0] != obs {
		t.Fatalf("Matches = %+v", res.Matches)
	}
	if len(res.Includes) != 1 || res.Includes[0] != pat {
		t.Fatalf("Includes = %+v, want the referenced patient", res.Includes)
	}
	if len(repo.manyKeys) != 1 || len(repo.manyKeys[0]) != 1 || repo.manyKeys[0][0] != (search.ResourceKey{Type: "Patient", ID: "p1"}) {
		t.Errorf("GetMany keys = %+v", repo.manyKeys)
	}
}

func TestServiceSearchRevInclude(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	pat := storedFrom(t, map[string]interface{}{"resourceType": "Patient", "id": "p1"})
	obs := storedFrom(t, map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	repo.pages = [][]*Stored{{pat}, {obs, pat}}
	repo.totals = []int{1, 2}
	svc, _ := newTestService(repo)

	res, err := svc.Search(ctx, "Patient", url.Values{"_revinclude": {"Observation:subject"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("Matches = %+v", res.Matches)
	}
	if len(res.Includes) != 1 || res.Includes[0] != obs {
		t.Fatalf("Includes = %+v, want only the observation (match deduped)", res.Includes)
	}
	if len(repo.queries) != 2 {
		t.Fatalf("expected a second compiled query for the revinclude, got %d", len(repo.queries))
	}
	if args := repo.queries[1].CountArgs(); args[0] != "Observation" {
		t.Errorf("revinclude query type = %v, want Observation", args[0])
	}
}

func TestServiceHistory(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.events = []fhir.HistoryEvent{
		{ResourceType: "Patient", FHIRID: "p1", VersionID: 2, Operation: "update", Time: time.Now()},
		{ResourceType: "Patient", FHIRID: "p1", VersionID: 1, Operation: "create", Time: time.Now()},
	}
	repo.histTotal = 2
	svc, _ := newTestService(repo)

	events, total, err := svc.History(ctx, HistoryQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 2 || len(events) != 2 {
		t.Errorf("total = %d, events = %d, want 2/2", total, len(events))
	}
	if repo.lastHist.Count != search.DefaultCount {
		t.Errorf("default Count = %d, want %d", repo.lastHist.Count, search.DefaultCount)
	}

	if _, _, err := svc.History(ctx, HistoryQuery{Count: 5000}); err != nil {
		t.Fatalf("History: %v", err)
	}
	if repo.lastHist.Count != search.MaxCount {
		t.Errorf("capped Count = %d, want %d", repo.lastHist.Count, search.MaxCount)
	}

	_, _, err = svc.History(ctx, HistoryQuery{ResourceType: "Patient", FHIRID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("instance history of unknown id err = %v, want ErrNotFound", err)
	}

	if _, err := repo.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient", "id": "p1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := repo.Delete(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("seed delete: %v", err)
	}
	if _, _, err := svc.History(ctx, HistoryQuery{ResourceType: "Patient", FHIRID: "p1"}); err != nil {
		t.Errorf("history of deleted resource err = %v, want nil", err)
	}
}

func TestServiceCreateObservationAutolink(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	sr := storedFrom(t, map[string]interface{}{
		"resourceType": "ServiceRequest",
		"id":           "sr1",
		"status":       "active",
		"intent":       "order",
		"category": []interface{}{
			map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "laboratory"}}},
		},
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"}},
		},
		"subject":    map[string]interface{}{"reference": "Patient/p1"},
		"authoredOn": "2024-03-10T08:00:00Z",
	})
	repo.resources["ServiceRequest/sr1"] = sr
	repo.pages = [][]*Stored{{sr}}
	repo.totals = []int{1}
	svc, n := newTestService(repo)

	st, err := svc.Create(ctx, "Observation", map[string]interface{}{
		"resourceType":      "Observation",
		"status":            "final",
		"code":              map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"}}},
		"subject":           map[string]interface{}{"reference": "Patient/p1"},
		"effectiveDateTime": "2024-03-12T08:00:00Z",
	}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var obs map[string]interface{}
	if err := json.Unmarshal(st.Resource, &obs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	basedOn, _ := obs["basedOn"].([]interface{})
	if len(basedOn) != 1 {
		t.Fatalf("basedOn = %v, want one entry", obs["basedOn"])
	}
	entry, _ := basedOn[0].(map[string]interface{})
	if entry["reference"] != "ServiceRequest/sr1" {
		t.Errorf("basedOn reference = %v, want ServiceRequest/sr1", entry["reference"])
	}

	updated, err := repo.resources["ServiceRequest/sr1"].Map()
	if err != nil {
		t.Fatalf("decode updated order: %v", err)
	}
	if updated["status"] != "completed" {
		t.Errorf("order status = %v, want completed", updated["status"])
	}

	var ops []string
	for _, ev := range n.events {
		ops = append(ops, ev.Operation+" "+ev.ResourceType)
	}
	want := []string{"update ServiceRequest", "create Observation"}
	if len(ops) != 2 || ops[0] != want[0] || ops[1] != want[1] {
		t.Errorf("notifier events = %v, want %v", ops, want)
	}
}

func TestServiceCreateAutolinkFailureDoesNotFailCreate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.searchErr = errors.New("index offline")
	svc, _ := newTestService(repo)

	st, err := svc.Create(ctx, "Observation", map[string]interface{}{
		"resourceType":      "Observation",
		"status":            "final",
		"code":              map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"}}},
		"subject":           map[string]interface{}{"reference": "Patient/p1"},
		"effectiveDateTime": "2024-03-12T08:00:00Z",
	}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var obs map[string]interface{}
	if err := json.Unmarshal(st.Resource, &obs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := obs["basedOn"]; ok {
		t.Errorf("observation linked despite candidate search failure")
	}
}
