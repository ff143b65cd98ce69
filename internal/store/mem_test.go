package store

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/search"
)

func TestMemRepoVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemRepo()

	st, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if st.VersionID != 1 {
		t.Fatalf("insert version = %d, want 1", st.VersionID)
	}

	st, err = m.Update(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient", "active": true}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.VersionID != 2 {
		t.Fatalf("update version = %d, want 2", st.VersionID)
	}

	stale := 1
	if _, err := m.Update(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}, &stale); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("stale update err = %v, want ErrPreconditionFailed", err)
	}

	st, err = m.Delete(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.VersionID != 3 || st.Resource != nil {
		t.Fatalf("delete returned version %d resource %q", st.VersionID, st.Resource)
	}
	if _, err := m.Get(ctx, "Patient", "p1"); !errors.Is(err, ErrGone) {
		t.Fatalf("get after delete err = %v, want ErrGone", err)
	}

	events, total, err := m.History(ctx, HistoryQuery{ResourceType: "Patient", FHIRID: "p1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 || len(events) != 3 {
		t.Fatalf("history total=%d len=%d, want 3/3", total, len(events))
	}
	if events[0].Operation != "delete" || events[2].Operation != "create" {
		t.Fatalf("history order = %s..%s, want delete..create", events[0].Operation, events[2].Operation)
	}

	if _, op, err := m.GetVersion(ctx, "Patient", "p1", 1); err != nil || op != "create" {
		t.Fatalf("GetVersion(1) = op %q err %v", op, err)
	}
	if _, _, err := m.GetVersion(ctx, "Patient", "p1", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVersion(9) err = %v, want ErrNotFound", err)
	}
}

func TestMemRepoInsertConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemRepo()

	if _, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
	}

	// The identity stays claimed after a delete; only an update can revive it.
	if _, err := m.Delete(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("insert over tombstone err = %v, want ErrConflict", err)
	}
	st, err := m.Update(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}, nil)
	if err != nil {
		t.Fatalf("restore update: %v", err)
	}
	if st.VersionID != 3 {
		t.Fatalf("restore version = %d, want 3", st.VersionID)
	}
	if _, err := m.Get(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("get after restore: %v", err)
	}
}

func TestMemRepoTxRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemRepo()

	boom := errors.New("boom")
	err := m.InTx(ctx, func(ctx context.Context) error {
		if _, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return m.InTx(ctx, func(ctx context.Context) error {
			if _, err := m.Insert(ctx, "Patient", "p2", map[string]interface{}{"resourceType": "Patient"}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if _, err := m.Get(ctx, "Patient", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("p1 after rollback err = %v, want ErrNotFound", err)
	}
	if _, err := m.Get(ctx, "Patient", "p2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("p2 after rollback err = %v, want ErrNotFound", err)
	}
	if _, total, _ := m.History(ctx, HistoryQuery{}); total != 0 {
		t.Fatalf("history after rollback total = %d, want 0", total)
	}

	// A later transaction starts clean.
	if _, err := m.Insert(ctx, "Patient", "p1", map[string]interface{}{"resourceType": "Patient"}); err != nil {
		t.Fatalf("insert after rollback: %v", err)
	}
}

func TestMemRepoSearchByType(t *testing.T) {
	ctx := context.Background()
	m := NewMemRepo()
	compiler := search.NewCompiler(zerolog.Nop())

	for _, id := range []string{"p1", "p2"} {
		if _, err := m.Insert(ctx, "Patient", id, map[string]interface{}{"resourceType": "Patient"}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := m.Insert(ctx, "Observation", "o1", map[string]interface{}{"resourceType": "Observation"}); err != nil {
		t.Fatalf("insert o1: %v", err)
	}
	if _, err := m.Delete(ctx, "Patient", "p2"); err != nil {
		t.Fatalf("delete p2: %v", err)
	}

	q := compiler.Compile("Patient", nil, search.Options{Count: -1})
	page, total, err := m.SearchPage(ctx, q)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || len(page) != 1 || page[0].FHIRID != "p1" {
		t.Fatalf("search = total %d page %v, want only p1", total, page)
	}

	n, err := m.SearchCount(ctx, q)
	if err != nil || n != 1 {
		t.Fatalf("count = %d err %v, want 1", n, err)
	}
}
