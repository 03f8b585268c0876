// internal/storage/store_test.go
package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("sqlite://"+filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v, want nil", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKV_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.GetKV("missing"); err != nil || ok {
		t.Fatalf("GetKV(missing) = ok %v, err %v; want absent, nil", ok, err)
	}

	if err := s.SetKV(KeySubscriptionStatus, "1"); err != nil {
		t.Fatalf("SetKV() error = %v, want nil", err)
	}
	got, ok, err := s.GetKV(KeySubscriptionStatus)
	if err != nil || !ok {
		t.Fatalf("GetKV() = ok %v, err %v; want present, nil", ok, err)
	}
	if got != "1" {
		t.Errorf("GetKV() = %q, want 1", got)
	}

	// Upsert replaces.
	if err := s.SetKV(KeySubscriptionStatus, "0"); err != nil {
		t.Fatalf("SetKV() upsert error = %v, want nil", err)
	}
	got, _, _ = s.GetKV(KeySubscriptionStatus)
	if got != "0" {
		t.Errorf("GetKV() after upsert = %q, want 0", got)
	}

	if err := s.DeleteKV(KeySubscriptionStatus); err != nil {
		t.Fatalf("DeleteKV() error = %v, want nil", err)
	}
	if _, ok, _ := s.GetKV(KeySubscriptionStatus); ok {
		t.Errorf("GetKV() after delete = present, want absent")
	}
}

func TestAssignments_ConfirmLifecycle(t *testing.T) {
	s := newTestStore(t)

	a := types.Assignment{ExperimentID: "exp-1", VariantID: "v1"}
	if err := s.PutAssignment(a); err != nil {
		t.Fatalf("PutAssignment() error = %v, want nil", err)
	}

	pending, err := s.PendingAssignments()
	if err != nil {
		t.Fatalf("PendingAssignments() error = %v, want nil", err)
	}
	if len(pending) != 1 {
		t.Fatalf("PendingAssignments() = %d rows, want 1", len(pending))
	}

	if err := s.ConfirmAssignment("exp-1", "v1"); err != nil {
		t.Fatalf("ConfirmAssignment() error = %v, want nil", err)
	}
	pending, _ = s.PendingAssignments()
	if len(pending) != 0 {
		t.Errorf("PendingAssignments() after confirm = %d rows, want 0", len(pending))
	}

	got, ok, err := s.GetAssignment("exp-1")
	if err != nil || !ok {
		t.Fatalf("GetAssignment() = ok %v, err %v; want present, nil", ok, err)
	}
	if !got.Confirmed {
		t.Errorf("Confirmed = false, want true")
	}
}

func TestEventHistory_LastOccurrence(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.LastOccurrence("app_install"); ok {
		t.Fatalf("LastOccurrence() = present, want absent before any event")
	}

	older := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{older, newer} {
		err := s.RecordEvent(types.PlacementEvent{
			ID:         types.NewEventID(),
			Name:       "app_install",
			OccurredAt: at,
		})
		if err != nil {
			t.Fatalf("RecordEvent(%d) error = %v, want nil", i, err)
		}
	}

	got, ok := s.LastOccurrence("app_install")
	if !ok {
		t.Fatalf("LastOccurrence() = absent, want present")
	}
	if !got.Equal(newer) {
		t.Errorf("LastOccurrence() = %v, want %v", got, newer)
	}
}

func TestEventHistory_Prune(t *testing.T) {
	s := newTestStore(t)

	old := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{old, recent} {
		err := s.RecordEvent(types.PlacementEvent{
			ID:         types.NewEventID(),
			Name:       "campaign_trigger",
			OccurredAt: at,
		})
		if err != nil {
			t.Fatalf("RecordEvent() error = %v, want nil", err)
		}
	}

	if err := s.PruneEvents(recent.Add(-time.Hour)); err != nil {
		t.Fatalf("PruneEvents() error = %v, want nil", err)
	}

	got, ok := s.LastOccurrence("campaign_trigger")
	if !ok {
		t.Fatalf("LastOccurrence() = absent, want recent row to survive prune")
	}
	if !got.Equal(recent) {
		t.Errorf("LastOccurrence() = %v, want %v", got, recent)
	}

	if err := s.PruneEvents(recent.Add(time.Hour)); err != nil {
		t.Fatalf("PruneEvents() error = %v, want nil", err)
	}
	if _, ok := s.LastOccurrence("campaign_trigger"); ok {
		t.Errorf("LastOccurrence() = present, want all rows pruned")
	}
}

func TestAssignments_All(t *testing.T) {
	s := newTestStore(t)

	for _, a := range []types.Assignment{
		{ExperimentID: "exp-b", VariantID: "v2", Confirmed: true},
		{ExperimentID: "exp-a", VariantID: "v1"},
	} {
		if err := s.PutAssignment(a); err != nil {
			t.Fatalf("PutAssignment(%s) error = %v, want nil", a.ExperimentID, err)
		}
	}

	all, err := s.AllAssignments()
	if err != nil {
		t.Fatalf("AllAssignments() error = %v, want nil", err)
	}
	if len(all) != 2 {
		t.Fatalf("AllAssignments() = %d rows, want 2", len(all))
	}
	if all[0].ExperimentID != "exp-a" || all[1].ExperimentID != "exp-b" {
		t.Errorf("order = %s, %s; want exp-a, exp-b", all[0].ExperimentID, all[1].ExperimentID)
	}
	if !all[1].Confirmed {
		t.Errorf("exp-b Confirmed = false, want true")
	}
}

func TestQueue_OrderAndPartialDelete(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Enqueue(id, QueueKindTriggerSession, []byte(`{}`)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v, want nil", id, err)
		}
	}

	rows, err := s.PendingQueue(10)
	if err != nil {
		t.Fatalf("PendingQueue() error = %v, want nil", err)
	}
	if len(rows) != 3 {
		t.Fatalf("PendingQueue() = %d rows, want 3", len(rows))
	}

	size, err := s.QueueSize()
	if err != nil {
		t.Fatalf("QueueSize() error = %v, want nil", err)
	}
	if size != 3 {
		t.Errorf("QueueSize() = %d, want 3", size)
	}

	// Partial ack: only b is accepted.
	if err := s.DeleteQueued([]string{"b"}); err != nil {
		t.Fatalf("DeleteQueued() error = %v, want nil", err)
	}
	rows, _ = s.PendingQueue(10)
	if len(rows) != 2 {
		t.Fatalf("PendingQueue() after partial delete = %d rows, want 2", len(rows))
	}
	if rows[0].ID != "a" || rows[1].ID != "c" {
		t.Errorf("remaining rows = %v, %v; want a, c", rows[0].ID, rows[1].ID)
	}
}

func TestSplitStatements_CommentsDoNotTruncate(t *testing.T) {
	sql := `-- header comment mentioning semicolons; they must not split here
-- second line
CREATE TABLE a (id TEXT PRIMARY KEY);

CREATE TABLE b (
	id TEXT PRIMARY KEY,
	-- inline full-line comment
	val TEXT NOT NULL
);
`
	got := splitStatements(sql)
	if len(got) != 2 {
		t.Fatalf("splitStatements() = %d statements, want 2: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "CREATE TABLE a") {
		t.Errorf("statements[0] = %q, want CREATE TABLE a prefix", got[0])
	}
	if !strings.HasPrefix(got[1], "CREATE TABLE b") {
		t.Errorf("statements[1] = %q, want CREATE TABLE b prefix", got[1])
	}
	if strings.Contains(got[1], "--") {
		t.Errorf("statements[1] still contains a comment: %q", got[1])
	}
}

func TestMigrations_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbURL := "sqlite://" + filepath.Join(dir, "test.db")

	first, err := NewStore(dbURL, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v, want nil", err)
	}
	if err := first.SetKV("k", "v"); err != nil {
		t.Fatalf("SetKV() error = %v, want nil", err)
	}
	first.Close()

	second, err := NewStore(dbURL, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore() reopen error = %v, want nil", err)
	}
	defer second.Close()

	got, ok, err := second.GetKV("k")
	if err != nil || !ok || got != "v" {
		t.Errorf("GetKV() after reopen = %q, ok %v, err %v; want v, true, nil", got, ok, err)
	}

	statuses, err := MigrateStatus(second.db)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v, want nil", err)
	}
	if len(statuses) == 0 {
		t.Fatal("MigrateStatus() = no migrations, want at least one")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied after reopen", s.ID)
		}
	}
}
