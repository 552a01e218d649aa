package e2e_harness

import (
	"context"
	"os"
	"testing"

	"github.com/netzero-data/disclose"
	"github.com/netzero-data/disclose/internal"
)

// TestSubmissionLifecycle drives the full path against a real Postgres:
// create, reconstruct, revise through a restatement, roll back, search,
// and validate the aggregate at every step.
func TestSubmissionLifecycle(t *testing.T) {
	if os.Getenv("DISCLOSE_E2E") != "1" {
		t.Skip("set DISCLOSE_E2E=1 to run the E2E harness")
	}
	ctx := context.Background()
	h := &TestHarness{}

	if _, err := h.StartPostgres(ctx); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer h.StopPostgres(ctx)

	if err := SeedSchema(ctx, h.PGDB); err != nil {
		t.Fatalf("seed schema: %v", err)
	}

	cache := internal.NewCoreCache(h.Pool)
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}

	manager := internal.NewSubmissionManager(h.Pool, cache, disclose.LoaderConfig{})
	revisions := internal.NewRevisionManager(h.Pool, cache, manager)

	// Create a submission with a nested exclusions list.
	values := map[string]any{
		"reporting_year":    2024,
		"total_emissions":   100.0,
		"disclosure_source": "CDP",
		"data_model":        "v1",
		"exclusions": []any{
			map[string]any{"category": 11, "pct": 10.0},
			map[string]any{"category": 12, "pct": 20.0, "reason": "immaterial"},
		},
	}
	obj, err := manager.Create(ctx, &disclose.SubmissionCreate{
		TableViewID: 7,
		NzID:        900,
		DataSource:  "CDP",
		Values:      values,
	}, 4, "")
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}
	if err := manager.SaveAggregate(ctx, obj.ID); err != nil {
		t.Fatalf("save aggregate: %v", err)
	}

	// Reconstruct from the relational tables and from the aggregate;
	// both must agree.
	loaded, err := manager.Loader().Load(ctx, obj.ID, internal.LoadOptions{DBOnly: true})
	if err != nil {
		t.Fatalf("load submission: %v", err)
	}
	if got := loaded.Values["total_emissions"]; got != 100.0 {
		t.Fatalf("total_emissions = %v, want 100", got)
	}
	report, err := internal.NewAggregateValidator(h.Pool, manager.Loader()).Validate(ctx, obj.ID)
	if err != nil {
		t.Fatalf("validate aggregate: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("aggregate drifted after create: %+v", report.Differences)
	}

	// Check out and revise one nested attribute.
	if _, err := revisions.CheckOut(ctx, obj.Name, 4, false); err != nil {
		t.Fatalf("check out: %v", err)
	}
	revised, err := revisions.Update(ctx, obj.Name, &disclose.RevisionUpdate{
		Restatements: []disclose.RestatementCreate{{
			Path:   "ghg_report.{::0}.exclusions.{category:12:0}.pct",
			Reason: "corrected exclusion share",
			Value:  25.0,
		}},
	}, 4)
	if err != nil {
		t.Fatalf("create revision: %v", err)
	}
	if revised.Revision != 2 {
		t.Fatalf("revision = %d, want 2", revised.Revision)
	}

	reloaded, err := manager.Loader().Load(ctx, revised.ID, internal.LoadOptions{DBOnly: true})
	if err != nil {
		t.Fatalf("load revision: %v", err)
	}
	path, err := disclose.ParseAttributePath("ghg_report.{::0}.exclusions.{category:12:0}.pct")
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	got, err := path.Value(map[string]any{"ghg_report": reloaded.Values})
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	if got != 25.0 {
		t.Fatalf("restated pct = %v, want 25", got)
	}

	// Search finds the active revision.
	page, err := internal.NewQueryTransformer(h.Pool, cache).Search(ctx, 7, &disclose.SearchQuery{
		Meta: disclose.SearchMeta{Jurisdiction: []string{"EU"}},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 1 || len(page.Results) != 1 {
		t.Fatalf("search returned %d results (total %d), want 1", len(page.Results), page.Total)
	}
	if page.Results[0].ObjID != revised.ID {
		t.Fatalf("search hit obj %d, want active revision %d", page.Results[0].ObjID, revised.ID)
	}

	// Roll the revision back; the original becomes active again.
	restored, err := revisions.Rollback(ctx, obj.Name)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored.ID != obj.ID {
		t.Fatalf("rollback restored obj %d, want %d", restored.ID, obj.ID)
	}
}
