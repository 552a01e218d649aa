package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
)

// DifferenceKind classifies one divergence between the canonical
// relational tree and the aggregate document.
type DifferenceKind string

const (
	DifferenceAdded   DifferenceKind = "added"
	DifferenceRemoved DifferenceKind = "removed"
	DifferenceChanged DifferenceKind = "changed"
)

// Difference is one field where the aggregate diverges from the
// canonical tree. Path is a dotted location inside the value tree.
type Difference struct {
	Kind      DifferenceKind `json:"kind"`
	Path      string         `json:"path"`
	Canonical any            `json:"canonical,omitempty"`
	Aggregate any            `json:"aggregate,omitempty"`
}

// ValidationReport is the drift report of one submission.
type ValidationReport struct {
	SubmissionID int          `json:"submission_id"`
	Consistent   bool         `json:"consistent"`
	Differences  []Difference `json:"differences,omitempty"`
}

// AggregateValidator detects drift between the materialized aggregate
// and a fresh reconstruction from the relational tables. It only
// reports; repairing is SaveAggregate's job.
type AggregateValidator struct {
	db     DB
	loader *SubmissionLoader
}

// NewAggregateValidator creates an AggregateValidator.
func NewAggregateValidator(db DB, loader *SubmissionLoader) *AggregateValidator {
	return &AggregateValidator{db: db, loader: loader}
}

// Validate compares one submission's aggregate against the canonical
// relational reconstruction.
func (v *AggregateValidator) Validate(ctx context.Context, submissionID int) (*ValidationReport, error) {
	canonical, err := v.loader.Load(ctx, submissionID, LoadOptions{DBOnly: true})
	if err != nil {
		return nil, err
	}
	aggregate, err := v.loader.loadFromAggregate(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{SubmissionID: submissionID}
	if aggregate == nil {
		report.Differences = append(report.Differences, Difference{
			Kind:      DifferenceRemoved,
			Path:      "",
			Canonical: "submission",
		})
		return report, nil
	}

	report.Differences = append(report.Differences,
		diffValue("values", normalize(canonical.Values), normalize(aggregate.Values))...)
	report.Differences = append(report.Differences,
		diffValue("units", normalize(canonical.Units), normalize(aggregate.Units))...)
	report.Consistent = len(report.Differences) == 0
	if !report.Consistent {
		zap.S().Warnw("aggregate drift detected",
			"submission_id", submissionID, "differences", len(report.Differences))
	}
	return report, nil
}

// ValidateAll pages over every submission object and validates each
// aggregate. Returns the reports for the page plus the total submission
// count.
func (v *AggregateValidator) ValidateAll(ctx context.Context, offset, limit int) ([]ValidationReport, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := v.db.QueryRow(ctx, `SELECT COUNT(*) FROM wis_obj`).Scan(&total); err != nil {
		return nil, 0, disclose.NewQueryError("failed to count submissions", err)
	}
	rows, err := v.db.Query(ctx,
		`SELECT id FROM wis_obj ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, 0, disclose.NewQueryError("failed to page submissions", err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, 0, disclose.NewQueryError("failed to scan submission id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, disclose.NewQueryError("failed to read submission ids", err)
	}

	reports := make([]ValidationReport, 0, len(ids))
	for _, id := range ids {
		report, err := v.Validate(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, *report)
	}
	return reports, total, nil
}

// normalize round-trips a value tree through JSON so both sides of the
// comparison use the same scalar representations (float64 numbers,
// string keys).
func normalize(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

// diffValue recursively compares two JSON-normalized values and reports
// every divergence under its dotted path.
func diffValue(path string, canonical, aggregate any) []Difference {
	switch c := canonical.(type) {
	case map[string]any:
		a, ok := aggregate.(map[string]any)
		if !ok {
			return []Difference{{Kind: DifferenceChanged, Path: path, Canonical: canonical, Aggregate: aggregate}}
		}
		return diffMaps(path, c, a)
	case []any:
		a, ok := aggregate.([]any)
		if !ok {
			return []Difference{{Kind: DifferenceChanged, Path: path, Canonical: canonical, Aggregate: aggregate}}
		}
		var diffs []Difference
		for i := 0; i < len(c) || i < len(a); i++ {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i >= len(a):
				diffs = append(diffs, Difference{Kind: DifferenceRemoved, Path: itemPath, Canonical: c[i]})
			case i >= len(c):
				diffs = append(diffs, Difference{Kind: DifferenceAdded, Path: itemPath, Aggregate: a[i]})
			default:
				diffs = append(diffs, diffValue(itemPath, c[i], a[i])...)
			}
		}
		return diffs
	default:
		if scalarEqual(canonical, aggregate) {
			return nil
		}
		return []Difference{{Kind: DifferenceChanged, Path: path, Canonical: canonical, Aggregate: aggregate}}
	}
}

func diffMaps(path string, canonical, aggregate map[string]any) []Difference {
	keys := make(map[string]bool, len(canonical)+len(aggregate))
	for k := range canonical {
		keys[k] = true
	}
	for k := range aggregate {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var diffs []Difference
	for _, k := range sorted {
		keyPath := k
		if path != "" {
			keyPath = path + "." + k
		}
		cv, inCanonical := canonical[k]
		av, inAggregate := aggregate[k]
		switch {
		case !inAggregate:
			diffs = append(diffs, Difference{Kind: DifferenceRemoved, Path: keyPath, Canonical: cv})
		case !inCanonical:
			diffs = append(diffs, Difference{Kind: DifferenceAdded, Path: keyPath, Aggregate: av})
		default:
			diffs = append(diffs, diffValue(keyPath, cv, av)...)
		}
	}
	return diffs
}

func scalarEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	data1, err1 := json.Marshal(a)
	data2, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(data1) == string(data2)
}
