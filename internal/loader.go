package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netzero-data/disclose"
)

// FormBatchLoader fetches the flat rows of every table behind a
// submission's form tree. One query is built per physical table, the
// queries are split into batches, and each batch runs concurrently on
// its own pooled connection. The first failing batch fails the load.
type FormBatchLoader struct {
	db           DB
	cache        *CoreCache
	batchSize    int
	batchTimeout time.Duration
}

// NewFormBatchLoader creates a FormBatchLoader.
func NewFormBatchLoader(db DB, cache *CoreCache, cfg disclose.LoaderConfig) *FormBatchLoader {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = disclose.DefaultConfig().Loader.BatchSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = disclose.DefaultConfig().Loader.BatchTimeout
	}
	return &FormBatchLoader{db: db, cache: cache, batchSize: batchSize, batchTimeout: batchTimeout}
}

// PrimaryTableDef resolves the root table definition of a submission via
// its table view.
func (l *FormBatchLoader) PrimaryTableDef(ctx context.Context, submissionID int) (*disclose.TableDef, error) {
	var tableDefID int
	err := l.db.QueryRow(ctx,
		`SELECT tv.table_def_id FROM wis_table_view tv
		 JOIN wis_obj o ON tv.id = o.table_view_id
		 WHERE o.id = $1`, submissionID).Scan(&tableDefID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, disclose.NewSubmissionNotFoundError(submissionID)
		}
		return nil, disclose.NewQueryError("failed to resolve primary table definition", err)
	}
	td, ok := l.cache.TableDefByID(tableDefID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSchemaNotFound,
			fmt.Sprintf("table definition %d not present in schema cache", tableDefID))
	}
	return td, nil
}

// subFormTableDefs walks the form tree and collects every nested table
// definition, depth first, in declared column order.
func (l *FormBatchLoader) subFormTableDefs(td *disclose.TableDef, visited map[int]bool) []*disclose.TableDef {
	var subs []*disclose.TableDef
	for i := range td.Columns {
		col := &td.Columns[i]
		if !col.AttributeType.RecursesIntoForm() {
			continue
		}
		sub, ok := l.cache.TableDefByID(col.AttributeTypeID)
		if !ok {
			zap.S().Warnw("sub-form column references unknown table def",
				"column", col.Name, "attribute_type_id", col.AttributeTypeID)
			continue
		}
		if visited[sub.ID] {
			continue
		}
		visited[sub.ID] = true
		subs = append(subs, sub)
		subs = append(subs, l.subFormTableDefs(sub, visited)...)
	}
	return subs
}

// tableQuery is one per-table SELECT with its scan plan: scanColumns
// lists the field name each scanned value lands under, and composite
// marks the (value, state) column pairs that need null-state merging.
type tableQuery struct {
	table     string
	sql       string
	fields    []string
	composite []bool
}

// buildQuery renders the SELECT for one form table. Composite columns
// are expanded into their value and state halves; heritable tables come
// back ordered newest occurrence first.
func buildQuery(td *disclose.TableDef) tableQuery {
	physical := td.PhysicalName()
	selects := []string{"id", "obj_id"}
	fields := []string{"id", "obj_id"}
	composite := []bool{false, false}
	if td.Heritable {
		selects = append(selects, "value_id")
		fields = append(fields, "value_id")
		composite = append(composite, false)
	}
	for i := range td.Columns {
		col := &td.Columns[i]
		if col.AttributeType.CompositeType() != "" {
			selects = append(selects,
				fmt.Sprintf("(%s).value", col.Name),
				fmt.Sprintf("(%s).state", col.Name))
			fields = append(fields, col.Name, col.Name)
			composite = append(composite, true, true)
			continue
		}
		selects = append(selects, col.Name)
		fields = append(fields, col.Name)
		composite = append(composite, false)
	}
	order := "id"
	if td.Heritable {
		order = "value_id DESC, id"
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE obj_id = $1 ORDER BY %s",
		strings.Join(selects, ", "), physical, order)
	return tableQuery{table: physical, sql: sql, fields: fields, composite: composite}
}

// FetchFormRows loads every table of the submission's form tree and
// returns the raw rows keyed by physical table name.
func (l *FormBatchLoader) FetchFormRows(ctx context.Context, submissionID int, primary *disclose.TableDef) (FormStorage, error) {
	defs := append([]*disclose.TableDef{primary},
		l.subFormTableDefs(primary, map[int]bool{primary.ID: true})...)

	queries := make([]tableQuery, 0, len(defs))
	for _, td := range defs {
		queries = append(queries, buildQuery(td))
	}

	storage := make(FormStorage, len(queries))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(queries); start += l.batchSize {
		end := start + l.batchSize
		if end > len(queries) {
			end = len(queries)
		}
		batch := queries[start:end]
		group.Go(func() error {
			batchCtx, cancel := context.WithTimeout(groupCtx, l.batchTimeout)
			defer cancel()
			for _, q := range batch {
				rows, err := l.fetchTable(batchCtx, q, submissionID)
				if err != nil {
					if batchCtx.Err() != nil {
						return disclose.NewBatchTimeoutError(
							fmt.Sprintf("form batch timed out on table %s", q.table)).WithCause(err)
					}
					return err
				}
				mu.Lock()
				storage[q.table] = rows
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return storage, nil
}

// fetchTable runs one per-table query and folds composite (value, state)
// pairs back into single fields: a non-null state wins over the value.
func (l *FormBatchLoader) fetchTable(ctx context.Context, q tableQuery, submissionID int) ([]map[string]any, error) {
	rows, err := l.db.Query(ctx, q.sql, submissionID)
	if err != nil {
		return nil, disclose.NewQueryError(
			fmt.Sprintf("failed to query form table %s", q.table), err)
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		// Fresh buffers per row: a NULL column must not inherit the
		// previous row's value.
		scanned := make([]any, len(q.fields))
		targets := make([]any, len(q.fields))
		for i := range scanned {
			targets[i] = &scanned[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, disclose.NewQueryError(
				fmt.Sprintf("failed to scan form table %s", q.table), err)
		}
		row := make(map[string]any, len(q.fields))
		for i := 0; i < len(q.fields); i++ {
			if q.composite[i] {
				// value half, then state half
				value := scanned[i]
				state := scanned[i+1]
				if state != nil {
					row[q.fields[i]] = coerceText(state)
				} else {
					row[q.fields[i]] = value
				}
				i++
				continue
			}
			row[q.fields[i]] = scanned[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, disclose.NewQueryError(
			fmt.Sprintf("failed to read form table %s", q.table), err)
	}
	return result, nil
}

// LoadOptions controls a submission read.
type LoadOptions struct {
	// UseAggregate serves the read from the materialized aggregate when
	// one exists.
	UseAggregate bool
	// DBOnly bypasses the aggregate and always reconstructs from the
	// relational tables; the validator and the revision subsystem depend
	// on it.
	DBOnly bool
}

// SubmissionLoader reconstructs whole submissions.
type SubmissionLoader struct {
	db        DB
	cache     *CoreCache
	batch     *FormBatchLoader
	assembler *FormAssembler
}

// NewSubmissionLoader creates a SubmissionLoader.
func NewSubmissionLoader(db DB, cache *CoreCache, cfg disclose.LoaderConfig, units UnitResolver) *SubmissionLoader {
	return &SubmissionLoader{
		db:        db,
		cache:     cache,
		batch:     NewFormBatchLoader(db, cache, cfg),
		assembler: NewFormAssembler(cache, units),
	}
}

const submissionObjColumns = `id, name, revision, active, table_view_id, checked_out,
	checked_out_on, user_id, submitted_by, data_source, lei, nz_id, status`

func scanSubmissionObj(row pgx.Row) (*disclose.SubmissionObj, error) {
	var obj disclose.SubmissionObj
	var dataSource, lei, status *string
	var submittedBy *int
	err := row.Scan(&obj.ID, &obj.Name, &obj.Revision, &obj.Active, &obj.TableViewID,
		&obj.CheckedOut, &obj.CheckedOutOn, &obj.UserID, &submittedBy,
		&dataSource, &lei, &obj.NzID, &status)
	if err != nil {
		return nil, err
	}
	if submittedBy != nil {
		obj.SubmittedBy = *submittedBy
	}
	if dataSource != nil {
		obj.DataSource = *dataSource
	}
	if lei != nil {
		obj.LEI = *lei
	}
	if status != nil {
		obj.Status = disclose.SubmissionStatus(*status)
	}
	return &obj, nil
}

// loadFromAggregate serves a submission from the aggregate cache, or nil
// when no aggregate row exists.
func (s *SubmissionLoader) loadFromAggregate(ctx context.Context, submissionID int) (*disclose.Submission, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM wis_aggregated_obj_view WHERE obj_id = $1`, submissionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, disclose.NewQueryError("failed to load aggregate", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var submission disclose.Submission
	if err := json.Unmarshal(data, &submission); err != nil {
		return nil, disclose.NewInternalError(
			fmt.Sprintf("malformed aggregate document for submission %d", submissionID), err)
	}
	return &submission, nil
}

// Load reconstructs one submission by id.
func (s *SubmissionLoader) Load(ctx context.Context, submissionID int, opts LoadOptions) (*disclose.Submission, error) {
	if !opts.DBOnly && opts.UseAggregate {
		aggregate, err := s.loadFromAggregate(ctx, submissionID)
		if err != nil {
			return nil, err
		}
		if aggregate != nil {
			return aggregate, nil
		}
	}
	return s.loadFromTables(ctx, submissionID)
}

// LoadByLEIAndYear finds the newest active submission of an organization
// for a reporting year and loads it.
func (s *SubmissionLoader) LoadByLEIAndYear(ctx context.Context, formName, lei string, reportingYear int, opts LoadOptions) (*disclose.Submission, error) {
	ft, ok := s.cache.FormTable(formName)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("form table '%s' not found", formName))
	}
	var submissionID int
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT f.obj_id FROM %s f
		 JOIN wis_obj o ON o.id = f.obj_id
		 WHERE o.lei = $1 AND o.active AND f.reporting_year = $2
		 ORDER BY o.revision DESC LIMIT 1`, ft.Name), lei, reportingYear).Scan(&submissionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, disclose.NewNotFoundError(disclose.ErrCodeSubmissionNotFound,
				fmt.Sprintf("submission not found: %s, %d", lei, reportingYear))
		}
		return nil, disclose.NewQueryError("failed to resolve submission by lei and year", err)
	}
	return s.Load(ctx, submissionID, opts)
}

func (s *SubmissionLoader) loadFromTables(ctx context.Context, submissionID int) (*disclose.Submission, error) {
	obj, err := scanSubmissionObj(s.db.QueryRow(ctx,
		`SELECT `+submissionObjColumns+` FROM wis_obj WHERE id = $1`, submissionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, disclose.NewSubmissionNotFoundError(submissionID)
		}
		return nil, disclose.NewQueryError("failed to load submission object", err)
	}

	primary, err := s.batch.PrimaryTableDef(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	storage, err := s.batch.FetchFormRows(ctx, submissionID, primary)
	if err != nil {
		return nil, err
	}
	values, units, err := s.assembler.Assemble(primary, storage)
	if err != nil {
		return nil, err
	}

	submission := &disclose.Submission{
		SubmissionObj: *obj,
		Values:        map[string]any{},
		Units:         map[string]any{},
	}
	if len(values) > 0 {
		submission.Values = values[0]
	}
	if len(units) > 0 {
		submission.Units = units[0]
	}
	return submission, nil
}
