package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
)

// Root form fields the manager keeps consistent with the submission
// object metadata.
const (
	fieldDisclosureSource = "disclosure_source"
	fieldLEI              = "legal_entity_identifier"
	fieldReportingYear    = "reporting_year"
)

// SubmissionManager owns the submission write path: flattening value
// trees into the form tables, creating submission objects, and keeping
// the materialized aggregate in step.
type SubmissionManager struct {
	db     DB
	cache  *CoreCache
	loader *SubmissionLoader
}

// NewSubmissionManager creates a SubmissionManager.
func NewSubmissionManager(db DB, cache *CoreCache, cfg disclose.LoaderConfig) *SubmissionManager {
	return &SubmissionManager{
		db:     db,
		cache:  cache,
		loader: NewSubmissionLoader(db, cache, cfg, nil),
	}
}

// Loader exposes the manager's submission loader for read paths that
// share it.
func (m *SubmissionManager) Loader() *SubmissionLoader {
	return m.loader
}

// GenerateSubmissionName builds a unique submission name for a form.
func GenerateSubmissionName(formName string) string {
	return fmt.Sprintf("NZDD-%s-%s", formName, uuid.NewString())
}

// MaxFormTypeID returns the next free sub-form id for the root table:
// one past the highest id any FORM or MULTIPLE column currently holds.
func (m *SubmissionManager) MaxFormTypeID(ctx context.Context, td *disclose.TableDef) (int, error) {
	var formCols []string
	for i := range td.Columns {
		switch td.Columns[i].AttributeType {
		case disclose.AttributeTypeForm, disclose.AttributeTypeMultiple:
			formCols = append(formCols, td.Columns[i].Name)
		}
	}
	if len(formCols) == 0 {
		return 1, nil
	}
	expr := formCols[0]
	if len(formCols) > 1 {
		expr = fmt.Sprintf("GREATEST(%s)", strings.Join(formCols, ", "))
	}
	var max *int
	err := m.db.QueryRow(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s", expr, td.PhysicalName())).Scan(&max)
	if err != nil {
		return 0, disclose.NewQueryError("failed to compute next form id", err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// tableDefForView resolves the root table definition behind a table
// view.
func (m *SubmissionManager) tableDefForView(tableViewID int) (*disclose.TableDef, error) {
	tv, ok := m.cache.TableView(tableViewID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSchemaNotFound,
			fmt.Sprintf("table view %d not found", tableViewID))
	}
	td, ok := m.cache.TableDefByID(tv.TableDefID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSchemaNotFound,
			fmt.Sprintf("table definition %d not found", tv.TableDefID))
	}
	return td, nil
}

// Insert flattens and persists a submission's value tree. Every insert
// statement is queued on one pgx batch so the round trip count stays
// flat regardless of tree depth.
func (m *SubmissionManager) Insert(ctx context.Context, submission *disclose.Submission) error {
	td, err := m.tableDefForView(submission.TableViewID)
	if err != nil {
		return err
	}
	formID, err := m.MaxFormTypeID(ctx, td)
	if err != nil {
		return err
	}
	tables, err := NewFlattener(m.cache).Flatten(submission.ID, td, formID, submission.Values)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	rowCount := 0
	for _, table := range tables {
		ft, ok := m.cache.FormTable(table.Table)
		if !ok {
			return disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
				fmt.Sprintf("form table '%s' not found", table.Table))
		}
		for _, row := range table.Rows {
			sql, args, err := m.buildInsert(ft, row)
			if err != nil {
				return err
			}
			batch.Queue(sql, args...)
			rowCount++
		}
	}

	results := m.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < rowCount; i++ {
		if _, err := results.Exec(); err != nil {
			return disclose.NewQueryError(
				fmt.Sprintf("failed to execute insert %d of %d", i+1, rowCount), err)
		}
	}
	zap.S().Debugw("submission rows inserted", "submission_id", submission.ID, "rows", rowCount)
	return nil
}

// buildInsert renders one INSERT for a form row. Composite null-state
// columns are bound as ROW(value, state)::<type> pairs; everything else
// is a plain placeholder.
func (m *SubmissionManager) buildInsert(ft *FormTable, row map[string]any) (string, []any, error) {
	fields := make([]string, 0, len(row))
	for field := range row {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := make([]string, 0, len(fields))
	exprs := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		value := row[field]
		columns = append(columns, field)

		var attrType disclose.AttributeType
		if _, isID := disclose.IDFields[field]; isID {
			attrType = disclose.AttributeTypeInt
		} else if col := ft.Def.Column(field); col != nil {
			attrType = col.AttributeType
		} else {
			return "", nil, disclose.NewColumnNotFoundError(field)
		}

		if attrType == disclose.AttributeTypeDatetime {
			parsed, err := parseDatetimeArg(field, value)
			if err != nil {
				return "", nil, err
			}
			value = parsed
		}

		if composite := attrType.CompositeType(); composite != "" {
			compositeValue, state, err := compositeBind(field, value, composite)
			if err != nil {
				return "", nil, err
			}
			exprs = append(exprs, fmt.Sprintf("ROW($%d, $%d)::%s",
				len(args)+1, len(args)+2, composite))
			args = append(args, compositeValue, state)
			continue
		}
		exprs = append(exprs, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, value)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ft.Name, strings.Join(columns, ", "), strings.Join(exprs, ", "))
	return sql, args, nil
}

// compositeBind splits a value into the (value, state) halves of a
// composite column: nil becomes an explicit long-dash state, a null
// sentinel moves whole into the state half, anything else is coerced to
// the composite's base type.
func compositeBind(field string, value any, composite disclose.CompositeType) (any, any, error) {
	if value == nil {
		return nil, string(disclose.NullStateLongDash), nil
	}
	if disclose.IsNullState(value) {
		return nil, coerceText(value), nil
	}
	switch composite {
	case disclose.CompositeIntOrNull, disclose.CompositeFormOrNull:
		n, ok := toIntLoose(value)
		if !ok {
			return nil, nil, disclose.NewConstraintError(field,
				fmt.Sprintf("invalid input for %s: %v", field, value))
		}
		return n, nil, nil
	case disclose.CompositeFloatOrNull:
		f, ok := toFloat(value)
		if !ok {
			return nil, nil, disclose.NewConstraintError(field,
				fmt.Sprintf("invalid input for %s: %v", field, value))
		}
		return f, nil, nil
	case disclose.CompositeBoolOrNull:
		if b, ok := value.(bool); ok {
			return b, nil, nil
		}
		if n, ok := toInt(value); ok {
			return n != 0, nil, nil
		}
		return nil, nil, disclose.NewConstraintError(field,
			fmt.Sprintf("invalid input for %s: %v", field, value))
	default:
		return value, nil, nil
	}
}

// parseDatetimeArg converts string datetimes into time.Time for binding;
// a trailing Z is tolerated.
func parseDatetimeArg(field string, value any) (any, error) {
	text, ok := value.(string)
	if !ok {
		return value, nil
	}
	if text == "" {
		return nil, nil
	}
	trimmed := strings.TrimSuffix(text, "Z")
	parsed, err := parseDatetime(trimmed)
	if err != nil {
		return nil, disclose.NewConstraintError(field,
			fmt.Sprintf("invalid datetime value: %s", text))
	}
	return parsed, nil
}

// CheckDuplicate rejects a second submission for the same organization
// and reporting year.
func (m *SubmissionManager) CheckDuplicate(ctx context.Context, td *disclose.TableDef, nzID int, values map[string]any) error {
	year, ok := toIntLoose(values[fieldReportingYear])
	if !ok {
		return nil
	}
	ft, ok := m.cache.FormTable(td.Name)
	if !ok {
		return disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("form table '%s' not found", td.Name))
	}
	var count int
	err := m.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s f
		 JOIN wis_obj o ON f.obj_id = o.id
		 WHERE o.nz_id = $1 AND f.reporting_year = $2`, ft.Name), nzID, year).Scan(&count)
	if err != nil {
		return disclose.NewQueryError("failed to check for duplicate submission", err)
	}
	if count > 0 {
		return disclose.NewSubmissionError(disclose.ErrorTypeValidation,
			disclose.ErrCodeSubmissionAlreadyExists,
			fmt.Sprintf("a submission for organization %d and reporting year %d already exists", nzID, year))
	}
	return nil
}

// Create creates a new submission object and, when values are provided,
// persists its value tree. An empty submission is checked out to its
// creator so they can fill it in.
func (m *SubmissionManager) Create(ctx context.Context, create *disclose.SubmissionCreate, userID int, name string) (*disclose.SubmissionObj, error) {
	td, err := m.tableDefForView(create.TableViewID)
	if err != nil {
		return nil, err
	}
	if create.Values == nil {
		create.Values = map[string]any{}
	}

	// data_source must agree between the object row and the form value.
	dataSource := create.DataSource
	if dataSource == "" {
		dataSource, _ = create.Values[fieldDisclosureSource].(string)
	}
	create.DataSource = dataSource
	create.Values[fieldDisclosureSource] = dataSource
	lei, _ := create.Values[fieldLEI].(string)

	if name == "" {
		name = GenerateSubmissionName(td.Name)
	}
	revision := create.Revision
	if revision == 0 {
		revision = 1
	}
	status := create.Status
	if status == "" {
		status = disclose.SubmissionStatusDraft
	}

	obj := &disclose.SubmissionObj{
		Name:        name,
		Revision:    revision,
		Active:      true,
		TableViewID: create.TableViewID,
		SubmittedBy: userID,
		DataSource:  dataSource,
		LEI:         lei,
		NzID:        create.NzID,
		Status:      status,
	}
	err = m.db.QueryRow(ctx,
		`INSERT INTO wis_obj (name, revision, active, table_view_id, checked_out, submitted_by, data_source, lei, nz_id, status)
		 VALUES ($1, $2, $3, $4, false, $5, $6, $7, $8, $9)
		 RETURNING id`,
		obj.Name, obj.Revision, obj.Active, obj.TableViewID, obj.SubmittedBy,
		obj.DataSource, obj.LEI, obj.NzID, string(obj.Status)).Scan(&obj.ID)
	if err != nil {
		return nil, disclose.NewQueryError("failed to create submission object", err)
	}

	if emptySubmissionValues(create.Values) {
		now := time.Now()
		_, err = m.db.Exec(ctx,
			`UPDATE wis_obj SET checked_out = true, checked_out_on = $1, user_id = $2 WHERE id = $3`,
			now, userID, obj.ID)
		if err != nil {
			return nil, disclose.NewQueryError("failed to check out empty submission", err)
		}
		obj.CheckedOut = true
		obj.CheckedOutOn = &now
		obj.UserID = &userID
		return obj, nil
	}

	submission := &disclose.Submission{SubmissionObj: *obj, Values: create.Values}
	if err := m.Insert(ctx, submission); err != nil {
		return nil, err
	}
	return obj, nil
}

// emptySubmissionValues reports whether the values carry no business
// payload beyond identification fields.
func emptySubmissionValues(values map[string]any) bool {
	for key := range values {
		if key != fieldLEI && key != fieldDisclosureSource {
			return false
		}
	}
	return true
}

// Update fills in the values of a previously empty submission.
func (m *SubmissionManager) Update(ctx context.Context, submission *disclose.Submission, values map[string]any) error {
	if len(submission.Values) > 0 {
		return disclose.NewSubmissionError(disclose.ErrorTypeValidation,
			disclose.ErrCodeSubmissionNotEmpty,
			fmt.Sprintf("submission %d already holds values; create a revision instead", submission.ID))
	}
	submission.Values = values
	if err := m.Insert(ctx, submission); err != nil {
		return err
	}
	return m.SaveAggregate(ctx, submission.ID)
}

// SaveAggregate recomputes the full submission from the relational
// tables and upserts it into the aggregate cache.
func (m *SubmissionManager) SaveAggregate(ctx context.Context, submissionID int) error {
	submission, err := m.loader.Load(ctx, submissionID, LoadOptions{DBOnly: true})
	if err != nil {
		return err
	}
	data, err := json.Marshal(submission)
	if err != nil {
		return disclose.NewInternalError(
			fmt.Sprintf("failed to encode aggregate for submission %d", submissionID), err)
	}
	_, err = m.db.Exec(ctx,
		`INSERT INTO wis_aggregated_obj_view (obj_id, data) VALUES ($1, $2)
		 ON CONFLICT (obj_id) DO UPDATE SET data = EXCLUDED.data`,
		submissionID, data)
	if err != nil {
		return disclose.NewQueryError("failed to save aggregate", err)
	}
	return nil
}

// SubmissionByName returns the newest revision carrying the given
// submission name.
func (m *SubmissionManager) SubmissionByName(ctx context.Context, name string) (*disclose.SubmissionObj, error) {
	obj, err := scanSubmissionObj(m.db.QueryRow(ctx,
		`SELECT `+submissionObjColumns+` FROM wis_obj WHERE name = $1 ORDER BY revision DESC LIMIT 1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, disclose.NewNotFoundError(disclose.ErrCodeSubmissionNotFound,
				fmt.Sprintf("submission not found: %s", name))
		}
		return nil, disclose.NewQueryError("failed to load submission by name", err)
	}
	return obj, nil
}

// RevisionHistory returns every revision of a submission name, newest
// first.
func (m *SubmissionManager) RevisionHistory(ctx context.Context, name string) ([]disclose.SubmissionObj, error) {
	rows, err := m.db.Query(ctx,
		`SELECT `+submissionObjColumns+` FROM wis_obj WHERE name = $1 ORDER BY revision DESC`, name)
	if err != nil {
		return nil, disclose.NewQueryError("failed to load revision history", err)
	}
	defer rows.Close()
	var history []disclose.SubmissionObj
	for rows.Next() {
		obj, err := scanSubmissionObj(rows)
		if err != nil {
			return nil, disclose.NewQueryError("failed to scan revision history", err)
		}
		history = append(history, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, disclose.NewQueryError("failed to read revision history", err)
	}
	if len(history) == 0 {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSubmissionNotFound,
			fmt.Sprintf("submission not found: %s", name))
	}
	return history, nil
}
