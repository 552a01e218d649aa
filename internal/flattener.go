package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/netzero-data/disclose"
)

// TableRows is the flat insert payload of one form table, keyed by the
// logical form name. Sub-form tables always precede their parent so
// referenced form ids exist by the time the parent row lands.
type TableRows struct {
	Table string
	Rows  []map[string]any
}

// Flattener turns a nested value tree into insert-ready rows, one slice
// per touched form table. It validates every field constraint on the way
// down and verifies at the end that no required field was left out of
// the submission entirely.
type Flattener struct {
	cache   *CoreCache
	conv    *Converter
	checker *ConstraintChecker

	requiredColumns map[string]*disclose.ColumnDef
	seenColumns     map[string]bool
}

// NewFlattener creates a Flattener.
func NewFlattener(cache *CoreCache) *Flattener {
	return &Flattener{
		cache:   cache,
		conv:    NewConverter(),
		checker: NewConstraintChecker(),
	}
}

// Flatten flattens one submission's value tree rooted at the given table
// definition. formID seeds sub-form id allocation; it must exceed every
// form id already present in the root table.
func (f *Flattener) Flatten(submissionID int, td *disclose.TableDef, formID int, values map[string]any) ([]TableRows, error) {
	f.initRequiredColumns()
	verrs := disclose.NewValidationErrors()

	var out []TableRows
	var rootRows []map[string]any
	_, err := f.flattenForm(submissionID, &rootRows, formID, []any{values}, &out, td, nil, verrs)
	if err != nil {
		return nil, err
	}
	out = append(out, TableRows{Table: td.Name, Rows: rootRows})

	f.verifyRequiredFields(verrs)
	if verrs.HasErrors() {
		return nil, verrs
	}
	return out, nil
}

// initRequiredColumns indexes every column that declares a required
// constraint, regardless of the form it belongs to.
func (f *Flattener) initRequiredColumns() {
	f.requiredColumns = make(map[string]*disclose.ColumnDef)
	f.seenColumns = make(map[string]bool)
	for _, td := range f.cache.TableDefs() {
		for i := range td.Columns {
			col := &td.Columns[i]
			if len(col.Views) == 0 {
				continue
			}
			if col.Views[0].RequiredConstraint() != nil {
				f.requiredColumns[col.Name] = col
			}
		}
	}
}

// verifyRequiredFields re-checks every required-constrained column that
// never appeared anywhere in the submission. The check is blind to which
// branch of the tree the column lives on; conditional sub-forms must
// declare their fields optional.
func (f *Flattener) verifyRequiredFields(verrs *disclose.ValidationErrors) {
	for name, col := range f.requiredColumns {
		if f.seenColumns[name] {
			continue
		}
		if err := f.checker.Check(col, nil); err != nil {
			verrs.Add(asSubmissionError(err))
		}
	}
}

// flattenForm flattens the rows of one form level into *form, appending
// any nested sub-form tables to *out first. Returns the next free form
// id.
func (f *Flattener) flattenForm(
	submissionID int,
	form *[]map[string]any,
	formID int,
	values []any,
	out *[]TableRows,
	td *disclose.TableDef,
	multipleCol *disclose.ColumnDef,
	verrs *disclose.ValidationErrors,
) (int, error) {
	// Every row of this level shares the form id the parent references,
	// even after nested recursion moves the allocation cursor on.
	groupID := formID
	row := map[string]any{"obj_id": submissionID}
	if td.Heritable {
		row["value_id"] = groupID
	}

	if td.Heritable && multipleCol != nil && multipleCol.AttributeType == disclose.AttributeTypeMultiple {
		if len(values) > 0 {
			if _, isRow := values[0].(map[string]any); !isRow {
				converted := f.conv.MultipleToForm(values, multipleCol.Name)
				values = values[:0:0]
				for _, c := range converted {
					values = append(values, c)
				}
			}
		}
	}

	for _, value := range values {
		if value == nil {
			value = map[string]any{}
		}
		rowValues, ok := value.(map[string]any)
		if !ok {
			return 0, disclose.NewConstraintError(td.Name,
				fmt.Sprintf("bad type: expected form row, found %T", value)).
				WithDetail("value", value)
		}

		for _, field := range orderedFields(td, rowValues) {
			v := rowValues[field]
			if _, declared := f.requiredColumns[field]; declared {
				f.seenColumns[field] = true
			}
			if _, isID := disclose.IDFields[field]; isID || strings.HasSuffix(field, "_prompt") {
				continue
			}

			// A repeated field starts the next sibling row.
			if _, taken := row[field]; taken {
				*form = append(*form, row)
				row = map[string]any{"obj_id": submissionID}
				if td.Heritable {
					row["value_id"] = groupID
				}
			}

			col := td.Column(field)
			if col == nil {
				verrs.Add(disclose.NewColumnNotFoundError(field))
				continue
			}
			if err := f.checker.Check(col, v); err != nil {
				verrs.Add(asSubmissionError(err))
			}

			if col.AttributeType.RecursesIntoForm() {
				if disclose.IsNullState(v) {
					row[field] = v
					continue
				}
				sub, ok := f.cache.TableDefByID(col.AttributeTypeID)
				if !ok {
					return 0, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
						fmt.Sprintf("no table definition for sub-form column '%s'", field))
				}
				// The parent row references the sub-form by its
				// allocated form id.
				row[field] = formID
				var subRows []map[string]any
				latest, err := f.flattenForm(submissionID, &subRows, formID, asRowList(v), out, sub, col, verrs)
				if err != nil {
					return 0, err
				}
				*out = append(*out, TableRows{Table: sub.Name, Rows: subRows})
				formID = latest + 1
				continue
			}
			row[field] = v
		}
	}

	*form = append(*form, row)
	return formID, nil
}

// orderedFields lists the row's fields in declared column order, with
// any undeclared fields trailing so they still surface an error.
func orderedFields(td *disclose.TableDef, row map[string]any) []string {
	fields := make([]string, 0, len(row))
	taken := make(map[string]bool, len(row))
	for i := range td.Columns {
		name := td.Columns[i].Name
		if _, ok := row[name]; ok {
			fields = append(fields, name)
			taken[name] = true
		}
	}
	// Prompts and bookkeeping ids are skipped downstream but must be
	// visited for required tracking; unknown fields must error.
	var rest []string
	for name := range row {
		if !taken[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(fields, rest...)
}

// asRowList normalizes a sub-form value to a row list: FORM values come
// in as a single row or a list, MULTIPLE values as a list of scalars.
func asRowList(v any) []any {
	switch rows := v.(type) {
	case []any:
		return rows
	case []map[string]any:
		out := make([]any, len(rows))
		for i := range rows {
			out[i] = rows[i]
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func asSubmissionError(err error) *disclose.SubmissionError {
	if se, ok := err.(*disclose.SubmissionError); ok {
		return se
	}
	return disclose.NewInternalError(err.Error(), err)
}
