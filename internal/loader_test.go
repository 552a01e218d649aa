package internal

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzero-data/disclose"
)

const objColumnsRegex = `SELECT id, name, revision, active, table_view_id, checked_out`

func submissionObjRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "revision", "active", "table_view_id", "checked_out",
		"checked_out_on", "user_id", "submitted_by", "data_source", "lei", "nz_id", "status",
	})
}

func expectLoadFromTables(mock pgxmock.PgxPoolIface, submissionID int) {
	mock.ExpectQuery(objColumnsRegex).
		WithArgs(submissionID).
		WillReturnRows(submissionObjRows().
			AddRow(submissionID, "NZDD-ghg_report-1", 1, true, 7, false,
				(*time.Time)(nil), (*int)(nil), intPtr(4), strPtr("CDP"), strPtr("LEI-900"), 900, strPtr("published")))
	mock.ExpectQuery(`SELECT tv.table_def_id FROM wis_table_view tv`).
		WithArgs(submissionID).
		WillReturnRows(pgxmock.NewRows([]string{"table_def_id"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, obj_id, reporting_year, total_emissions, disclosure_source, exclusions, data_model FROM ghg_report`).
		WithArgs(submissionID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "obj_id", "reporting_year", "total_emissions", "disclosure_source", "exclusions", "data_model",
		}).AddRow(1, submissionID, 2024, 100.0, "CDP", 1, "v1"))
	mock.ExpectQuery(`SELECT id, obj_id, value_id, category, pct, reason FROM exclusions_heritable`).
		WithArgs(submissionID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "obj_id", "value_id", "category", "pct", "reason",
		}).
			AddRow(10, submissionID, 1, 11, 10.0, nil).
			AddRow(11, submissionID, 1, 12, 20.0, "immaterial"))
}

func strPtr(v string) *string { return &v }

func TestSubmissionLoader_LoadFromTables(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLoadFromTables(mock, 33)

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	submission, err := loader.Load(ctx, 33, LoadOptions{DBOnly: true})
	require.NoError(t, err)

	assert.Equal(t, 33, submission.ID)
	assert.Equal(t, "NZDD-ghg_report-1", submission.Name)
	assert.Equal(t, disclose.SubmissionStatusPublished, submission.Status)
	assert.Equal(t, 2024, submission.Values["reporting_year"])
	assert.Equal(t, 100.0, submission.Values["total_emissions"])

	exclusions, ok := submission.Values["exclusions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, exclusions, 2)
	assert.Equal(t, "immaterial", exclusions[1]["reason"])

	assert.Equal(t, "tCO2e", submission.Units["total_emissions"])

	require.NoError(t, mock.ExpectationsWereMet())
}

// A NULL column must not inherit the previous row's scanned value.
func TestSubmissionLoader_NullColumnAfterValue(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(objColumnsRegex).
		WithArgs(33).
		WillReturnRows(submissionObjRows().
			AddRow(33, "NZDD-ghg_report-1", 1, true, 7, false,
				(*time.Time)(nil), (*int)(nil), intPtr(4), strPtr("CDP"), strPtr("LEI-900"), 900, strPtr("published")))
	mock.ExpectQuery(`SELECT tv.table_def_id FROM wis_table_view tv`).
		WithArgs(33).
		WillReturnRows(pgxmock.NewRows([]string{"table_def_id"}).AddRow(1))
	mock.ExpectQuery(`SELECT id, obj_id, reporting_year, total_emissions, disclosure_source, exclusions, data_model FROM ghg_report`).
		WithArgs(33).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "obj_id", "reporting_year", "total_emissions", "disclosure_source", "exclusions", "data_model",
		}).AddRow(1, 33, 2024, 100.0, "CDP", 1, "v1"))
	mock.ExpectQuery(`SELECT id, obj_id, value_id, category, pct, reason FROM exclusions_heritable`).
		WithArgs(33).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "obj_id", "value_id", "category", "pct", "reason",
		}).
			AddRow(10, 33, 1, 11, 10.0, "immaterial").
			AddRow(11, 33, 1, 12, 20.0, nil))

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	submission, err := loader.Load(ctx, 33, LoadOptions{DBOnly: true})
	require.NoError(t, err)

	exclusions, ok := submission.Values["exclusions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, exclusions, 2)
	assert.Equal(t, "immaterial", exclusions[0]["reason"])
	assert.Nil(t, exclusions[1]["reason"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionLoader_AggregateFirst(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	doc := []byte(`{"id":33,"name":"NZDD-ghg_report-1","revision":2,"active":true,"table_view_id":7,` +
		`"nz_id":900,"values":{"reporting_year":2024},"units":{}}`)
	mock.ExpectQuery(`SELECT data FROM wis_aggregated_obj_view`).
		WithArgs(33).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(doc))

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	submission, err := loader.Load(ctx, 33, LoadOptions{UseAggregate: true})
	require.NoError(t, err)

	assert.Equal(t, 2, submission.Revision)
	assert.Equal(t, float64(2024), submission.Values["reporting_year"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionLoader_AggregateMissFallsBack(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT data FROM wis_aggregated_obj_view`).
		WithArgs(33).
		WillReturnRows(pgxmock.NewRows([]string{"data"}))
	expectLoadFromTables(mock, 33)

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	submission, err := loader.Load(ctx, 33, LoadOptions{UseAggregate: true})
	require.NoError(t, err)
	assert.Equal(t, 2024, submission.Values["reporting_year"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionLoader_NotFound(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(objColumnsRegex).
		WithArgs(99).
		WillReturnRows(submissionObjRows())

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	_, err = loader.Load(ctx, 99, LoadOptions{DBOnly: true})
	require.Error(t, err)
	assert.True(t, disclose.IsNotFoundError(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionLoader_LoadByLEIAndYear(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT f\.obj_id FROM ghg_report f`).
		WithArgs("LEI-900", 2024).
		WillReturnRows(pgxmock.NewRows([]string{"obj_id"}).AddRow(33))
	expectLoadFromTables(mock, 33)

	loader := NewSubmissionLoader(mock, newTestCache(), disclose.LoaderConfig{}, nil)
	submission, err := loader.LoadByLEIAndYear(ctx, "ghg_report", "LEI-900", 2024, LoadOptions{DBOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 33, submission.ID)
	assert.Equal(t, "LEI-900", submission.LEI)

	require.NoError(t, mock.ExpectationsWereMet())
}
