package internal

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzero-data/disclose"
)

func TestGenerateSubmissionName(t *testing.T) {
	name := GenerateSubmissionName("ghg_report")
	assert.Contains(t, name, "NZDD-ghg_report-")
	assert.NotEqual(t, name, GenerateSubmissionName("ghg_report"))
}

func TestMaxFormTypeID(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cache := newTestCache()
	m := NewSubmissionManager(mock, cache, disclose.LoaderConfig{})
	root, _ := cache.TableDefByName("ghg_report")

	mock.ExpectQuery(`SELECT MAX\(exclusions\) FROM ghg_report`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(intPtr(5)))
	next, err := m.MaxFormTypeID(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 6, next)

	// An empty table starts the id sequence at 1.
	mock.ExpectQuery(`SELECT MAX\(exclusions\) FROM ghg_report`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*int)(nil)))
	next, err = m.MaxFormTypeID(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	// A form with no sub-form columns never needs a query.
	exclusions, _ := cache.TableDefByName("exclusions")
	next, err = m.MaxFormTypeID(ctx, exclusions)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsert(t *testing.T) {
	cache := newTestCache()
	m := NewSubmissionManager(nil, cache, disclose.LoaderConfig{})
	ft, _ := cache.FormTable("ghg_report")

	sql, args, err := m.buildInsert(ft, map[string]any{
		"obj_id":          33,
		"reporting_year":  2024,
		"total_emissions": 100.0,
		"exclusions":      1,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO ghg_report (exclusions, obj_id, reporting_year, total_emissions) VALUES ($1, $2, $3, $4)",
		sql)
	assert.Equal(t, []any{1, 33, 2024, 100.0}, args)
}

func TestBuildInsert_UnknownColumn(t *testing.T) {
	cache := newTestCache()
	m := NewSubmissionManager(nil, cache, disclose.LoaderConfig{})
	ft, _ := cache.FormTable("ghg_report")

	_, _, err := m.buildInsert(ft, map[string]any{"obj_id": 33, "bogus": 1})
	require.Error(t, err)
	assert.True(t, disclose.IsNotFoundError(err))
}

func TestCompositeBind(t *testing.T) {
	value, state, err := compositeBind("f", nil, disclose.CompositeFloatOrNull)
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, string(disclose.NullStateLongDash), state)

	value, state, err = compositeBind("f", "N/A", disclose.CompositeFloatOrNull)
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, "N/A", state)

	value, state, err = compositeBind("f", 12.5, disclose.CompositeFloatOrNull)
	require.NoError(t, err)
	assert.Equal(t, 12.5, value)
	assert.Nil(t, state)

	value, state, err = compositeBind("f", float64(3), disclose.CompositeIntOrNull)
	require.NoError(t, err)
	assert.Equal(t, 3, value)
	assert.Nil(t, state)

	_, _, err = compositeBind("f", "not a number", disclose.CompositeIntOrNull)
	require.Error(t, err)
}

func TestInsert_QueuesAllRowsOnOneBatch(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cache := newTestCache()
	m := NewSubmissionManager(mock, cache, disclose.LoaderConfig{})

	mock.ExpectQuery(`SELECT MAX\(exclusions\) FROM ghg_report`).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*int)(nil)))
	batch := mock.ExpectBatch()
	batch.ExpectExec(`INSERT INTO exclusions_heritable`).
		WithArgs(11, 33, 10.0, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec(`INSERT INTO exclusions_heritable`).
		WithArgs(12, 33, 20.0, "immaterial", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec(`INSERT INTO ghg_report`).
		WithArgs("v1", "CDP", 1, 33, 2024, 100.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	submission := &disclose.Submission{
		SubmissionObj: disclose.SubmissionObj{ID: 33, TableViewID: 7},
		Values:        reportValues(),
	}
	require.NoError(t, m.Insert(ctx, submission))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckDuplicate(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cache := newTestCache()
	m := NewSubmissionManager(mock, cache, disclose.LoaderConfig{})
	root, _ := cache.TableDefByName("ghg_report")

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ghg_report f`).
		WithArgs(900, 2024).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	err = m.CheckDuplicate(ctx, root, 900, map[string]any{"reporting_year": 2024})
	require.Error(t, err)
	se, ok := err.(*disclose.SubmissionError)
	require.True(t, ok)
	assert.Equal(t, disclose.ErrCodeSubmissionAlreadyExists, se.Code)

	// Without a reporting year there is nothing to collide on.
	require.NoError(t, m.CheckDuplicate(ctx, root, 900, map[string]any{}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_EmptySubmissionChecksOut(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cache := newTestCache()
	m := NewSubmissionManager(mock, cache, disclose.LoaderConfig{})

	mock.ExpectQuery(`INSERT INTO wis_obj`).
		WithArgs("empty-report", 1, true, 7, 4, "CDP", "LEI-900", 900, "draft").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectExec(`UPDATE wis_obj SET checked_out = true`).
		WithArgs(pgxmock.AnyArg(), 4, 41).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	obj, err := m.Create(ctx, &disclose.SubmissionCreate{
		TableViewID: 7,
		NzID:        900,
		DataSource:  "CDP",
		Values:      map[string]any{"legal_entity_identifier": "LEI-900"},
	}, 4, "empty-report")
	require.NoError(t, err)
	assert.Equal(t, 41, obj.ID)
	assert.True(t, obj.CheckedOut)
	require.NotNil(t, obj.UserID)
	assert.Equal(t, 4, *obj.UserID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_RejectsNonEmptySubmission(t *testing.T) {
	ctx := context.Background()
	m := NewSubmissionManager(nil, newTestCache(), disclose.LoaderConfig{})

	submission := &disclose.Submission{
		SubmissionObj: disclose.SubmissionObj{ID: 33, TableViewID: 7},
		Values:        map[string]any{"reporting_year": 2024},
	}
	err := m.Update(ctx, submission, reportValues())
	require.Error(t, err)
	se, ok := err.(*disclose.SubmissionError)
	require.True(t, ok)
	assert.Equal(t, disclose.ErrCodeSubmissionNotEmpty, se.Code)
}
