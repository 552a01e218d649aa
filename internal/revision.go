package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
)

// RevisionManager drives the restatement workflow: checking submissions
// out for editing, creating append-only revisions from path-addressed
// edits, and rolling the active revision back.
type RevisionManager struct {
	db      DB
	cache   *CoreCache
	manager *SubmissionManager
}

// NewRevisionManager creates a RevisionManager sharing the submission
// manager's loader and cache.
func NewRevisionManager(db DB, cache *CoreCache, manager *SubmissionManager) *RevisionManager {
	return &RevisionManager{db: db, cache: cache, manager: manager}
}

// CheckOut acquires the edit lock on the newest revision of a
// submission. force steals a lock held by another user.
func (r *RevisionManager) CheckOut(ctx context.Context, name string, userID int, force bool) (*disclose.SubmissionObj, error) {
	obj, err := r.manager.SubmissionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if obj.CheckedOut && !force {
		return nil, disclose.NewConcurrencyError(disclose.ErrCodeAlreadyCheckedOut,
			fmt.Sprintf("submission '%s' is already checked out", name))
	}
	now := time.Now()
	_, err = r.db.Exec(ctx,
		`UPDATE wis_obj SET checked_out = true, checked_out_on = $1, user_id = $2 WHERE id = $3`,
		now, userID, obj.ID)
	if err != nil {
		return nil, disclose.NewQueryError("failed to check out submission", err)
	}
	obj.CheckedOut = true
	obj.CheckedOutOn = &now
	obj.UserID = &userID
	if err := r.manager.SaveAggregate(ctx, obj.ID); err != nil {
		return nil, err
	}
	return obj, nil
}

// ClearEditMode releases the edit lock. Only the holder can release it.
func (r *RevisionManager) ClearEditMode(ctx context.Context, name string, userID int) (*disclose.SubmissionObj, error) {
	obj, err := r.manager.SubmissionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if obj.UserID != nil && *obj.UserID != userID {
		return nil, disclose.NewConcurrencyError(disclose.ErrCodeClearEditModeDenied,
			fmt.Sprintf("submission '%s' is checked out by another user", name))
	}
	_, err = r.db.Exec(ctx,
		`UPDATE wis_obj SET checked_out = false, checked_out_on = NULL, user_id = NULL WHERE id = $1`,
		obj.ID)
	if err != nil {
		return nil, disclose.NewQueryError("failed to clear edit mode", err)
	}
	obj.CheckedOut = false
	obj.CheckedOutOn = nil
	obj.UserID = nil
	if err := r.manager.SaveAggregate(ctx, obj.ID); err != nil {
		return nil, err
	}
	return obj, nil
}

// Update creates a new revision of the named submission by applying the
// model's restatements to a fresh relational load of the newest
// revision. The caller must hold the edit lock.
func (r *RevisionManager) Update(ctx context.Context, name string, model *disclose.RevisionUpdate, userID int) (*disclose.SubmissionObj, error) {
	history, err := r.manager.RevisionHistory(ctx, name)
	if err != nil {
		return nil, err
	}
	latest := history[0]
	if !latest.CheckedOut {
		return nil, disclose.NewConcurrencyError(disclose.ErrCodeNotCheckedOut,
			fmt.Sprintf("submission '%s' must be checked out before revising", name))
	}
	if latest.UserID == nil || *latest.UserID != userID {
		return nil, disclose.NewConcurrencyError(disclose.ErrCodeCheckedOutByOther,
			fmt.Sprintf("submission '%s' is checked out by another user", name))
	}

	// Revisions always start from the relational tables, never from the
	// aggregate, so a stale aggregate cannot leak into a new revision.
	submission, err := r.manager.Loader().Load(ctx, latest.ID, LoadOptions{DBOnly: true})
	if err != nil {
		return nil, err
	}
	if len(submission.Values) == 0 {
		return nil, disclose.NewSubmissionError(disclose.ErrorTypeValidation,
			disclose.ErrCodeSubmissionEmpty,
			"cannot create a revision on an empty submission")
	}
	values := StripNoneValues(submission.Values)

	groupID, err := r.restatementGroupID(ctx, history)
	if err != nil {
		return nil, err
	}

	td, err := r.manager.tableDefForView(latest.TableViewID)
	if err != nil {
		return nil, err
	}

	// Paths resolve against the submission's values; a leading segment
	// naming the root form is tolerated and stripped.
	restatements := make([]disclose.Restatement, 0, len(model.Restatements))
	for _, rc := range model.Restatements {
		path, err := disclose.ParseAttributePath(rc.Path)
		if err != nil {
			return nil, err
		}
		rowID, err := r.resolveRestatementRow(ctx, latest.ID, td, path)
		if err != nil {
			return nil, err
		}
		if err := path.RelativeTo(td.Name).SetValue(values, rc.Value); err != nil {
			return nil, err
		}
		restatements = append(restatements, disclose.Restatement{
			GroupID:           groupID,
			AttributeName:     path.String(),
			AttributeRow:      rowID,
			Reason:            rc.Reason,
			DataSource:        model.DataSource,
			ReportingDatetime: reportingDatetime(model, values),
		})
	}

	dataSource := model.DataSource
	if dataSource == "" {
		dataSource = latest.DataSource
	}
	values[fieldDisclosureSource] = dataSource

	created, err := r.manager.Create(ctx, &disclose.SubmissionCreate{
		TableViewID: latest.TableViewID,
		Revision:    latest.Revision + 1,
		NzID:        latest.NzID,
		DataSource:  dataSource,
		Status:      disclose.SubmissionStatusPublished,
		Values:      values,
	}, userID, name)
	if err != nil {
		return nil, err
	}

	for i := range restatements {
		restatements[i].ObjID = created.ID
		if err := r.insertRestatement(ctx, &restatements[i]); err != nil {
			return nil, err
		}
	}

	// The new revision becomes the single active, checked-out member of
	// the history; every older revision is deactivated and unlocked.
	history = append([]disclose.SubmissionObj{*created}, history...)
	if err := r.resetRevisionFlags(ctx, history, created.ID, userID); err != nil {
		return nil, err
	}
	for i := range history {
		if err := r.manager.SaveAggregate(ctx, history[i].ID); err != nil {
			return nil, err
		}
	}
	zap.S().Infow("revision created",
		"submission", name, "revision", created.Revision, "restatements", len(restatements))
	return created, nil
}

// restatementGroupID derives the restatement group of a history: the
// first revision's id, or for longer histories the group recorded on the
// first revision's restatements.
func (r *RevisionManager) restatementGroupID(ctx context.Context, history []disclose.SubmissionObj) (int, error) {
	first := history[len(history)-1]
	if len(history) == 1 {
		return first.ID, nil
	}
	var groupID int
	err := r.db.QueryRow(ctx,
		`SELECT group_id FROM wis_restatement WHERE obj_id = $1 ORDER BY id LIMIT 1`,
		history[0].ID).Scan(&groupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, disclose.NewSubmissionError(disclose.ErrorTypeInternal,
				disclose.ErrCodeRestatementHistoryBroken,
				fmt.Sprintf("revision history of submission '%s' carries no restatement group", first.Name))
		}
		return 0, disclose.NewQueryError("failed to resolve restatement group", err)
	}
	return groupID, nil
}

// resolveRestatementRow resolves the physical row a path addresses. The
// path head names the innermost form, so only one table is ever queried:
// outer segments exist for value-tree navigation, not for row lookup.
func (r *RevisionManager) resolveRestatementRow(ctx context.Context, submissionID int, root *disclose.TableDef, path *disclose.AttributePath) (int, error) {
	td, err := r.pathTableDef(root, path)
	if err != nil {
		return 0, err
	}
	if td.Column(path.Attribute) == nil {
		return 0, disclose.NewColumnNotFoundError(path.Attribute)
	}

	ft, ok := r.cache.FormTable(td.Name)
	if !ok {
		return 0, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("form table '%s' not found", td.Name))
	}

	sql := fmt.Sprintf(`SELECT id FROM %s WHERE obj_id = $1`, ft.Name)
	args := []any{submissionID}
	index := path.Choice.Index
	if path.Choice.Field != "" && path.Choice.Value != nil {
		sql += fmt.Sprintf(` AND %s = $2`, path.Choice.Field)
		args = append(args, *path.Choice.Value)
	}
	// Rows must come back in the order the assembled tree presents them,
	// or the path index would address a different physical row.
	if td.Heritable {
		sql += ` ORDER BY value_id DESC, id`
	} else {
		sql += ` ORDER BY id`
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return 0, disclose.NewQueryError("failed to resolve restatement row", err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return 0, disclose.NewQueryError("failed to scan restatement row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, disclose.NewQueryError("failed to read restatement rows", err)
	}
	if len(ids) == 0 {
		return 0, disclose.NewPathResolutionError(disclose.ErrCodePathRowNotFound,
			fmt.Sprintf("cannot create a revision on empty attribute '%s'", path.Attribute))
	}
	if index >= len(ids) {
		return 0, disclose.NewPathResolutionError(disclose.ErrCodePathIndexOutRange,
			fmt.Sprintf("row index %d out of range for attribute '%s' (%d rows)", index, path.Attribute, len(ids)))
	}
	return ids[index], nil
}

// pathTableDef resolves the table definition the path head lives in: the
// root form itself, or the sub-form a column of that name points to.
func (r *RevisionManager) pathTableDef(root *disclose.TableDef, path *disclose.AttributePath) (*disclose.TableDef, error) {
	if path.Form == "" || path.Form == root.Name {
		return root, nil
	}
	col := r.columnAnywhere(path.Form)
	if col == nil || !col.AttributeType.RecursesIntoForm() {
		return nil, disclose.NewPathResolutionError(disclose.ErrCodePathFormNotFound,
			fmt.Sprintf("form '%s' not found", path.Form))
	}
	sub, ok := r.cache.TableDefByID(col.AttributeTypeID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("no table definition behind form '%s'", path.Form))
	}
	return sub, nil
}

// columnAnywhere finds a column definition by name across every form.
func (r *RevisionManager) columnAnywhere(name string) *disclose.ColumnDef {
	for _, td := range r.cache.TableDefs() {
		if col := td.Column(name); col != nil {
			return col
		}
	}
	return nil
}

func (r *RevisionManager) insertRestatement(ctx context.Context, rs *disclose.Restatement) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO wis_restatement (obj_id, group_id, attribute_name, attribute_row, reason_for_restatement, data_source, reporting_datetime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		rs.ObjID, rs.GroupID, rs.AttributeName, rs.AttributeRow, rs.Reason,
		rs.DataSource, rs.ReportingDatetime).Scan(&rs.ID)
	if err != nil {
		return disclose.NewQueryError("failed to insert restatement", err)
	}
	return nil
}

// resetRevisionFlags marks the new revision active and checked out and
// clears every other revision's flags.
func (r *RevisionManager) resetRevisionFlags(ctx context.Context, history []disclose.SubmissionObj, newestID, userID int) error {
	now := time.Now()
	for i := range history {
		obj := &history[i]
		if obj.ID == newestID {
			_, err := r.db.Exec(ctx,
				`UPDATE wis_obj SET active = true, checked_out = true, checked_out_on = $1, user_id = $2 WHERE id = $3`,
				now, userID, obj.ID)
			if err != nil {
				return disclose.NewQueryError("failed to flag newest revision", err)
			}
			continue
		}
		_, err := r.db.Exec(ctx,
			`UPDATE wis_obj SET active = false, checked_out = false, checked_out_on = NULL, user_id = NULL WHERE id = $1`,
			obj.ID)
		if err != nil {
			return disclose.NewQueryError("failed to clear revision flags", err)
		}
	}
	return nil
}

// Rollback deactivates the active revision and reactivates the one
// before it. The deactivated revision stays in the history.
func (r *RevisionManager) Rollback(ctx context.Context, name string) (*disclose.SubmissionObj, error) {
	history, err := r.manager.RevisionHistory(ctx, name)
	if err != nil {
		return nil, err
	}

	activeIdx := -1
	for i := range history {
		if history[i].Active {
			activeIdx = i
			break
		}
	}
	if activeIdx == -1 {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeActiveNotFound,
			fmt.Sprintf("submission '%s' has no active revision", name))
	}
	if activeIdx+1 >= len(history) {
		return nil, disclose.NewNotFoundError(disclose.ErrCodePreviousActiveNotFound,
			fmt.Sprintf("submission '%s' has no earlier revision to roll back to", name))
	}
	active := &history[activeIdx]
	previous := &history[activeIdx+1]

	if _, err := r.db.Exec(ctx,
		`UPDATE wis_obj SET active = false WHERE id = $1`, active.ID); err != nil {
		return nil, disclose.NewQueryError("failed to deactivate revision", err)
	}
	if _, err := r.db.Exec(ctx,
		`UPDATE wis_obj SET active = true WHERE id = $1`, previous.ID); err != nil {
		// Restore the flag we already cleared so the history keeps an
		// active member.
		if _, restoreErr := r.db.Exec(ctx,
			`UPDATE wis_obj SET active = true WHERE id = $1`, active.ID); restoreErr != nil {
			zap.S().Errorw("failed to restore active flag after rollback failure",
				"submission", name, "obj_id", active.ID, "error", restoreErr)
		}
		return nil, disclose.NewQueryError("failed to activate previous revision", err)
	}
	active.Active = false
	previous.Active = true

	if err := r.manager.SaveAggregate(ctx, active.ID); err != nil {
		return nil, err
	}
	if err := r.manager.SaveAggregate(ctx, previous.ID); err != nil {
		return nil, err
	}
	zap.S().Infow("revision rolled back",
		"submission", name, "from_revision", active.Revision, "to_revision", previous.Revision)
	return previous, nil
}

// Restatements lists the audit trail of a restatement group, oldest
// first.
func (r *RevisionManager) Restatements(ctx context.Context, groupID int) ([]disclose.Restatement, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, obj_id, group_id, attribute_name, attribute_row, reason_for_restatement, data_source, reporting_datetime
		 FROM wis_restatement WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, disclose.NewQueryError("failed to load restatements", err)
	}
	defer rows.Close()
	var out []disclose.Restatement
	for rows.Next() {
		var rs disclose.Restatement
		var dataSource *string
		if err := rows.Scan(&rs.ID, &rs.ObjID, &rs.GroupID, &rs.AttributeName,
			&rs.AttributeRow, &rs.Reason, &dataSource, &rs.ReportingDatetime); err != nil {
			return nil, disclose.NewQueryError("failed to scan restatement", err)
		}
		if dataSource != nil {
			rs.DataSource = *dataSource
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, disclose.NewQueryError("failed to read restatements", err)
	}
	return out, nil
}

// reportingDatetime picks the restatement timestamp: the request's value
// wins, otherwise the submission's reporting_datetime field.
func reportingDatetime(model *disclose.RevisionUpdate, values map[string]any) *time.Time {
	if model.ReportingDatetime != nil {
		return model.ReportingDatetime
	}
	if text, ok := values["reporting_datetime"].(string); ok && text != "" {
		if parsed, err := parseDatetime(text); err == nil {
			return &parsed
		}
	}
	return nil
}
