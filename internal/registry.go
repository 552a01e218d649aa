package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
)

// FormTable is the physical-table handle derived from a table definition:
// the relational table name plus its full column list in declared order.
type FormTable struct {
	Name    string
	Def     *disclose.TableDef
	Columns []string
}

// snapshot is one immutable view of the schema metadata. Readers always
// see a whole snapshot; Refresh builds a new one and swaps it in.
type snapshot struct {
	tableDefs       map[int]*disclose.TableDef
	tableDefsByName map[string]*disclose.TableDef
	columnsByID     map[int]*disclose.ColumnDef
	columnsByName   map[string]*disclose.ColumnDef
	choices         map[int]disclose.Choice
	choicesBySet    map[int][]disclose.Choice
	prompts         map[int][]disclose.AttributePrompt
	organizations   map[int]disclose.Organization
	tableViews      map[int]disclose.TableView
	formTables      map[string]*FormTable
}

// CoreCache caches the full form schema metadata in memory. All engines
// read schema information through it; a submission load never touches
// the metadata tables.
type CoreCache struct {
	db DB

	mu   sync.RWMutex
	snap *snapshot
}

// NewCoreCache creates an empty cache; call Refresh before first use.
func NewCoreCache(db DB) *CoreCache {
	return &CoreCache{db: db, snap: emptySnapshot()}
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tableDefs:       make(map[int]*disclose.TableDef),
		tableDefsByName: make(map[string]*disclose.TableDef),
		columnsByID:     make(map[int]*disclose.ColumnDef),
		columnsByName:   make(map[string]*disclose.ColumnDef),
		choices:         make(map[int]disclose.Choice),
		choicesBySet:    make(map[int][]disclose.Choice),
		prompts:         make(map[int][]disclose.AttributePrompt),
		organizations:   make(map[int]disclose.Organization),
		tableViews:      make(map[int]disclose.TableView),
		formTables:      make(map[string]*FormTable),
	}
}

// Refresh reloads all schema metadata and atomically swaps the cached
// snapshot. Concurrent readers keep the previous snapshot until the swap.
func (c *CoreCache) Refresh(ctx context.Context) error {
	snap := emptySnapshot()

	if err := c.loadChoices(ctx, snap); err != nil {
		return err
	}
	if err := c.loadPrompts(ctx, snap); err != nil {
		return err
	}
	views, err := c.loadColumnViews(ctx)
	if err != nil {
		return err
	}
	if err := c.loadTableDefs(ctx, snap); err != nil {
		return err
	}
	if err := c.loadColumnDefs(ctx, snap, views); err != nil {
		return err
	}
	if err := c.loadTableViews(ctx, snap); err != nil {
		return err
	}
	if err := c.loadOrganizations(ctx, snap); err != nil {
		return err
	}
	buildFormTables(snap)

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	zap.S().Infow("schema cache refreshed",
		"table_defs", len(snap.tableDefs),
		"columns", len(snap.columnsByID),
		"choices", len(snap.choices),
		"organizations", len(snap.organizations))
	return nil
}

func (c *CoreCache) loadTableDefs(ctx context.Context, snap *snapshot) error {
	rows, err := c.db.Query(ctx,
		`SELECT id, name, heritable FROM wis_table_def ORDER BY id`)
	if err != nil {
		return disclose.NewQueryError("failed to load table definitions", err)
	}
	defer rows.Close()
	for rows.Next() {
		td := &disclose.TableDef{}
		if err := rows.Scan(&td.ID, &td.Name, &td.Heritable); err != nil {
			return disclose.NewQueryError("failed to scan table definition", err)
		}
		snap.tableDefs[td.ID] = td
		snap.tableDefsByName[td.Name] = td
	}
	return rows.Err()
}

func (c *CoreCache) loadColumnDefs(ctx context.Context, snap *snapshot, views map[int][]disclose.ColumnView) error {
	rows, err := c.db.Query(ctx,
		`SELECT id, table_def_id, name, attribute_type, attribute_type_id, choice_set_id
		 FROM wis_column_def ORDER BY table_def_id, id`)
	if err != nil {
		return disclose.NewQueryError("failed to load column definitions", err)
	}
	defer rows.Close()
	byTableDef := make(map[int][]disclose.ColumnDef)
	for rows.Next() {
		var col disclose.ColumnDef
		var attrTypeID, choiceSetID *int
		if err := rows.Scan(&col.ID, &col.TableDefID, &col.Name,
			&col.AttributeType, &attrTypeID, &choiceSetID); err != nil {
			return disclose.NewQueryError("failed to scan column definition", err)
		}
		if attrTypeID != nil {
			col.AttributeTypeID = *attrTypeID
		}
		if choiceSetID != nil {
			col.ChoiceSetID = *choiceSetID
			col.Choices = snap.choicesBySet[*choiceSetID]
		}
		col.Prompts = snap.prompts[col.ID]
		col.Views = views[col.ID]
		byTableDef[col.TableDefID] = append(byTableDef[col.TableDefID], col)
	}
	if err := rows.Err(); err != nil {
		return disclose.NewQueryError("failed to read column definitions", err)
	}
	for tableDefID, cols := range byTableDef {
		td, ok := snap.tableDefs[tableDefID]
		if !ok {
			zap.S().Warnw("columns reference unknown table def",
				"table_def_id", tableDefID, "columns", len(cols))
			continue
		}
		td.Columns = cols
		for i := range td.Columns {
			snap.columnsByID[td.Columns[i].ID] = &td.Columns[i]
			snap.columnsByName[td.Columns[i].Name] = &td.Columns[i]
		}
	}
	return nil
}

func (c *CoreCache) loadChoices(ctx context.Context, snap *snapshot) error {
	rows, err := c.db.Query(ctx,
		`SELECT id, choice_id, set_id, value FROM wis_choice ORDER BY set_id, id`)
	if err != nil {
		return disclose.NewQueryError("failed to load choices", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ch disclose.Choice
		if err := rows.Scan(&ch.ID, &ch.ChoiceID, &ch.SetID, &ch.Value); err != nil {
			return disclose.NewQueryError("failed to scan choice", err)
		}
		snap.choices[ch.ID] = ch
		snap.choicesBySet[ch.SetID] = append(snap.choicesBySet[ch.SetID], ch)
	}
	return rows.Err()
}

func (c *CoreCache) loadPrompts(ctx context.Context, snap *snapshot) error {
	rows, err := c.db.Query(ctx,
		`SELECT id, column_def_id, value FROM wis_attribute_prompt ORDER BY id`)
	if err != nil {
		return disclose.NewQueryError("failed to load attribute prompts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p disclose.AttributePrompt
		if err := rows.Scan(&p.ID, &p.ColumnDefID, &p.Value); err != nil {
			return disclose.NewQueryError("failed to scan attribute prompt", err)
		}
		snap.prompts[p.ColumnDefID] = append(snap.prompts[p.ColumnDefID], p)
	}
	return rows.Err()
}

func (c *CoreCache) loadColumnViews(ctx context.Context) (map[int][]disclose.ColumnView, error) {
	rows, err := c.db.Query(ctx,
		`SELECT id, column_def_id, constraint_value, constraint_view
		 FROM wis_column_view ORDER BY id`)
	if err != nil {
		return nil, disclose.NewQueryError("failed to load column views", err)
	}
	defer rows.Close()
	views := make(map[int][]disclose.ColumnView)
	for rows.Next() {
		var cv disclose.ColumnView
		var constraintValue, constraintView []byte
		if err := rows.Scan(&cv.ID, &cv.ColumnDefID, &constraintValue, &constraintView); err != nil {
			return nil, disclose.NewQueryError("failed to scan column view", err)
		}
		if len(constraintValue) > 0 {
			if err := json.Unmarshal(constraintValue, &cv.ConstraintValue); err != nil {
				return nil, disclose.NewInternalError(
					fmt.Sprintf("malformed constraint_value on column view %d", cv.ID), err)
			}
		}
		if len(constraintView) > 0 {
			if err := json.Unmarshal(constraintView, &cv.ConstraintView); err != nil {
				return nil, disclose.NewInternalError(
					fmt.Sprintf("malformed constraint_view on column view %d", cv.ID), err)
			}
		}
		views[cv.ColumnDefID] = append(views[cv.ColumnDefID], cv)
	}
	return views, rows.Err()
}

func (c *CoreCache) loadTableViews(ctx context.Context, snap *snapshot) error {
	rows, err := c.db.Query(ctx,
		`SELECT id, table_def_id, name, active FROM wis_table_view ORDER BY id`)
	if err != nil {
		return disclose.NewQueryError("failed to load table views", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tv disclose.TableView
		if err := rows.Scan(&tv.ID, &tv.TableDefID, &tv.Name, &tv.Active); err != nil {
			return disclose.NewQueryError("failed to scan table view", err)
		}
		snap.tableViews[tv.ID] = tv
	}
	return rows.Err()
}

func (c *CoreCache) loadOrganizations(ctx context.Context, snap *snapshot) error {
	rows, err := c.db.Query(ctx,
		`SELECT nz_id, lei, legal_name, jurisdiction, sics_sector, sics_sub_sector, sics_industry
		 FROM wis_organization ORDER BY nz_id`)
	if err != nil {
		return disclose.NewQueryError("failed to load organizations", err)
	}
	defer rows.Close()
	for rows.Next() {
		var org disclose.Organization
		if err := rows.Scan(&org.NzID, &org.LEI, &org.LegalName, &org.Jurisdiction,
			&org.SicsSector, &org.SicsSubSector, &org.SicsIndustry); err != nil {
			return disclose.NewQueryError("failed to scan organization", err)
		}
		snap.organizations[org.NzID] = org
	}
	return rows.Err()
}

// buildFormTables derives the physical-table handle for every table def:
// bookkeeping columns first, then declared columns in definition order.
func buildFormTables(snap *snapshot) {
	for _, td := range snap.tableDefs {
		columns := []string{"id", "obj_id"}
		if td.Heritable {
			columns = append(columns, "value_id")
		}
		for i := range td.Columns {
			columns = append(columns, td.Columns[i].Name)
		}
		snap.formTables[td.Name] = &FormTable{
			Name:    td.PhysicalName(),
			Def:     td,
			Columns: columns,
		}
	}
}

func (c *CoreCache) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// TableDefByID returns a table definition by id.
func (c *CoreCache) TableDefByID(id int) (*disclose.TableDef, bool) {
	td, ok := c.current().tableDefs[id]
	return td, ok
}

// TableDefByName returns a table definition by form name.
func (c *CoreCache) TableDefByName(name string) (*disclose.TableDef, bool) {
	td, ok := c.current().tableDefsByName[name]
	return td, ok
}

// TableDefs returns all table definitions keyed by id.
func (c *CoreCache) TableDefs() map[int]*disclose.TableDef {
	return c.current().tableDefs
}

// ColumnDefByID returns a column definition by id.
func (c *CoreCache) ColumnDefByID(id int) (*disclose.ColumnDef, bool) {
	col, ok := c.current().columnsByID[id]
	return col, ok
}

// ColumnDefByName returns a column definition by attribute name. Names
// are not unique across forms; use TableDefByName(...).Column(...) for a
// form-scoped lookup.
func (c *CoreCache) ColumnDefByName(name string) (*disclose.ColumnDef, bool) {
	col, ok := c.current().columnsByName[name]
	return col, ok
}

// ChoiceByID returns one choice row by primary key.
func (c *CoreCache) ChoiceByID(id int) (disclose.Choice, bool) {
	ch, ok := c.current().choices[id]
	return ch, ok
}

// ChoicesBySet returns the choices of one choice set, in id order.
func (c *CoreCache) ChoicesBySet(setID int) []disclose.Choice {
	return c.current().choicesBySet[setID]
}

// Prompts returns the prompts declared for a column.
func (c *CoreCache) Prompts(columnDefID int) []disclose.AttributePrompt {
	return c.current().prompts[columnDefID]
}

// Organization returns an organization by nz_id.
func (c *CoreCache) Organization(nzID int) (disclose.Organization, bool) {
	org, ok := c.current().organizations[nzID]
	return org, ok
}

// TableView returns a table view by id.
func (c *CoreCache) TableView(id int) (disclose.TableView, bool) {
	tv, ok := c.current().tableViews[id]
	return tv, ok
}

// TableViews returns all table views keyed by id.
func (c *CoreCache) TableViews() map[int]disclose.TableView {
	return c.current().tableViews
}

// FormTable returns the physical-table handle for a form name.
func (c *CoreCache) FormTable(name string) (*FormTable, bool) {
	ft, ok := c.current().formTables[name]
	return ft, ok
}
