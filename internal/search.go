package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/netzero-data/disclose"
)

// SearchResult is one row of a submission search: the submission-level
// metadata joined from the object and organization tables.
type SearchResult struct {
	ObjID         int    `json:"obj_id"`
	LegalName     string `json:"legal_name"`
	LEI           string `json:"lei"`
	NzID          int    `json:"nz_id"`
	Jurisdiction  string `json:"jurisdiction"`
	ReportingYear int    `json:"reporting_year"`
	DataModel     string `json:"data_model"`
	SicsSector    string `json:"sics_sector"`
	SicsSubSector string `json:"sics_sub_sector"`
	SicsIndustry  string `json:"sics_industry"`
}

// SearchPage is one page of search results plus the unpaged total.
type SearchPage struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
}

// QueryTransformer turns a search request into one SQL statement over
// the root form table. Sort keys may be plain metadata fields or
// attribute paths into heritable sub-forms; the latter become correlated
// scalar subqueries so a nested value can order the outer rows.
type QueryTransformer struct {
	db    DB
	cache *CoreCache
}

// NewQueryTransformer creates a QueryTransformer.
func NewQueryTransformer(db DB, cache *CoreCache) *QueryTransformer {
	return &QueryTransformer{db: db, cache: cache}
}

// metaSortFields are the sortable submission-level fields and the
// qualified expression each maps to.
var metaSortFields = map[string]string{
	"legal_name":      "o.legal_name",
	"lei":             "o.lei",
	"nz_id":           "o.nz_id",
	"jurisdiction":    "o.jurisdiction",
	"reporting_year":  "f.reporting_year",
	"data_model":      "f.data_model",
	"sics_sector":     "o.sics_sector",
	"sics_sub_sector": "o.sics_sub_sector",
	"sics_industry":   "o.sics_industry",
}

// Search runs a metadata-filtered, optionally nested-sorted submission
// search against one published form.
func (t *QueryTransformer) Search(ctx context.Context, tableViewID int, query *disclose.SearchQuery) (*SearchPage, error) {
	tv, ok := t.cache.TableView(tableViewID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSchemaNotFound,
			fmt.Sprintf("table view %d not found", tableViewID))
	}
	td, ok := t.cache.TableDefByID(tv.TableDefID)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeSchemaNotFound,
			fmt.Sprintf("table definition %d not found", tv.TableDefID))
	}
	ft, ok := t.cache.FormTable(td.Name)
	if !ok {
		return nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("form table '%s' not found", td.Name))
	}

	var args []any
	where, args := t.buildFilters(tableViewID, query, args)

	orderBy, args, err := t.buildSort(td, query.Sort, args)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf(
		`FROM %s f
		 JOIN wis_obj o ON f.obj_id = o.id
		 JOIN wis_organization org ON org.nz_id = o.nz_id
		 WHERE %s`, ft.Name, strings.Join(where, " AND "))

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(
		`SELECT f.obj_id, org.legal_name, o.lei, o.nz_id, org.jurisdiction,
		        f.reporting_year, f.data_model, org.sics_sector, org.sics_sub_sector, org.sics_industry,
		        (SELECT COUNT(*) %s) AS total
		 %s%s OFFSET $%d LIMIT $%d`,
		base, base, orderBy, len(args)+1, len(args)+2)
	args = append(args, query.Offset, limit)

	rows, err := t.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, disclose.NewQueryError("search query failed", err)
	}
	defer rows.Close()

	page := &SearchPage{Offset: query.Offset, Limit: limit}
	for rows.Next() {
		var r SearchResult
		// pgtype.Text keeps NULL metadata columns as empty strings.
		var legalName, lei, jurisdiction, dataModel, sector, subSector, industry pgtype.Text
		if err := rows.Scan(&r.ObjID, &legalName, &lei, &r.NzID, &jurisdiction,
			&r.ReportingYear, &dataModel, &sector, &subSector, &industry, &page.Total); err != nil {
			return nil, disclose.NewQueryError("failed to scan search result", err)
		}
		r.LegalName = legalName.String
		r.LEI = lei.String
		r.Jurisdiction = jurisdiction.String
		r.DataModel = dataModel.String
		r.SicsSector = sector.String
		r.SicsSubSector = subSector.String
		r.SicsIndustry = industry.String
		page.Results = append(page.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, disclose.NewQueryError("failed to read search results", err)
	}
	return page, nil
}

// buildFilters renders the WHERE conditions: the default scoping filters
// plus one IN-list per populated metadata filter.
func (t *QueryTransformer) buildFilters(tableViewID int, query *disclose.SearchQuery, args []any) ([]string, []any) {
	where := []string{"o.active"}
	where = append(where, fmt.Sprintf("o.table_view_id = $%d", len(args)+1))
	args = append(args, tableViewID)

	addIn := func(expr string, values []any) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, v)
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", expr, strings.Join(placeholders, ", ")))
	}

	addIn("f.obj_id", anySlice(query.IDs))
	addIn("org.jurisdiction", anySlice(query.Meta.Jurisdiction))
	addIn("f.reporting_year", anySlice(query.Meta.ReportingYear))
	addIn("f.data_model", anySlice(query.Meta.DataModel))
	addIn("org.sics_sector", anySlice(query.Meta.SicsSector))
	addIn("org.sics_sub_sector", anySlice(query.Meta.SicsSubSector))
	addIn("org.sics_industry", anySlice(query.Meta.SicsIndustry))
	return where, args
}

func anySlice[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// buildSort renders the ORDER BY clause. A plain field sorts on its
// joined column; an attribute path sorts on a correlated subquery into
// the addressed sub-form table. Missing values always sort last.
func (t *QueryTransformer) buildSort(td *disclose.TableDef, sorts []disclose.SearchSort, args []any) (string, []any, error) {
	if len(sorts) == 0 {
		return " ORDER BY f.obj_id", args, nil
	}
	exprs := make([]string, 0, len(sorts))
	for _, sort := range sorts {
		order := disclose.SortOrderAsc
		if sort.Order == disclose.SortOrderDesc {
			order = disclose.SortOrderDesc
		}

		if expr, ok := metaSortFields[sort.Field]; ok {
			exprs = append(exprs, fmt.Sprintf("%s %s", expr, order))
			continue
		}

		sub, newArgs, err := t.nestedSortSubquery(td, sort.Field, args)
		if err != nil {
			return "", nil, err
		}
		args = newArgs
		// Rows lacking the attribute sort as the smallest value in
		// either direction.
		nulls := "NULLS FIRST"
		if order == disclose.SortOrderDesc {
			nulls = "NULLS LAST"
		}
		exprs = append(exprs, fmt.Sprintf("(%s) %s %s", sub, order, nulls))
	}
	return " ORDER BY " + strings.Join(exprs, ", "), args, nil
}

// nestedSortSubquery renders a correlated scalar subquery selecting the
// attribute a path addresses for each outer submission row.
func (t *QueryTransformer) nestedSortSubquery(root *disclose.TableDef, field string, args []any) (string, []any, error) {
	path, err := disclose.ParseAttributePath(field)
	if err != nil {
		return "", nil, err
	}
	// The head names the innermost form. Only one form level below the
	// root is sortable; deeper chains would need one join per level.
	if path.SubPath != nil {
		if path.SubPath.SubPath != nil || path.SubPath.Form != root.Name {
			return "", nil, disclose.NewPathResolutionError(disclose.ErrCodePathMalformed,
				fmt.Sprintf("sort field '%s' nests too deeply; only one form level is supported", field))
		}
	}

	// A bare attribute or a path through the root form name sorts on the
	// root table itself.
	td := root
	if path.Form != "" && path.Form != root.Name {
		col := root.Column(path.Form)
		if col == nil || !col.AttributeType.RecursesIntoForm() {
			return "", nil, disclose.NewPathResolutionError(disclose.ErrCodePathFormNotFound,
				fmt.Sprintf("sort form '%s' not found on '%s'", path.Form, root.Name))
		}
		sub, ok := t.cache.TableDefByID(col.AttributeTypeID)
		if !ok {
			return "", nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
				fmt.Sprintf("no table definition behind form '%s'", path.Form))
		}
		td = sub
	}

	attr := td.Column(path.Attribute)
	if attr == nil {
		return "", nil, disclose.NewColumnNotFoundError(path.Attribute)
	}
	ft, ok := t.cache.FormTable(td.Name)
	if !ok {
		return "", nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("form table '%s' not found", td.Name))
	}

	attrExpr := path.Attribute
	if attr.AttributeType.CompositeType() != "" {
		attrExpr = fmt.Sprintf("(%s).value", path.Attribute)
	}

	sub := fmt.Sprintf(
		`SELECT s.%s FROM %s s WHERE s.obj_id = f.obj_id AND s.%s IS NOT NULL`,
		attrExpr, ft.Name, attrExpr)
	if path.Choice.Field != "" && path.Choice.Value != nil {
		sub += fmt.Sprintf(" AND s.%s = $%d", path.Choice.Field, len(args)+1)
		args = append(args, *path.Choice.Value)
	}
	sub += " ORDER BY s.id LIMIT 1"
	return sub, args, nil
}
