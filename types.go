package disclose

import (
	"time"
)

// AttributeType enumerates the supported field types of a form schema.
// FORM, FORM_OR_NULL and MULTIPLE reference a nested table definition;
// SINGLE and MULTIPLE reference a choice set. The *_OR_NULL scalar
// variants are persisted as composite (value, state) columns so an
// explicitly withheld value stays distinguishable from a missing one.
type AttributeType string

const (
	AttributeTypeLabel       AttributeType = "label"
	AttributeTypeText        AttributeType = "text"
	AttributeTypeBool        AttributeType = "bool"
	AttributeTypeInt         AttributeType = "int"
	AttributeTypeFloat       AttributeType = "float"
	AttributeTypeDatetime    AttributeType = "datetime"
	AttributeTypeSingle      AttributeType = "single"
	AttributeTypeMultiple    AttributeType = "multiple"
	AttributeTypeForm        AttributeType = "form"
	AttributeTypeIntOrNull   AttributeType = "int_or_null"
	AttributeTypeTextOrNull  AttributeType = "text_or_null"
	AttributeTypeFloatOrNull AttributeType = "float_or_null"
	AttributeTypeFormOrNull  AttributeType = "form_or_null"
	AttributeTypeBoolOrNull  AttributeType = "bool_or_null"
)

// RecursesIntoForm reports whether values of this type reference rows in
// a nested form table.
func (t AttributeType) RecursesIntoForm() bool {
	switch t {
	case AttributeTypeForm, AttributeTypeFormOrNull, AttributeTypeMultiple:
		return true
	}
	return false
}

// CompositeType returns the Postgres composite type a column of this
// attribute type is stored as, or "" for plain columns.
func (t AttributeType) CompositeType() CompositeType {
	switch t {
	case AttributeTypeIntOrNull:
		return CompositeIntOrNull
	case AttributeTypeTextOrNull:
		return CompositeTextOrNull
	case AttributeTypeFloatOrNull:
		return CompositeFloatOrNull
	case AttributeTypeFormOrNull:
		return CompositeFormOrNull
	case AttributeTypeBoolOrNull:
		return CompositeBoolOrNull
	}
	return ""
}

// CompositeType names one of the custom (value, state) Postgres types.
type CompositeType string

const (
	CompositeIntOrNull   CompositeType = "int_or_null"
	CompositeTextOrNull  CompositeType = "text_or_null"
	CompositeFloatOrNull CompositeType = "float_or_null"
	CompositeFormOrNull  CompositeType = "form_or_null"
	CompositeBoolOrNull  CompositeType = "bool_or_null"
	CompositeNullEnum    CompositeType = "null_type_enum"
)

// NullState is the explicit "intentionally blank" marker stored in the
// state half of a composite column.
type NullState string

const (
	NullStateDash          NullState = "-"
	NullStateLongDash      NullState = "—"
	NullStateNotApplicable NullState = "N/A"
)

// NullStates lists every recognized null-sentinel value.
func NullStates() []NullState {
	return []NullState{NullStateDash, NullStateLongDash, NullStateNotApplicable}
}

// IsNullState reports whether v equals one of the null sentinels.
func IsNullState(v any) bool {
	s, ok := v.(string)
	if !ok {
		ns, isState := v.(NullState)
		if !isState {
			return false
		}
		s = string(ns)
	}
	for _, state := range NullStates() {
		if s == string(state) {
			return true
		}
	}
	return false
}

// IDFields are the bookkeeping columns present on every physical form
// table; they are never treated as business attributes.
var IDFields = map[string]struct{}{
	"id":       {},
	"obj_id":   {},
	"value_id": {},
}

// TableDef is one form (or sub-form) definition. Heritable forms may
// hold several rows per parent occurrence, grouped by value_id.
type TableDef struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	Heritable bool        `json:"heritable"`
	Columns   []ColumnDef `json:"columns"`
}

// PhysicalName is the name of the relational table backing this form.
func (td *TableDef) PhysicalName() string {
	if td.Heritable {
		return td.Name + "_heritable"
	}
	return td.Name
}

// Column returns the column definition with the given name, or nil.
func (td *TableDef) Column(name string) *ColumnDef {
	for i := range td.Columns {
		if td.Columns[i].Name == name {
			return &td.Columns[i]
		}
	}
	return nil
}

// ColumnDef is one field definition inside a form.
type ColumnDef struct {
	ID              int               `json:"id"`
	TableDefID      int               `json:"table_def_id"`
	Name            string            `json:"name"`
	AttributeType   AttributeType     `json:"attribute_type"`
	AttributeTypeID int               `json:"attribute_type_id,omitempty"`
	ChoiceSetID     int               `json:"choice_set_id,omitempty"`
	Prompts         []AttributePrompt `json:"prompts,omitempty"`
	Choices         []Choice          `json:"choices,omitempty"`
	Views           []ColumnView      `json:"views,omitempty"`
}

// AttributePrompt is a human-readable label template for a column. A
// "{tag}" placeholder is interpolated from a sibling choice field at
// reconstruction time.
type AttributePrompt struct {
	ID          int    `json:"id"`
	ColumnDefID int    `json:"column_def_id"`
	Value       string `json:"value"`
}

// Choice is one entry of a choice set.
type Choice struct {
	ID       int    `json:"id"`
	ChoiceID int    `json:"choice_id"`
	SetID    int    `json:"set_id"`
	Value    string `json:"value"`
}

// ColumnView carries the per-column constraints: a list of
// condition/action rules (required, min, max, format) in ConstraintValue
// and an optional conditional show/hide rule in ConstraintView.
type ColumnView struct {
	ID              int             `json:"id"`
	ColumnDefID     int             `json:"column_def_id"`
	ConstraintValue []Constraint    `json:"constraint_value,omitempty"`
	ConstraintView  *ConstraintView `json:"constraint_view,omitempty"`
}

// Constraint is one condition/action constraint rule.
type Constraint struct {
	Conditions []ConstraintRule `json:"conditions,omitempty"`
	Actions    []ConstraintRule `json:"actions,omitempty"`
}

// ConstraintRule wraps the rule payload under its "set" key.
type ConstraintRule struct {
	Set map[string]any `json:"set"`
}

// RequiredConstraint returns the declared "required" flag of the first
// constraint action, or nil when the column declares none.
func (cv *ColumnView) RequiredConstraint() *bool {
	if cv == nil || len(cv.ConstraintValue) == 0 {
		return nil
	}
	constraint := cv.ConstraintValue[0]
	if len(constraint.Actions) == 0 {
		return nil
	}
	set := constraint.Actions[0].Set
	if set == nil {
		return nil
	}
	required, ok := set["required"].(bool)
	if !ok {
		return nil
	}
	return &required
}

// ConstraintViewEffect is the effect of a conditional prompt rule.
type ConstraintViewEffect string

const (
	ConstraintEffectShow ConstraintViewEffect = "SHOW"
	ConstraintEffectHide ConstraintViewEffect = "HIDE"
)

// ConstraintView is the rendering-rule half of a column view: the
// show/hide rule plus the choice-form metadata used for "{tag}" prompts.
type ConstraintView struct {
	Rule *ConstraintViewRule `json:"rule,omitempty"`
	Item *ConstraintViewItem `json:"item,omitempty"`
}

// ConstraintViewRule is a conditional show/hide rule on a sibling field.
type ConstraintViewRule struct {
	Effect     ConstraintViewEffect      `json:"effect"`
	Conditions []ConstraintViewCondition `json:"conditions,omitempty"`
}

// ConstraintViewCondition names the sibling field and the constant its
// value is compared to.
type ConstraintViewCondition struct {
	Name  string `json:"name"`
	Const any    `json:"const"`
}

// ConstraintViewItem carries additional per-form properties used for
// tag interpolation.
type ConstraintViewItem struct {
	OtherChoiceID       int    `json:"other_choice_id,omitempty"`
	NameAttributeSingle string `json:"name_attribute_single,omitempty"`
}

// TableView binds a published form schema to the table definition its
// submissions are stored against.
type TableView struct {
	ID         int    `json:"id"`
	TableDefID int    `json:"table_def_id"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
}

// Organization is the owning entity of submissions.
type Organization struct {
	NzID          int    `json:"nz_id"`
	LEI           string `json:"lei"`
	LegalName     string `json:"legal_name"`
	Jurisdiction  string `json:"jurisdiction"`
	SicsSector    string `json:"sics_sector"`
	SicsSubSector string `json:"sics_sub_sector"`
	SicsIndustry  string `json:"sics_industry"`
}

// SubmissionStatus tracks the lifecycle of a submission object.
type SubmissionStatus string

const (
	SubmissionStatusDraft     SubmissionStatus = "draft"
	SubmissionStatusPublished SubmissionStatus = "published"
)

// SubmissionObj is the identity row of one submission revision. The
// value tree itself lives in the per-form tables (and the aggregate
// cache), keyed by this row's id.
type SubmissionObj struct {
	ID           int              `json:"id"`
	Name         string           `json:"name"`
	Revision     int              `json:"revision"`
	Active       bool             `json:"active"`
	TableViewID  int              `json:"table_view_id"`
	CheckedOut   bool             `json:"checked_out"`
	CheckedOutOn *time.Time       `json:"checked_out_on,omitempty"`
	UserID       *int             `json:"user_id,omitempty"`
	SubmittedBy  int              `json:"submitted_by,omitempty"`
	DataSource   string           `json:"data_source,omitempty"`
	LEI          string           `json:"lei,omitempty"`
	NzID         int              `json:"nz_id"`
	Status       SubmissionStatus `json:"status,omitempty"`
}

// Submission is one fully materialized submission: the identity row
// plus the reconstructed value and unit trees.
type Submission struct {
	SubmissionObj
	Values map[string]any `json:"values"`
	Units  map[string]any `json:"units"`
}

// SubmissionCreate is the write-path input for a new submission.
type SubmissionCreate struct {
	TableViewID int              `json:"table_view_id"`
	Revision    int              `json:"revision"`
	NzID        int              `json:"nz_id"`
	DataSource  string           `json:"data_source,omitempty"`
	Status      SubmissionStatus `json:"status,omitempty"`
	Values      map[string]any   `json:"values"`
}

// Restatement is one audited, path-addressed edit. Restatements are
// append-only: later edits on the same path supersede, never mutate.
type Restatement struct {
	ID                int        `json:"id"`
	ObjID             int        `json:"obj_id"`
	GroupID           int        `json:"group_id"`
	AttributeName     string     `json:"attribute_name"`
	AttributeRow      int        `json:"attribute_row"`
	Reason            string     `json:"reason_for_restatement"`
	DataSource        string     `json:"data_source,omitempty"`
	ReportingDatetime *time.Time `json:"reporting_datetime,omitempty"`
}

// RestatementCreate is one (path, value, reason) edit in a revision
// request.
type RestatementCreate struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

// RevisionUpdate is the write-path input for a new revision.
type RevisionUpdate struct {
	GroupID           int                 `json:"group_id,omitempty"`
	DataSource        string              `json:"data_source,omitempty"`
	ReportingDatetime *time.Time          `json:"reporting_datetime,omitempty"`
	Restatements      []RestatementCreate `json:"restatements"`
}

// SortOrder defines sort direction in search queries.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "ASC"
	SortOrderDesc SortOrder = "DESC"
)

// SearchSort is one sort key: an attribute path string plus direction.
type SearchSort struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// SearchMeta carries the submission-level filters of a search query.
type SearchMeta struct {
	Jurisdiction  []string `json:"jurisdiction,omitempty"`
	ReportingYear []int    `json:"reporting_year,omitempty"`
	DataModel     []string `json:"data_model,omitempty"`
	SicsSector    []string `json:"sics_sector,omitempty"`
	SicsSubSector []string `json:"sics_sub_sector,omitempty"`
	SicsIndustry  []string `json:"sics_industry,omitempty"`
}

// SearchQuery is the search/sort request consumed by the query
// transformer.
type SearchQuery struct {
	Meta   SearchMeta   `json:"meta"`
	IDs    []int        `json:"ids,omitempty"`
	Sort   []SearchSort `json:"sort,omitempty"`
	Fields []string     `json:"fields,omitempty"`
	Offset int          `json:"offset,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

// AggregatedObjectView is one row of the aggregate cache: the whole
// materialized submission stored as an opaque JSON document.
type AggregatedObjectView struct {
	ID    int            `json:"id"`
	ObjID int            `json:"obj_id"`
	Data  map[string]any `json:"data"`
}
