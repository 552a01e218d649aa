package internal

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netzero-data/disclose"
)

// FormStorage holds raw form rows per physical table name, as fetched by
// the batch loader.
type FormStorage map[string][]map[string]any

// assembledRow links a row under construction to its enclosing form row,
// so tag interpolation and templated units can crawl outward.
type assembledRow struct {
	values map[string]any
	parent *assembledRow
}

// FormAssembler rebuilds nested value trees (and the parallel unit
// trees) from flat form rows. Fields are visited in declared column
// order so reconstruction is deterministic.
type FormAssembler struct {
	cache *CoreCache
	conv  *Converter
	units UnitResolver
}

// NewFormAssembler creates a FormAssembler. A nil resolver falls back to
// the registry-backed template resolver.
func NewFormAssembler(cache *CoreCache, units UnitResolver) *FormAssembler {
	if units == nil {
		units = NewTemplateUnitResolver(cache)
	}
	return &FormAssembler{cache: cache, conv: NewConverter(), units: units}
}

// Assemble reconstructs the value and unit trees of the primary form.
// The outer slices hold one entry per root row; a submission has exactly
// one.
func (a *FormAssembler) Assemble(primary *disclose.TableDef, storage FormStorage) ([]map[string]any, []map[string]any, error) {
	values, units, err := a.assembleForm(primary, storage, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return values, units, nil
}

// assembleForm builds every row of one form level whose value_id matches
// the parent's allocated form id (nil selects the root rows).
func (a *FormAssembler) assembleForm(td *disclose.TableDef, storage FormStorage, valueID any, parent *assembledRow) ([]map[string]any, []map[string]any, error) {
	raw := filterFormRows(storage[td.PhysicalName()], valueID)
	valueRows := make([]map[string]any, 0, len(raw))
	unitRows := make([]map[string]any, 0, len(raw))
	for _, source := range raw {
		node := &assembledRow{values: make(map[string]any, len(source)), parent: parent}
		units := make(map[string]any)
		for _, field := range formFieldOrder(td) {
			if _, present := source[field]; !present {
				continue
			}
			value, unit, err := a.fieldValue(td, field, source, node, storage)
			if err != nil {
				return nil, nil, err
			}
			node.values[field] = value
			if _, isID := disclose.IDFields[field]; !isID {
				units[field] = unit
			}
			a.setTag(field, node)
		}
		valueRows = append(valueRows, node.values)
		unitRows = append(unitRows, units)
	}
	return valueRows, unitRows, nil
}

// formFieldOrder lists the fields of a form row in declared order,
// bookkeeping columns first.
func formFieldOrder(td *disclose.TableDef) []string {
	order := make([]string, 0, len(td.Columns)+3)
	order = append(order, "id", "obj_id")
	if td.Heritable {
		order = append(order, "value_id")
	}
	for i := range td.Columns {
		order = append(order, td.Columns[i].Name)
	}
	return order
}

// filterFormRows selects the rows belonging to one parent occurrence.
func filterFormRows(rows []map[string]any, valueID any) []map[string]any {
	matched := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if sameFormID(row["value_id"], valueID) {
			matched = append(matched, row)
		}
	}
	return matched
}

func sameFormID(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := toIntLoose(a)
	bn, bok := toIntLoose(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

func (a *FormAssembler) fieldValue(td *disclose.TableDef, field string, source map[string]any, node *assembledRow, storage FormStorage) (any, any, error) {
	value := source[field]
	if _, isID := disclose.IDFields[field]; isID {
		return value, nil, nil
	}
	col := td.Column(field)
	if col == nil {
		return nil, nil, nil
	}

	switch col.AttributeType {
	case disclose.AttributeTypeBool, disclose.AttributeTypeBoolOrNull:
		value = coerceBool(value)
	case disclose.AttributeTypeText, disclose.AttributeTypeTextOrNull, disclose.AttributeTypeLabel:
		value = coerceText(value)
	case disclose.AttributeTypeDatetime:
		value = coerceDatetime(value)
	case disclose.AttributeTypeInt, disclose.AttributeTypeIntOrNull, disclose.AttributeTypeSingle:
		value = coerceInt(value)
	case disclose.AttributeTypeFloat, disclose.AttributeTypeFloatOrNull:
		value = coerceFloat(value)
	case disclose.AttributeTypeForm, disclose.AttributeTypeFormOrNull:
		return a.subForm(col, value, node, storage, false)
	case disclose.AttributeTypeMultiple:
		converted, _, err := a.subForm(col, value, node, storage, true)
		if err != nil {
			return nil, nil, err
		}
		value = converted
	}
	unit := a.units.ResolveUnit(field, node.values, parentValues(node))
	return value, unit, nil
}

// subForm descends into a nested form. A null-sentinel value passes
// through untouched; an absent sub-form comes back as nil.
func (a *FormAssembler) subForm(col *disclose.ColumnDef, value any, node *assembledRow, storage FormStorage, multiple bool) (any, any, error) {
	if disclose.IsNullState(value) {
		return value, nil, nil
	}
	sub, ok := a.cache.TableDefByID(col.AttributeTypeID)
	if !ok {
		return nil, nil, disclose.NewNotFoundError(disclose.ErrCodeFormTableNotFound,
			fmt.Sprintf("no table definition for sub-form column '%s'", col.Name))
	}
	valueRows, unitRows, err := a.assembleForm(sub, storage, value, node)
	if err != nil {
		return nil, nil, err
	}
	if len(valueRows) == 0 {
		return nil, nil, nil
	}
	if multiple {
		converted, err := a.conv.FormToMultiple(valueRows, col.Name)
		if err != nil {
			return nil, nil, err
		}
		return converted, nil, nil
	}
	return valueRows, unitRows, nil
}

func parentValues(node *assembledRow) map[string]any {
	if node.parent == nil {
		return nil
	}
	return node.parent.values
}

// setTag interpolates the field's prompt. A prompt without a "{tag}"
// placeholder is attached verbatim; a tagged prompt is filled from the
// tag field's choice (or "other" for the designated other-choice), and
// only attached when the column's show rule passes.
func (a *FormAssembler) setTag(field string, node *assembledRow) {
	col, ok := a.cache.ColumnDefByName(field)
	if !ok || len(col.Prompts) == 0 {
		return
	}
	prompt := col.Prompts[0]
	tagKey := promptTagKey(prompt.Value)
	if tagKey == "" {
		node.values[field+"_prompt"] = prompt.Value
		return
	}

	tagValue, present := node.values[tagKey]
	if !present {
		tagValue = crawlFormParents(node, tagKey)
	}
	if tagValue == nil || !isTruthy(tagValue) {
		zap.S().Debugw("no tag value found for prompt", "field", field, "tag_key", tagKey)
		return
	}

	tagCol, ok := a.cache.ColumnDefByName(tagKey)
	if !ok {
		return
	}
	tagTableDef, ok := a.cache.TableDefByID(tagCol.TableDefID)
	if !ok {
		return
	}
	otherChoiceID := otherChoiceIDFor(tagTableDef, tagKey)

	tagInt, _ := toIntLoose(tagValue)
	var choice *disclose.Choice
	for i := range tagCol.Choices {
		if tagCol.Choices[i].ChoiceID == tagInt {
			choice = &tagCol.Choices[i]
			break
		}
	}
	if choice == nil {
		zap.S().Debugw("tag value has no matching choice", "field", field, "tag_key", tagKey, "value", tagValue)
		return
	}
	mapped := choice.Value
	if choice.ID == otherChoiceID {
		mapped = "other"
	}
	if !promptShowRule(col, node.values) {
		return
	}
	node.values[field+"_prompt"] = strings.ReplaceAll(prompt.Value, "{"+tagKey+"}", mapped)
}

// promptTagKey extracts the single "{tag}" placeholder from a prompt,
// or "" when the prompt is untagged.
func promptTagKey(prompt string) string {
	start := strings.IndexByte(prompt, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(prompt[start:], '}')
	if end < 0 {
		return ""
	}
	return prompt[start+1 : start+end]
}

// otherChoiceIDFor finds the FORM column of the tag's table whose view
// names the tag as its single-choice attribute, and returns the choice
// id it designates as "other".
func otherChoiceIDFor(td *disclose.TableDef, tagKey string) int {
	for i := range td.Columns {
		col := &td.Columns[i]
		if col.AttributeType != disclose.AttributeTypeForm || len(col.Views) == 0 {
			continue
		}
		view := col.Views[0].ConstraintView
		if view == nil || view.Item == nil {
			continue
		}
		if view.Item.NameAttributeSingle == tagKey {
			return view.Item.OtherChoiceID
		}
	}
	return 0
}

// promptShowRule evaluates the column's conditional show/hide rule
// against the row assembled so far. Rows without the condition field
// default to shown.
func promptShowRule(col *disclose.ColumnDef, row map[string]any) bool {
	if len(col.Views) == 0 {
		return true
	}
	view := col.Views[0].ConstraintView
	if view == nil || view.Rule == nil || len(view.Rule.Conditions) == 0 {
		return true
	}
	condition := view.Rule.Conditions[0]
	value, present := row[condition.Name]
	if !present {
		return true
	}
	showRule := view.Rule.Effect == disclose.ConstraintEffectShow
	matches := sameConstValue(value, condition.Const)
	return !(showRule != matches)
}

func sameConstValue(a, b any) bool {
	if an, ok := toIntLoose(a); ok {
		if bn, ok := toIntLoose(b); ok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func crawlFormParents(node *assembledRow, tagKey string) any {
	for parent := node.parent; parent != nil; parent = parent.parent {
		if value, ok := parent.values[tagKey]; ok {
			return value
		}
	}
	return nil
}

// Scalar coercions: database scans and aggregate reads hand values over
// in several shapes; the tree always carries one canonical shape per
// type. Null sentinels pass through unchanged.

func coerceBool(value any) any {
	if value == nil || disclose.IsNullState(value) {
		return value
	}
	if b, ok := value.(bool); ok {
		return b
	}
	if n, ok := toInt(value); ok {
		return n != 0
	}
	return value
}

func coerceText(value any) any {
	if value == nil || disclose.IsNullState(value) {
		return value
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func coerceInt(value any) any {
	if value == nil || disclose.IsNullState(value) {
		return value
	}
	if n, ok := toInt(value); ok {
		return n
	}
	return value
}

func coerceFloat(value any) any {
	if value == nil || disclose.IsNullState(value) {
		return value
	}
	if f, ok := toFloat(value); ok {
		return f
	}
	return value
}

func coerceDatetime(value any) any {
	if t, ok := value.(time.Time); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return value
}

// TemplateUnitResolver resolves units from the "units" constraint action
// declared on a column view: a literal unit string, or a "{field}"
// template filled from the current row (falling back to the parent row).
type TemplateUnitResolver struct {
	cache *CoreCache
}

// NewTemplateUnitResolver creates the registry-backed unit resolver.
func NewTemplateUnitResolver(cache *CoreCache) *TemplateUnitResolver {
	return &TemplateUnitResolver{cache: cache}
}

// ResolveUnit implements UnitResolver.
func (r *TemplateUnitResolver) ResolveUnit(attribute string, row map[string]any, parent map[string]any) any {
	col, ok := r.cache.ColumnDefByName(attribute)
	if !ok {
		return nil
	}
	var declared string
	for _, view := range col.Views {
		for _, constraint := range view.ConstraintValue {
			for _, action := range constraint.Actions {
				if action.Set == nil {
					continue
				}
				if unit, ok := action.Set["units"].(string); ok && unit != "" {
					declared = unit
					break
				}
			}
		}
	}
	if declared == "" {
		return nil
	}
	resolved := any(declared)
	if strings.HasPrefix(declared, "{") && strings.HasSuffix(declared, "}") {
		key := strings.Trim(declared, "{}")
		if value, ok := row[key]; ok {
			resolved = value
		} else if parent != nil {
			resolved = parent[key]
		} else {
			resolved = nil
		}
	}
	if resolved == nil || disclose.IsNullState(resolved) || !isTruthy(resolved) {
		return nil
	}
	return resolved
}
