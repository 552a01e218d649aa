package internal

import (
	"github.com/netzero-data/disclose"
)

func intPtr(v int) *int { return &v }

func requiredView(id int) disclose.ColumnView {
	return disclose.ColumnView{
		ID: id,
		ConstraintValue: []disclose.Constraint{{
			Actions: []disclose.ConstraintRule{{Set: map[string]any{"required": true}}},
		}},
	}
}

func unitsView(id int, unit string) disclose.ColumnView {
	return disclose.ColumnView{
		ID: id,
		ConstraintValue: []disclose.Constraint{{
			Actions: []disclose.ConstraintRule{{Set: map[string]any{"units": unit}}},
		}},
	}
}

// newTestCache builds a CoreCache around a small emissions-report schema:
// a root form with scalar fields and one heritable "exclusions" sub-form
// carrying a choice field.
func newTestCache() *CoreCache {
	snap := emptySnapshot()

	categoryChoices := []disclose.Choice{
		{ID: 50, ChoiceID: 11, SetID: 5, Value: "Scope 1"},
		{ID: 51, ChoiceID: 12, SetID: 5, Value: "Scope 2"},
	}
	snap.choicesBySet[5] = categoryChoices
	for _, ch := range categoryChoices {
		snap.choices[ch.ID] = ch
	}

	root := &disclose.TableDef{
		ID:   1,
		Name: "ghg_report",
		Columns: []disclose.ColumnDef{
			{ID: 101, TableDefID: 1, Name: "reporting_year", AttributeType: disclose.AttributeTypeInt,
				Views: []disclose.ColumnView{requiredView(1011)}},
			{ID: 102, TableDefID: 1, Name: "total_emissions", AttributeType: disclose.AttributeTypeFloat,
				Views: []disclose.ColumnView{unitsView(1021, "tCO2e")}},
			{ID: 103, TableDefID: 1, Name: "disclosure_source", AttributeType: disclose.AttributeTypeText},
			{ID: 104, TableDefID: 1, Name: "exclusions", AttributeType: disclose.AttributeTypeForm, AttributeTypeID: 2},
			{ID: 105, TableDefID: 1, Name: "data_model", AttributeType: disclose.AttributeTypeText},
		},
	}
	exclusions := &disclose.TableDef{
		ID:        2,
		Name:      "exclusions",
		Heritable: true,
		Columns: []disclose.ColumnDef{
			{ID: 201, TableDefID: 2, Name: "category", AttributeType: disclose.AttributeTypeSingle,
				ChoiceSetID: 5, Choices: categoryChoices},
			{ID: 202, TableDefID: 2, Name: "pct", AttributeType: disclose.AttributeTypeFloat},
			{ID: 203, TableDefID: 2, Name: "reason", AttributeType: disclose.AttributeTypeText},
		},
	}

	for _, td := range []*disclose.TableDef{root, exclusions} {
		snap.tableDefs[td.ID] = td
		snap.tableDefsByName[td.Name] = td
		for i := range td.Columns {
			snap.columnsByID[td.Columns[i].ID] = &td.Columns[i]
			snap.columnsByName[td.Columns[i].Name] = &td.Columns[i]
		}
	}
	buildFormTables(snap)

	snap.tableViews[7] = disclose.TableView{ID: 7, TableDefID: 1, Name: "ghg_report_v1", Active: true}
	snap.organizations[900] = disclose.Organization{
		NzID: 900, LEI: "LEI-900", LegalName: "Acme Energy",
		Jurisdiction: "EU", SicsSector: "Energy",
	}

	return &CoreCache{snap: snap}
}

// newDeepTestCache extends the test schema by a second heritable level:
// every exclusions row carries its own list of "details" rows.
func newDeepTestCache() *CoreCache {
	snap := emptySnapshot()

	categoryChoices := []disclose.Choice{
		{ID: 50, ChoiceID: 11, SetID: 5, Value: "Scope 1"},
		{ID: 51, ChoiceID: 12, SetID: 5, Value: "Scope 2"},
	}
	snap.choicesBySet[5] = categoryChoices
	for _, ch := range categoryChoices {
		snap.choices[ch.ID] = ch
	}

	root := &disclose.TableDef{
		ID:   1,
		Name: "ghg_report",
		Columns: []disclose.ColumnDef{
			{ID: 101, TableDefID: 1, Name: "reporting_year", AttributeType: disclose.AttributeTypeInt},
			{ID: 104, TableDefID: 1, Name: "exclusions", AttributeType: disclose.AttributeTypeForm, AttributeTypeID: 2},
		},
	}
	exclusions := &disclose.TableDef{
		ID:        2,
		Name:      "exclusions",
		Heritable: true,
		Columns: []disclose.ColumnDef{
			{ID: 201, TableDefID: 2, Name: "category", AttributeType: disclose.AttributeTypeSingle,
				ChoiceSetID: 5, Choices: categoryChoices},
			{ID: 202, TableDefID: 2, Name: "pct", AttributeType: disclose.AttributeTypeFloat},
			{ID: 204, TableDefID: 2, Name: "details", AttributeType: disclose.AttributeTypeForm, AttributeTypeID: 3},
		},
	}
	details := &disclose.TableDef{
		ID:        3,
		Name:      "details",
		Heritable: true,
		Columns: []disclose.ColumnDef{
			{ID: 301, TableDefID: 3, Name: "source", AttributeType: disclose.AttributeTypeText},
			{ID: 302, TableDefID: 3, Name: "amount", AttributeType: disclose.AttributeTypeFloat},
		},
	}

	for _, td := range []*disclose.TableDef{root, exclusions, details} {
		snap.tableDefs[td.ID] = td
		snap.tableDefsByName[td.Name] = td
		for i := range td.Columns {
			snap.columnsByID[td.Columns[i].ID] = &td.Columns[i]
			snap.columnsByName[td.Columns[i].Name] = &td.Columns[i]
		}
	}
	buildFormTables(snap)

	snap.tableViews[7] = disclose.TableView{ID: 7, TableDefID: 1, Name: "ghg_report_v1", Active: true}

	return &CoreCache{snap: snap}
}

// reportValues is a full well-formed submission for the test schema.
func reportValues() map[string]any {
	return map[string]any{
		"reporting_year":    2024,
		"total_emissions":   100.0,
		"disclosure_source": "CDP",
		"data_model":        "v1",
		"exclusions": []any{
			map[string]any{"category": 11, "pct": 10.0},
			map[string]any{"category": 12, "pct": 20.0, "reason": "immaterial"},
		},
	}
}
