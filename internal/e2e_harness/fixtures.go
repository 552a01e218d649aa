package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
)

// SeedSchema creates the metadata tables, the physical form tables of a
// small emissions-report schema, and the submission bookkeeping tables.
func SeedSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wis_table_def (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  heritable BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS wis_column_def (
  id INTEGER PRIMARY KEY,
  table_def_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  attribute_type TEXT NOT NULL,
  attribute_type_id INTEGER,
  choice_set_id INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS wis_choice (
  id INTEGER PRIMARY KEY,
  choice_id INTEGER NOT NULL,
  set_id INTEGER NOT NULL,
  value TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS wis_attribute_prompt (
  id INTEGER PRIMARY KEY,
  column_def_id INTEGER NOT NULL,
  value TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS wis_column_view (
  id INTEGER PRIMARY KEY,
  column_def_id INTEGER NOT NULL,
  constraint_value JSONB,
  constraint_view JSONB
);`,
		`CREATE TABLE IF NOT EXISTS wis_table_view (
  id INTEGER PRIMARY KEY,
  table_def_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE
);`,
		`CREATE TABLE IF NOT EXISTS wis_organization (
  nz_id INTEGER PRIMARY KEY,
  lei TEXT NOT NULL,
  legal_name TEXT NOT NULL,
  jurisdiction TEXT NOT NULL DEFAULT '',
  sics_sector TEXT NOT NULL DEFAULT '',
  sics_sub_sector TEXT NOT NULL DEFAULT '',
  sics_industry TEXT NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS wis_obj (
  id SERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  revision INTEGER NOT NULL DEFAULT 1,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  table_view_id INTEGER NOT NULL,
  checked_out BOOLEAN NOT NULL DEFAULT FALSE,
  checked_out_on TIMESTAMPTZ,
  user_id INTEGER,
  submitted_by INTEGER,
  data_source TEXT,
  lei TEXT,
  nz_id INTEGER NOT NULL,
  status TEXT
);`,
		`CREATE TABLE IF NOT EXISTS wis_restatement (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL,
  group_id INTEGER NOT NULL,
  attribute_name TEXT NOT NULL,
  attribute_row INTEGER NOT NULL,
  reason_for_restatement TEXT NOT NULL,
  data_source TEXT,
  reporting_datetime TIMESTAMPTZ
);`,
		`CREATE TABLE IF NOT EXISTS wis_aggregated_obj_view (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL UNIQUE,
  data JSONB NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ghg_report (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL,
  reporting_year INTEGER,
  total_emissions DOUBLE PRECISION,
  disclosure_source TEXT,
  exclusions INTEGER,
  data_model TEXT
);`,
		`CREATE TABLE IF NOT EXISTS exclusions_heritable (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL,
  value_id INTEGER NOT NULL,
  category INTEGER,
  pct DOUBLE PRECISION,
  reason TEXT
);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return SeedMetadata(ctx, db)
}

// SeedMetadata inserts the schema rows the cache loads: one root form
// with a heritable exclusions sub-form, a published table view, and one
// organization.
func SeedMetadata(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`INSERT INTO wis_table_def (id, name, heritable) VALUES
  (1, 'ghg_report', FALSE),
  (2, 'exclusions', TRUE)
ON CONFLICT (id) DO NOTHING;`,
		`INSERT INTO wis_column_def (id, table_def_id, name, attribute_type, attribute_type_id, choice_set_id) VALUES
  (101, 1, 'reporting_year', 'int', NULL, NULL),
  (102, 1, 'total_emissions', 'float', NULL, NULL),
  (103, 1, 'disclosure_source', 'text', NULL, NULL),
  (104, 1, 'exclusions', 'form', 2, NULL),
  (105, 1, 'data_model', 'text', NULL, NULL),
  (201, 2, 'category', 'single', NULL, 5),
  (202, 2, 'pct', 'float', NULL, NULL),
  (203, 2, 'reason', 'text', NULL, NULL)
ON CONFLICT (id) DO NOTHING;`,
		`INSERT INTO wis_choice (id, choice_id, set_id, value) VALUES
  (50, 11, 5, 'Scope 1'),
  (51, 12, 5, 'Scope 2')
ON CONFLICT (id) DO NOTHING;`,
		`INSERT INTO wis_column_view (id, column_def_id, constraint_value, constraint_view) VALUES
  (1011, 101, '[{"actions":[{"set":{"required":true}}]}]', NULL),
  (1021, 102, '[{"actions":[{"set":{"units":"tCO2e"}}]}]', NULL)
ON CONFLICT (id) DO NOTHING;`,
		`INSERT INTO wis_table_view (id, table_def_id, name, active) VALUES
  (7, 1, 'ghg_report_v1', TRUE)
ON CONFLICT (id) DO NOTHING;`,
		`INSERT INTO wis_organization (nz_id, lei, legal_name, jurisdiction, sics_sector) VALUES
  (900, 'LEI-900', 'Acme Energy', 'EU', 'Energy')
ON CONFLICT (nz_id) DO NOTHING;`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("seed metadata: %w", err)
		}
	}
	return nil
}
