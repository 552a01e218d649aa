package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbOptions struct {
	host     string
	port     int
	database string
	user     string
	password string
	sslMode  string
}

func dbFlags(flags *flag.FlagSet, opts *dbOptions) {
	flags.StringVar(&opts.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", "disclose"), "database name")
	flags.StringVar(&opts.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
}

func runInitDB(args []string) error {
	flags := flag.NewFlagSet("init-db", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: disclose-tools init-db [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := dbOptions{}
	dbFlags(flags, &opts)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return initDatabase(opts)
}

func initDatabase(opts dbOptions) error {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, buildConnString(opts))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := withTx(ctx, conn, func(tx pgx.Tx) error {
		if err := ensureCompositeTypes(ctx, tx); err != nil {
			return err
		}
		return ensureTables(ctx, tx)
	}); err != nil {
		return err
	}

	fmt.Println("Database initialized successfully.")
	return nil
}

func buildConnString(opts dbOptions) string {
	var userInfo *url.Userinfo
	if opts.password != "" {
		userInfo = url.UserPassword(opts.user, opts.password)
	} else {
		userInfo = url.User(opts.user)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", opts.host, opts.port),
		Path:   "/" + opts.database,
	}

	q := url.Values{}
	if opts.sslMode != "" {
		q.Set("sslmode", opts.sslMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// ensureCompositeTypes creates the null-state enum and the (value, state)
// composite types the physical form tables bind nullable columns with.
// CREATE TYPE has no IF NOT EXISTS, so each is wrapped in a DO block that
// swallows duplicate_object.
func ensureCompositeTypes(ctx context.Context, tx pgx.Tx) error {
	types := []string{
		`DO $$ BEGIN
  CREATE TYPE null_type_enum AS ENUM ('-', '—', 'N/A');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
  CREATE TYPE int_or_null AS (value INTEGER, state null_type_enum);
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
  CREATE TYPE text_or_null AS (value TEXT, state null_type_enum);
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
  CREATE TYPE float_or_null AS (value DOUBLE PRECISION, state null_type_enum);
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
  CREATE TYPE bool_or_null AS (value BOOLEAN, state null_type_enum);
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
		`DO $$ BEGIN
  CREATE TYPE form_or_null AS (value INTEGER, state null_type_enum);
EXCEPTION WHEN duplicate_object THEN NULL; END $$;`,
	}
	for _, stmt := range types {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure composite types: %w", err)
		}
	}
	fmt.Println("Created composite types.")
	return nil
}

// ensureTables creates the schema metadata tables and the submission
// bookkeeping tables. Physical form tables are schema-driven and are
// provisioned separately, per table definition.
func ensureTables(ctx context.Context, tx pgx.Tx) error {
	ddls := []struct {
		name string
		ddl  string
	}{
		{"wis_table_def", `CREATE TABLE IF NOT EXISTS wis_table_def (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  heritable BOOLEAN NOT NULL DEFAULT FALSE
)`},
		{"wis_column_def", `CREATE TABLE IF NOT EXISTS wis_column_def (
  id INTEGER PRIMARY KEY,
  table_def_id INTEGER NOT NULL REFERENCES wis_table_def (id),
  name TEXT NOT NULL,
  attribute_type TEXT NOT NULL,
  attribute_type_id INTEGER,
  choice_set_id INTEGER,
  UNIQUE (table_def_id, name)
)`},
		{"wis_choice", `CREATE TABLE IF NOT EXISTS wis_choice (
  id INTEGER PRIMARY KEY,
  choice_id INTEGER NOT NULL,
  set_id INTEGER NOT NULL,
  value TEXT NOT NULL
)`},
		{"wis_attribute_prompt", `CREATE TABLE IF NOT EXISTS wis_attribute_prompt (
  id INTEGER PRIMARY KEY,
  column_def_id INTEGER NOT NULL REFERENCES wis_column_def (id),
  value TEXT NOT NULL
)`},
		{"wis_column_view", `CREATE TABLE IF NOT EXISTS wis_column_view (
  id INTEGER PRIMARY KEY,
  column_def_id INTEGER NOT NULL REFERENCES wis_column_def (id),
  constraint_value JSONB,
  constraint_view JSONB
)`},
		{"wis_table_view", `CREATE TABLE IF NOT EXISTS wis_table_view (
  id INTEGER PRIMARY KEY,
  table_def_id INTEGER NOT NULL REFERENCES wis_table_def (id),
  name TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE
)`},
		{"wis_organization", `CREATE TABLE IF NOT EXISTS wis_organization (
  nz_id INTEGER PRIMARY KEY,
  lei TEXT NOT NULL,
  legal_name TEXT NOT NULL,
  jurisdiction TEXT NOT NULL DEFAULT '',
  sics_sector TEXT NOT NULL DEFAULT '',
  sics_sub_sector TEXT NOT NULL DEFAULT '',
  sics_industry TEXT NOT NULL DEFAULT ''
)`},
		{"wis_obj", `CREATE TABLE IF NOT EXISTS wis_obj (
  id SERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  revision INTEGER NOT NULL DEFAULT 1,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  table_view_id INTEGER NOT NULL REFERENCES wis_table_view (id),
  checked_out BOOLEAN NOT NULL DEFAULT FALSE,
  checked_out_on TIMESTAMPTZ,
  user_id INTEGER,
  submitted_by INTEGER,
  data_source TEXT,
  lei TEXT,
  nz_id INTEGER NOT NULL,
  status TEXT
)`},
		{"wis_restatement", `CREATE TABLE IF NOT EXISTS wis_restatement (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL REFERENCES wis_obj (id),
  group_id INTEGER NOT NULL,
  attribute_name TEXT NOT NULL,
  attribute_row INTEGER NOT NULL,
  reason_for_restatement TEXT NOT NULL,
  data_source TEXT,
  reporting_datetime TIMESTAMPTZ
)`},
		{"wis_aggregated_obj_view", `CREATE TABLE IF NOT EXISTS wis_aggregated_obj_view (
  id SERIAL PRIMARY KEY,
  obj_id INTEGER NOT NULL UNIQUE REFERENCES wis_obj (id),
  data JSONB NOT NULL
)`},
	}

	for _, d := range ddls {
		if _, err := tx.Exec(ctx, d.ddl); err != nil {
			return fmt.Errorf("ensure table %s: %w", d.name, err)
		}
		fmt.Printf("Created table: %s\n", d.name)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS wis_obj_name_revision_idx ON wis_obj (name, revision DESC)`,
		`CREATE INDEX IF NOT EXISTS wis_obj_nz_id_idx ON wis_obj (nz_id) WHERE active`,
		`CREATE INDEX IF NOT EXISTS wis_restatement_group_idx ON wis_restatement (group_id, id)`,
		`CREATE INDEX IF NOT EXISTS wis_restatement_obj_idx ON wis_restatement (obj_id)`,
	}
	for _, stmt := range indexes {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func withTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w; rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
