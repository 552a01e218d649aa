package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netzero-data/disclose/internal"
)

func runRefreshCache(args []string) error {
	flags := flag.NewFlagSet("refresh-cache", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: disclose-tools refresh-cache [options]")
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

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, buildConnString(opts))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	cache := internal.NewCoreCache(pool)
	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh schema cache: %w", err)
	}

	fmt.Printf("Loaded %d table definitions and %d table views.\n",
		len(cache.TableDefs()), len(cache.TableViews()))
	for _, td := range cache.TableDefs() {
		ft, ok := cache.FormTable(td.Name)
		if !ok {
			continue
		}
		fmt.Printf("  %-30s -> %s (%d columns)\n", td.Name, ft.Name, len(ft.Columns))
	}
	return nil
}
