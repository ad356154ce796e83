// Command schemadump writes the journal schema, as produced by the
// migrations, to a file so schema changes show up in review.
package main

import (
	"codeberg.org/miketth/monitoggle/pkg/journal/sqlite/migrations"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"io"
	"log"
	"os"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("error: %+v", err)
	}
}

func run() error {
	path := flag.String("path", "", "path to dump the schema to")
	debug := flag.Bool("debug", false, "use debug level logging")
	flag.Parse()

	if *path == "" {
		return errors.New("missing -path flag")
	}

	log, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	file, err := os.Create(*path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	return dump(context.Background(), file, log)
}

func dump(ctx context.Context, w io.Writer, log *zap.SugaredLogger) error {
	log.Debug("creating empty database")
	db, err := sql.Open("sqlite3", "file:schemadump?cache=shared&mode=memory")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	log.Debug("applying migrations")
	v, err := migrations.Migrate(db, log)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if _, err := fmt.Fprintf(w, "-- journal schema version %d\n\n", v); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	log.Debug("dumping schema")
	if err := dumpSchema(ctx, db, w); err != nil {
		return fmt.Errorf("dump schema: %w", err)
	}
	return nil
}

// schema_migrations belongs to golang-migrate, sqlite_* to sqlite itself.
const schemaQuery = `
select sql from sqlite_master
where sql is not null
  and tbl_name != 'schema_migrations'
  and name not like 'sqlite\_%' escape '\'
order by case type when 'table' then 0 else 1 end, name`

func dumpSchema(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, schemaQuery)
	if err != nil {
		return fmt.Errorf("query schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var statement string
		if err := rows.Scan(&statement); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s;\n\n", statement); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	return rows.Err()
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	loggerConfig := zap.NewDevelopmentConfig()

	loggerConfig.OutputPaths = []string{"stderr"}
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}
