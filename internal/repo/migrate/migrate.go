// Package migrate runs the embedded goose migrations of the SQL task stores.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// goose keeps its dialect, base FS and logger in package state.
var mu sync.Mutex

type zapGooseLogger struct {
	log *zap.SugaredLogger
}

func (l zapGooseLogger) Printf(format string, v ...interface{}) { l.log.Infof(format, v...) }
func (l zapGooseLogger) Fatalf(format string, v ...interface{}) { l.log.Fatalf(format, v...) }

// Run executes a goose command ("up", "down", "status", ...) against db
// using the migrations found in the "migrations" directory of fsys.
func Run(ctx context.Context, db *sql.DB, dialect string, fsys fs.FS, command string, logger *zap.Logger) error {
	mu.Lock()
	defer mu.Unlock()

	if logger == nil {
		logger = zap.NewNop()
	}
	goose.SetLogger(zapGooseLogger{log: logger.Named("goose").Sugar()})
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect %q: %w", dialect, err)
	}
	if err := goose.RunContext(ctx, command, db, "migrations"); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
