package migrations

import (
	"context"
	"strings"

	"github.com/uptrace/bun"
)

// execScript runs a multi-statement SQL file one statement at a time.
func execScript(ctx context.Context, db *bun.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
