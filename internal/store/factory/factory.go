package factory

import (
	"errors"
	"strings"

	"github.com/evreth/tandem/internal/store"
	"github.com/evreth/tandem/internal/store/postgres"
	"github.com/evreth/tandem/internal/store/sqlite"
)

// NewFromDSN selects a store backend by DSN scheme. "postgres://" and
// "postgresql://" go to Postgres; "sqlite://<path>" and bare filepaths
// go to SQLite, which is the default for a single-container deployment.
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("store: empty DSN")
	}
	switch scheme(d) {
	case "postgres", "postgresql":
		return postgres.New(d)
	case "sqlite":
		return sqlite.New(d[strings.Index(d, "://")+3:])
	case "":
		return sqlite.New(d)
	default:
		return nil, errors.New("store: unsupported DSN scheme in " + d)
	}
}

func scheme(dsn string) string {
	i := strings.Index(dsn, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(dsn[:i])
}
