package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the handful of places postgres, mysql and the
// embedded duckdb backend disagree: placeholder syntax, blob/bool
// column types, and whether the backend supports row-level locking
// inside a transaction.
type dialect struct {
	name          string
	driverName    string
	blobType      string
	boolType      string
	supportsForUpdate bool
}

var (
	dialectPostgres = dialect{name: "postgres", driverName: "pgx", blobType: "BYTEA", boolType: "BOOLEAN", supportsForUpdate: true}
	dialectMySQL    = dialect{name: "mysql", driverName: "mysql", blobType: "BLOB", boolType: "BOOLEAN", supportsForUpdate: true}
	dialectDuckDB   = dialect{name: "duckdb", driverName: "duckdb", blobType: "BLOB", boolType: "BOOLEAN", supportsForUpdate: false}
)

// placeholder returns the n-th (1-based) bind-parameter marker for this
// dialect: "$1", "$2", ... for postgres, "?" for mysql/duckdb.
func (d dialect) placeholder(n int) string {
	if d.name == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// forUpdate returns the row-locking suffix for a SELECT used to
// serialize concurrent appends, or "" for backends (duckdb) that don't
// support it — those rely on an in-process mutex instead (see
// SQLStore.lockFor).
func (d dialect) forUpdate() string {
	if d.supportsForUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// parseDatabaseURL resolves a DATABASE_URL into a dialect and the DSN
// to hand to sql.Open. An empty url selects the embedded duckdb dialect
// at the given default path, a zero-config dev/test path backed by a
// real (if embedded) SQL engine.
func parseDatabaseURL(url, duckdbDefaultPath string) (dialect, string, error) {
	switch {
	case url == "":
		if duckdbDefaultPath == "" {
			duckdbDefaultPath = ":memory:"
		}
		return dialectDuckDB, duckdbDefaultPath, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return dialectPostgres, url, nil
	case strings.HasPrefix(url, "mysql://"):
		return dialectMySQL, strings.TrimPrefix(url, "mysql://"), nil
	case strings.HasPrefix(url, "duckdb://"):
		return dialectDuckDB, strings.TrimPrefix(url, "duckdb://"), nil
	default:
		return dialect{}, "", fmt.Errorf("store: unrecognized DATABASE_URL scheme in %q", url)
	}
}
