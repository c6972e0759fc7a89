package driver

import (
	"database/sql"

	// pure Go sqlite driver
	_ "modernc.org/sqlite"
)

// NewSQLiteConn Returns a SQLite connection pool, dsn is the database file path with optional
// query parameters
func NewSQLiteConn(dsn string, cfg *DBConfig) (ITransactionalDB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, a single connection avoids SQLITE_BUSY between them
	conn.SetMaxOpenConns(1)
	return &SQLWrapper{conn, sqliteAdapter}, nil
}

func sqliteAdapter(query string) string {
	query = DollarPlaceholderPattern.ReplaceAllString(query, "?")
	return SpacePattern.ReplaceAllString(query, " ")
}
