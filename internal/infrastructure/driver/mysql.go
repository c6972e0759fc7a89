package driver

import (
	"database/sql"
	"strings"
	"time"

	// mysql driver
	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLConn pool for the remote progress tables on MySQL. Statements are written with
// $n placeholders and double-quoted identifiers and rewritten by mysqlAdapter.
func NewMySQLConn(dsn string, cfg *DBConfig) (ITransactionalDB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(int(cfg.MaxConn))
	conn.SetMaxIdleConns(int(cfg.MaxConn))
	// recycle before the server's wait_timeout drops idle connections
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &SQLWrapper{conn, mysqlAdapter}, nil
}

func mysqlAdapter(query string) string {
	query = strings.ReplaceAll(query, `"`, "`")
	query = DollarPlaceholderPattern.ReplaceAllString(query, "?")
	return SpacePattern.ReplaceAllString(query, " ")
}
