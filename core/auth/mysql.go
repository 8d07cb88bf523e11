package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// OpenMySQL connects to the MySQL server named by dsn and reserves size
// connections. Closing the returned pool also closes the database handle.
func OpenMySQL(ctx context.Context, dsn string, size int) (*ConnPool, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: parse dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: connect %s@%s: %w", cfg.User, cfg.Addr, err)
	}

	pool, err := NewConnPool(ctx, db, size)
	if err != nil {
		db.Close()
		return nil, err
	}
	pool.ownsDB = true
	return pool, nil
}
