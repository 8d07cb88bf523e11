package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Verifier checks a login, or registers a new user when isLogin is false
type Verifier interface {
	Verify(ctx context.Context, name, password string, isLogin bool) (bool, error)
}

const (
	selectUserSQL = "SELECT password FROM user WHERE username = ? LIMIT 1"
	insertUserSQL = "INSERT INTO user(username, password) VALUES(?, ?)"
)

// SQLVerifier looks users up in the user table through a ConnPool
type SQLVerifier struct {
	pool    *ConnPool
	timeout time.Duration
}

// NewSQLVerifier bounds each check by timeout; zero means no bound
func NewSQLVerifier(pool *ConnPool, timeout time.Duration) *SQLVerifier {
	return &SQLVerifier{pool: pool, timeout: timeout}
}

// Verify reports whether the password matches on login, or whether the
// name was free and is now registered on register.
func (v *SQLVerifier) Verify(ctx context.Context, name, password string, isLogin bool) (bool, error) {
	if name == "" || password == "" {
		return false, nil
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var ok bool
	err := v.pool.With(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var stored string
		err := conn.QueryRowContext(ctx, selectUserSQL, name).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if isLogin {
				return nil
			}
			if _, err := conn.ExecContext(ctx, insertUserSQL, name, password); err != nil {
				return err
			}
			ok = true
			return nil
		case err != nil:
			return err
		}

		// Existing name: a register attempt fails
		if isLogin {
			ok = subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MemoryVerifier keeps users in memory, for running without a database
type MemoryVerifier struct {
	mu    sync.Mutex
	users map[string]string
}

func NewMemoryVerifier() *MemoryVerifier {
	return &MemoryVerifier{users: make(map[string]string)}
}

func (m *MemoryVerifier) Verify(_ context.Context, name, password string, isLogin bool) (bool, error) {
	if name == "" || password == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.users[name]
	if isLogin {
		return exists && subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1, nil
	}
	if exists {
		return false, nil
	}
	m.users[name] = password
	return true, nil
}
