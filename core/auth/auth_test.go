package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPool(t *testing.T, size int) (*ConnPool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool, err := NewConnPool(context.Background(), db, size)
	if err != nil {
		t.Fatalf("NewConnPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool, mock
}

func TestConnPool_AcquireRelease(t *testing.T) {
	pool, _ := newMockPool(t, 2)

	if pool.FreeCount() != 2 || pool.Size() != 2 {
		t.Fatalf("Expected 2 free of 2, got %d of %d", pool.FreeCount(), pool.Size())
	}

	a, err := pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}

	pool.Release(a)
	if pool.FreeCount() != 1 {
		t.Errorf("Expected 1 free after release, got %d", pool.FreeCount())
	}
	pool.Release(b)
	pool.Release(nil)
	if pool.FreeCount() != 2 {
		t.Errorf("Expected 2 free, got %d", pool.FreeCount())
	}
}

func TestConnPool_WithReleasesOnError(t *testing.T) {
	pool, _ := newMockPool(t, 1)
	boom := errors.New("boom")

	err := pool.With(context.Background(), func(context.Context, *sql.Conn) error {
		if pool.FreeCount() != 0 {
			t.Error("Connection should be held inside With")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected fn error, got %v", err)
	}
	if pool.FreeCount() != 1 {
		t.Errorf("Connection not released, free=%d", pool.FreeCount())
	}
}

func TestConnPool_Close(t *testing.T) {
	pool, _ := newMockPool(t, 2)

	held, _ := pool.Acquire()
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	// Released after close: closed, not pooled
	pool.Release(held)
	if pool.FreeCount() != 0 {
		t.Errorf("Closed pool should stay empty, free=%d", pool.FreeCount())
	}
	if err := pool.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

func TestNewConnPool_InvalidSize(t *testing.T) {
	if _, err := NewConnPool(context.Background(), nil, 0); err == nil {
		t.Error("Expected error for zero size")
	}
}

func TestSQLVerifier(t *testing.T) {
	selectRe := regexp.QuoteMeta(selectUserSQL)
	insertRe := regexp.QuoteMeta(insertUserSQL)

	tests := []struct {
		name    string
		user    string
		pwd     string
		isLogin bool
		setup   func(m sqlmock.Sqlmock)
		want    bool
	}{
		{
			name: "login ok", user: "bob", pwd: "pw", isLogin: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(selectRe).WithArgs("bob").
					WillReturnRows(sqlmock.NewRows([]string{"password"}).AddRow("pw"))
			},
			want: true,
		},
		{
			name: "login wrong password", user: "bob", pwd: "nope", isLogin: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(selectRe).WithArgs("bob").
					WillReturnRows(sqlmock.NewRows([]string{"password"}).AddRow("pw"))
			},
			want: false,
		},
		{
			name: "login unknown user", user: "ghost", pwd: "pw", isLogin: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(selectRe).WithArgs("ghost").
					WillReturnRows(sqlmock.NewRows([]string{"password"}))
			},
			want: false,
		},
		{
			name: "register new user", user: "alice", pwd: "pw", isLogin: false,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(selectRe).WithArgs("alice").
					WillReturnRows(sqlmock.NewRows([]string{"password"}))
				m.ExpectExec(insertRe).WithArgs("alice", "pw").
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			want: true,
		},
		{
			name: "register taken name", user: "bob", pwd: "pw", isLogin: false,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(selectRe).WithArgs("bob").
					WillReturnRows(sqlmock.NewRows([]string{"password"}).AddRow("other"))
			},
			want: false,
		},
		{
			name: "empty credentials", user: "", pwd: "pw", isLogin: true,
			setup: func(sqlmock.Sqlmock) {},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, mock := newMockPool(t, 1)
			tt.setup(mock)

			v := NewSQLVerifier(pool, 0)
			got, err := v.Verify(context.Background(), tt.user, tt.pwd, tt.isLogin)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tt.want {
				t.Errorf("Verify = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
			if pool.FreeCount() != 1 {
				t.Error("Connection not returned to the pool")
			}
		})
	}
}

func TestSQLVerifier_QueryError(t *testing.T) {
	pool, mock := newMockPool(t, 1)
	dbErr := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(selectUserSQL)).WillReturnError(dbErr)

	ok, err := NewSQLVerifier(pool, 0).Verify(context.Background(), "bob", "pw", true)
	if ok || !errors.Is(err, dbErr) {
		t.Errorf("Expected (false, %v), got (%v, %v)", dbErr, ok, err)
	}
	if pool.FreeCount() != 1 {
		t.Error("Connection not returned after error")
	}
}

func TestSQLVerifier_PoolExhausted(t *testing.T) {
	pool, _ := newMockPool(t, 1)
	conn, _ := pool.Acquire()
	defer pool.Release(conn)

	_, err := NewSQLVerifier(pool, 0).Verify(context.Background(), "bob", "pw", true)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestMemoryVerifier(t *testing.T) {
	v := NewMemoryVerifier()
	ctx := context.Background()

	if ok, _ := v.Verify(ctx, "bob", "pw", true); ok {
		t.Error("Unknown user must not log in")
	}
	if ok, _ := v.Verify(ctx, "bob", "pw", false); !ok {
		t.Error("Register should succeed")
	}
	if ok, _ := v.Verify(ctx, "bob", "other", false); ok {
		t.Error("Duplicate register should fail")
	}
	if ok, _ := v.Verify(ctx, "bob", "pw", true); !ok {
		t.Error("Login after register should succeed")
	}
	if ok, _ := v.Verify(ctx, "bob", "bad", true); ok {
		t.Error("Wrong password should fail")
	}
}
