package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a sqlx handle with a circuit breaker
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
}

// NewDatabaseWrapper wraps db; the breaker is named after the driver
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(db.DriverName(), ConfigFor(KindDatabase), logger)
	GlobalMetricsCollector.Register("artifact-store", cb)
	return &DatabaseWrapper{db: db, cb: cb, service: "artifact-store"}
}

// PingContext checks connectivity
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return guard(ctx, dw.cb, dw.service, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext runs a statement written with '?' placeholders, rebound for the driver
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := guard(ctx, dw.cb, dw.service, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return res, err
}

// NamedExecContext runs a statement with :name bindings from arg
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := guard(ctx, dw.cb, dw.service, func() error {
		var err error
		res, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return res, err
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return guard(ctx, dw.cb, dw.service, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// DB returns the underlying handle
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the underlying handle
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen reports whether calls are currently being rejected
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
