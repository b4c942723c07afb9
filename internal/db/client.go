// Package db stores enrichment audit artifacts in Postgres or SQLite.
package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	// Driver is "postgres" or "sqlite3"
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	Workers         int
	QueueSize       int
}

// Client manages the connection pool and the asynchronous write queue
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

type writeRequest struct {
	artifact *Artifact
	callback func(error)
}

// NewClient opens the database, applies the schema and starts the write
// workers.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		return nil, fmt.Errorf("database driver is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.Workers == 0 {
		config.Workers = 4
	}
	if config.QueueSize == 0 {
		config.QueueSize = 1000
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY and keeps
	// shared in-memory databases alive.
	if config.Driver == "sqlite3" {
		config.MaxConnections = 1
		config.IdleConnections = 1
	}

	rawDB, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan writeRequest, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
	if err := client.Migrate(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
	)
	return client, nil
}

// Migrate creates the artifact table when missing
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.config.Workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req writeRequest) {
	err := c.SaveArtifact(context.Background(), req.artifact)
	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to persist artifact",
			zap.String("session_id", req.artifact.SessionID),
			zap.String("kind", req.artifact.Kind),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueArtifact schedules an asynchronous insert. When the queue is full
// the write happens synchronously rather than being dropped.
func (c *Client) QueueArtifact(a *Artifact, callback func(error)) {
	a.fillDefaults()
	req := writeRequest{artifact: a, callback: callback}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("kind", a.Kind))
		c.processWrite(req)
	}
}

// SaveArtifact inserts a synchronously
func (c *Client) SaveArtifact(ctx context.Context, a *Artifact) error {
	if a == nil {
		return nil
	}
	a.fillDefaults()
	// placeholders are rebound for the driver ($n on postgres)
	_, err := c.db.ExecContext(ctx, c.db.DB().Rebind(`
        INSERT INTO enrichment_artifacts (id, session_id, kind, name, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `), a.ID, a.SessionID, a.Kind, a.Name, a.Payload, a.CreatedAt)
	return err
}

// ListArtifacts returns a session's artifacts, oldest first
func (c *Client) ListArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	var out []Artifact
	err := c.db.SelectContext(ctx, &out, c.db.DB().Rebind(`
        SELECT id, session_id, kind, name, payload, created_at
        FROM enrichment_artifacts
        WHERE session_id = ?
        ORDER BY created_at, id
    `), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close drains queued writes and closes the pool
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
		c.workerWg.Wait()
		if cerr := c.db.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	})
	return err
}

// Wrapper returns the breaker-guarded handle for health checks
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
