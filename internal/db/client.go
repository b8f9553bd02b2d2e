package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Path            string        `mapstructure:"path"` // sqlite file
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
}

func (c *Config) dsn() (string, error) {
	switch c.Driver {
	case "postgres":
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, sslMode), nil
	case "sqlite3":
		path := c.Path
		if path == "" {
			path = "research.db"
		}
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// WriteType identifies a queued write.
type WriteType int

const (
	WriteTypeTaskRun WriteType = iota
	WriteTypeTaskEvent
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeTaskRun:
		return "TaskRun"
	case WriteTypeTaskEvent:
		return "TaskEvent"
	default:
		return "Unknown"
	}
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

// Client manages the connection pool and an async write queue so that
// task drivers never wait on the database.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopOnce   sync.Once
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewClient opens the configured database and starts the write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewClientFromDB(db, config.Workers, logger)
	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewClientFromDB wraps an open handle.
func NewClientFromDB(db *sqlx.DB, workers int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// DB returns the underlying handle for direct queries.
func (c *Client) DB() *sqlx.DB { return c.db }

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
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

func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeTaskRun:
		if run, ok := req.Data.(*TaskRun); ok {
			err = c.SaveTaskRun(ctx, run)
		}
	case WriteTypeTaskEvent:
		if ev, ok := req.Data.(*TaskEvent); ok {
			err = c.SaveTaskEvent(ctx, ev)
		}
	}
	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request", zap.String("type", req.Type.String()), zap.Error(err))
	}
}

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

// QueueWrite adds a write request to the async queue. A full queue falls
// back to a synchronous write instead of dropping it.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write", zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// Close drains pending writes and closes the pool.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
