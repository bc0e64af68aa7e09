package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dbconfig "marketchat/pkg/database"
	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

const (
	writeQueueSize    = 100
	writeQueueTimeout = 30 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// Manager implements MessageStore, ArticleDirectory and UserDirectory over sqlite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	tracer       trace.Tracer
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// Option configures a Manager
type Option func(*Manager)

// WithRetryDelay sets the pause before the single write retry
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the database, applies pragmas and starts the writer goroutine.
// Migrations are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		tracer:       otel.Tracer("marketchat/internal/database"),
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(manager)
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// Writes queued before shutdown are still applied.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.done)

	for {
		select {
		case op := <-m.writeChannel:
			m.apply(op)

		case <-m.shutdown:
			for {
				select {
				case op := <-m.writeChannel:
					m.apply(op)
				default:
					log.Println("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// apply runs a write, retrying exactly once after retryDelay
func (m *Manager) apply(op writeOperation) {
	_, err := backoff.Retry(op.ctx, func() (struct{}, error) {
		return struct{}{}, op.operation(op.ctx, m.db)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("Database write failed, retrying in %v: %v", next, err)
		}),
	)
	if err != nil {
		log.Printf("Database write failed after retry: %v", err)
	}
	op.result <- err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: database manager is closed", interfaces.ErrStorageUnavailable)
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeQueueTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("%w: write queue timeout", interfaces.ErrStorageUnavailable)
	case <-m.shutdown:
		return fmt.Errorf("%w: database manager is shutting down", interfaces.ErrStorageUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.done:
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("%w: database manager is shutting down", interfaces.ErrStorageUnavailable)
		}
	}
}

// SaveMessage appends an article message. The timestamp is taken inside the
// writer so that id order and timestamp order agree.
func (m *Manager) SaveMessage(ctx context.Context, message *types.ChatMessage) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "database.SaveMessage", trace.WithAttributes(
		attribute.String("article.id", message.ArticleID),
		attribute.Int64("user.id", message.UserID),
	))
	defer span.End()

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		ts := time.Now().UTC()
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (article_id, user_id, username, message, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, message.ArticleID, message.UserID, message.Username, message.Message, ts)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message id: %w", err)
		}
		message.ID = id
		message.Timestamp = ts
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		if errors.Is(err, interfaces.ErrStorageUnavailable) || errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	span.SetAttributes(attribute.Int64("message.id", message.ID))
	return message.ID, nil
}

// History returns the newest limit messages of an article, oldest first
func (m *Manager) History(ctx context.Context, articleID string, limit int) ([]types.ChatMessage, error) {
	ctx, span := m.tracer.Start(ctx, "database.History", trace.WithAttributes(
		attribute.String("article.id", articleID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if limit <= 0 {
		return []types.ChatMessage{}, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, article_id, user_id, username, message, timestamp
		FROM messages
		WHERE article_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, articleID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to query history: %v", interfaces.ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]types.ChatMessage, 0, min(limit, 256))
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ArticleID, &msg.UserID, &msg.Username, &msg.Message, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	// newest-first query, oldest-first result
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	span.SetAttributes(attribute.Int("messages.count", len(messages)))
	return messages, nil
}

// Conversations lists the article rooms a user has posted in or owns,
// most recent activity first.
func (m *Manager) Conversations(ctx context.Context, userID int64) ([]types.Conversation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.article_id, c.message_count, m.id, m.user_id, m.username, m.message, m.timestamp
		FROM (
			SELECT article_id, COUNT(*) AS message_count, MAX(id) AS last_id
			FROM messages
			WHERE article_id IN (
				SELECT article_id FROM messages WHERE user_id = ?
				UNION
				SELECT id FROM articles WHERE owner_id = ?
			)
			GROUP BY article_id
		) c
		JOIN messages m ON m.id = c.last_id
		ORDER BY m.id DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query conversations: %v", interfaces.ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	conversations := []types.Conversation{}
	for rows.Next() {
		var conv types.Conversation
		last := &conv.LastMessage
		if err := rows.Scan(&conv.ArticleID, &conv.MessageCount, &last.ID, &last.UserID, &last.Username, &last.Message, &last.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		last.ArticleID = conv.ArticleID
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	return conversations, nil
}

// ArticleExists reports whether the article directory knows the id
func (m *Manager) ArticleExists(ctx context.Context, articleID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, "SELECT 1 FROM articles WHERE id = ?", articleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query article: %w", err)
	}
	return true, nil
}

// UsernameByID resolves a user id
func (m *Manager) UsernameByID(ctx context.Context, userID int64) (string, error) {
	var username string
	err := m.db.QueryRowContext(ctx, "SELECT username FROM users WHERE id = ?", userID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query user: %w", err)
	}
	return username, nil
}

// UserIDByUsername resolves a username
func (m *Manager) UserIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := m.db.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, interfaces.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query user: %w", err)
	}
	return id, nil
}

// UpsertUser writes a directory row. Used by the seed command and tests.
func (m *Manager) UpsertUser(ctx context.Context, userID int64, username string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, username) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET username = excluded.username
		`, userID, username)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// UpsertArticle writes an article directory row
func (m *Manager) UpsertArticle(ctx context.Context, articleID string, ownerID int64, title string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO articles (id, owner_id, title) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, title = excluded.title
		`, articleID, ownerID, title)
		if err != nil {
			return fmt.Errorf("failed to upsert article: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
