package message

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"e2e_sync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Open connects to PostgreSQL and configures the pool.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const columns = `id, seq, conversation_id, sender_id, recipient_id, correlation_id, envelope, state, created_at`

func scanRow(s interface{ Scan(...any) error }) (*model.Row, error) {
	var r model.Row
	err := s.Scan(&r.ID, &r.Seq, &r.ConversationID, &r.SenderID, &r.RecipientID, &r.CorrelationID, &r.Envelope, &r.State, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert stores row and assigns its id and sequence. A second insert with the
// same (conversation, correlation id) returns the existing row and
// created=false.
func (r *MessageRepo) Insert(ctx context.Context, row *model.Row) (*model.Row, bool, error) {
	state := row.State
	if state == "" {
		state = model.StateSent.String()
	}
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, correlation_id, envelope, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, correlation_id) DO NOTHING
		RETURNING ` + columns

	stored, err := scanRow(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), row.ConversationID, row.SenderID, row.RecipientID, row.CorrelationID, row.Envelope, state))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert message: %w", err)
	}

	existing, err := scanRow(r.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM messages WHERE conversation_id = $1 AND correlation_id = $2`,
		row.ConversationID, row.CorrelationID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing message: %w", err)
	}
	return existing, false, nil
}

// Page returns up to limit rows of conversationID with seq < beforeSeq (all
// when beforeSeq is 0), newest first.
func (r *MessageRepo) Page(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+columns+` FROM messages
		WHERE conversation_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`, conversationID, beforeSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	page := &model.Page{Rows: []model.Row{}}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		page.Rows = append(page.Rows, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*model.Row, error) {
	row, err := scanRow(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row, nil
}

// updateState locks the row so concurrent patches cannot move it backwards.
func (r *MessageRepo) updateState(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := scanRow(tx.QueryRowContext(ctx,
		`SELECT `+columns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}
	next, err := patch.NextState(row.State)
	if err != nil {
		return nil, err
	}
	if next != row.State {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET state = $2 WHERE id = $1`, id, next); err != nil {
			return nil, fmt.Errorf("failed to update message: %w", err)
		}
		row.State = next
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message update: %w", err)
	}
	return row, nil
}

// Update applies patch. Deleting drops the envelope.
func (r *MessageRepo) Update(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error) {
	var (
		row *model.Row
		err error
	)
	switch {
	case patch.Deleted:
		row, err = scanRow(r.db.QueryRowContext(ctx,
			`UPDATE messages SET state = $2, envelope = NULL WHERE id = $1 RETURNING `+columns,
			id, model.StateDeleted.String()))
	case patch.State != nil:
		return r.updateState(ctx, id, patch)
	default:
		return r.Get(ctx, id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	return row, nil
}
