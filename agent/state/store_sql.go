package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type checkpointRow struct {
	bun.BaseModel `bun:"table:conversation_checkpoints"`

	ThreadID  string    `bun:"thread_id,pk"`
	Payload   string    `bun:"payload,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// SQLStore keeps one row per thread in conversation_checkpoints.
// The table is created by the catalog migrations.
type SQLStore struct {
	db *bun.DB
}

func NewSQLStore(db *bun.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, st *ConversationState) error {
	payload, err := encodeCheckpoint(st)
	if err != nil {
		return err
	}

	row := &checkpointRow{
		ThreadID:  st.ThreadID,
		Payload:   string(payload),
		UpdatedAt: st.UpdatedAt,
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (thread_id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, threadID string) (*ConversationState, error) {
	if threadID == "" {
		return nil, ErrInvalidThread
	}
	var row checkpointRow
	err := s.db.NewSelect().
		Model(&row).
		Where("thread_id = ?", threadID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(row.Payload))
}

// Threads lists the thread ids with a checkpoint, most recently updated first.
func (s *SQLStore) Threads(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*checkpointRow)(nil)).
		Column("thread_id").
		OrderExpr("updated_at DESC, thread_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return ids, nil
}
