package repository

import (
	"context"

	"invoice-import/internal/models"

	"github.com/jmoiron/sqlx"
)

type ImportLogRepository struct {
	db *sqlx.DB
}

func NewImportLogRepository(db *sqlx.DB) *ImportLogRepository {
	return &ImportLogRepository{db: db}
}

func (r *ImportLogRepository) Create(ctx context.Context, log *models.ImportLog) error {
	query := `INSERT INTO import_logs (session_code, user_id, filename, target, total_rows,
	          committed_rows, failed_rows, duplicate_rows, status, message)
	          VALUES (:session_code, :user_id, :filename, :target, :total_rows,
	          :committed_rows, :failed_rows, :duplicate_rows, :status, :message)`
	result, err := r.db.NamedExecContext(ctx, query, log)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	log.ID = int(id)
	return nil
}

// Update writes the counters and status of the log identified by session code.
func (r *ImportLogRepository) Update(ctx context.Context, log *models.ImportLog) error {
	query := `UPDATE import_logs SET total_rows = :total_rows, committed_rows = :committed_rows,
	          failed_rows = :failed_rows, duplicate_rows = :duplicate_rows, status = :status,
	          message = :message WHERE session_code = :session_code`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return err
}

// List returns one page of the operator's import history, newest first.
func (r *ImportLogRepository) List(ctx context.Context, userID, limit, offset int) ([]models.ImportLog, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM import_logs WHERE user_id = ?", userID); err != nil {
		return nil, 0, err
	}

	logs := []models.ImportLog{}
	query := `SELECT id, session_code, user_id, filename, target, total_rows, committed_rows,
	          failed_rows, duplicate_rows, status, message, created_at, updated_at
	          FROM import_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &logs, query, userID, limit, offset); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
