package models

import "time"

// ImportLog is the history row written for every import session.
type ImportLog struct {
	ID            int       `db:"id" json:"id"`
	SessionCode   string    `db:"session_code" json:"session_code"`
	UserID        int       `db:"user_id" json:"user_id"`
	Filename      string    `db:"filename" json:"filename"`
	Target        string    `db:"target" json:"target"`
	TotalRows     int       `db:"total_rows" json:"total_rows"`
	CommittedRows int       `db:"committed_rows" json:"committed_rows"`
	FailedRows    int       `db:"failed_rows" json:"failed_rows"`
	DuplicateRows int       `db:"duplicate_rows" json:"duplicate_rows"`
	Status        string    `db:"status" json:"status"`
	Message       string    `db:"message" json:"message"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CommitSummary is returned when a commit is started.
type CommitSummary struct {
	SessionCode string `json:"session_code"`
	Queued      int    `json:"queued"`
	Skipped     int    `json:"skipped"`
	Duplicates  int    `json:"duplicates"`
}
