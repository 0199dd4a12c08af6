package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the state of an import session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusParsed     Status = "parsed"
	StatusMapped     Status = "mapped"
	StatusValidated  Status = "validated"
	StatusCommitting Status = "committing"
	StatusCompleted  Status = "completed"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrRowNotFound       = errors.New("row not found")
	ErrUnknownField      = errors.New("unknown field")
	ErrUnknownHeader     = errors.New("unknown header")
	ErrEmptySelection    = errors.New("no rows selected")
	ErrNothingToCommit   = errors.New("no valid rows to commit")
)

// Session is the aggregate root of one import. It is owned by a single
// operator and only mutated through its methods; it is not safe for
// concurrent use.
type Session struct {
	Code     string       `json:"code"`
	OwnerID  int          `json:"owner_id"`
	Filename string       `json:"filename"`
	Target   ImportTarget `json:"target"`
	Catalog  Catalog      `json:"catalog"`
	Status   Status       `json:"status"`

	Table     *RawTable      `json:"table,omitempty"`
	Mapping   Mapping        `json:"mapping"`
	Rows      []ValidatedRow `json:"rows"`
	RowsBuilt bool           `json:"rows_built"`
	Selected  map[int]bool   `json:"selected"`

	// DuplicateWarning holds the last existence-check failure, if any.
	DuplicateWarning string `json:"duplicate_warning,omitempty"`

	Pending        []int          `json:"pending,omitempty"`
	Progress       Progress       `json:"progress"`
	CommittedCount int            `json:"committed_count"`
	FailedRows     []ValidatedRow `json:"failed_rows,omitempty"`
	LastSummary    string         `json:"last_summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSession(code string, ownerID int, filename string, target ImportTarget, catalog Catalog) *Session {
	if target.Kind == "" {
		target.Kind = TargetInvoices
	}
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	now := time.Now()
	return &Session{
		Code:      code,
		OwnerID:   ownerID,
		Filename:  filename,
		Target:    target,
		Catalog:   catalog,
		Status:    StatusIdle,
		Selected:  make(map[int]bool),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) expect(allowed ...Status) error {
	for _, st := range allowed {
		if s.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.Status)
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now()
}

// Ingest parses data and loads the resulting table. A parse failure keeps
// the session idle.
func (s *Session) Ingest(data []byte, opts ParseOptions) error {
	if err := s.expect(StatusIdle); err != nil {
		return err
	}
	table, err := Parse(data, opts)
	if err != nil {
		return err
	}
	return s.Load(table)
}

// Load moves an idle session to Parsed and immediately runs auto-mapping.
func (s *Session) Load(table *RawTable) error {
	if err := s.expect(StatusIdle); err != nil {
		return err
	}
	if table == nil || len(table.Rows) == 0 {
		return &ParseError{Reason: "file must contain a header row and at least one data row"}
	}
	s.Table = table
	s.Status = StatusParsed
	s.Mapping = AutoMap(table.Headers, s.Catalog)
	s.Status = StatusMapped
	s.touch()
	return nil
}

// SetMapping overrides the source header of one field. An empty header
// unmaps the field. A validated session falls back to Mapped.
func (s *Session) SetMapping(key, header string) error {
	if err := s.expect(StatusParsed, StatusMapped, StatusValidated); err != nil {
		return err
	}
	if _, ok := s.Catalog.Lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	if header != "" && !s.Table.HasHeader(header) {
		return fmt.Errorf("%w: %s", ErrUnknownHeader, header)
	}
	s.Mapping = s.Mapping.Assign(s.Catalog, key, header)
	s.Status = StatusMapped
	s.touch()
	return nil
}

// MappingReady returns a *MappingError while the mapping blocks validation.
func (s *Session) MappingReady() error {
	return s.Mapping.CheckReady(s.Catalog)
}

// Validate runs the Row Validator and, when checker is not nil, the Duplicate
// Reconciler. Validation is gated on a ready mapping. Rows already removed
// from the session stay removed and operator edits are reapplied. A failing
// existence check is recorded in DuplicateWarning and does not fail Validate.
func (s *Session) Validate(ctx context.Context, checker ExistenceChecker) error {
	if err := s.expect(StatusMapped, StatusValidated); err != nil {
		return err
	}
	if err := s.MappingReady(); err != nil {
		s.Status = StatusMapped
		return err
	}

	if !s.RowsBuilt {
		s.Rows = ValidateRows(s.Table, s.Mapping, s.Catalog)
		s.RowsBuilt = true
	} else {
		for i, row := range s.Rows {
			s.Rows[i] = BuildRow(row.RowIndex, s.Table.Rows[row.RowIndex], s.Mapping, s.Catalog, row.Overrides)
		}
	}

	s.DuplicateWarning = ""
	if err := MarkDuplicates(ctx, checker, s.Rows); err != nil {
		s.DuplicateWarning = err.Error()
	}

	s.pruneSelection()
	s.Status = StatusValidated
	s.touch()
	return nil
}

func (s *Session) rowPos(rowIndex int) int {
	for i := range s.Rows {
		if s.Rows[i].RowIndex == rowIndex {
			return i
		}
	}
	return -1
}

// Row returns the row with the given index.
func (s *Session) Row(rowIndex int) (*ValidatedRow, error) {
	pos := s.rowPos(rowIndex)
	if pos < 0 {
		return nil, fmt.Errorf("%w: %d", ErrRowNotFound, rowIndex)
	}
	return &s.Rows[pos], nil
}

// EditCell changes one mapped value and re-checks that row only. Editing the
// invoice number clears its duplicate flag until it is checked again.
func (s *Session) EditCell(rowIndex int, key, value string) (*ValidatedRow, error) {
	if err := s.expect(StatusValidated); err != nil {
		return nil, err
	}
	if _, ok := s.Catalog.Lookup(key); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	row, err := s.Row(rowIndex)
	if err != nil {
		return nil, err
	}
	if key == FieldInvoiceNumber && row.Fields[key] != value {
		row.IsDuplicate = false
	}
	row.SetField(key, value, s.Catalog)
	s.touch()
	return row, nil
}

// DeleteRow removes a row from the session.
func (s *Session) DeleteRow(rowIndex int) error {
	if err := s.expect(StatusValidated); err != nil {
		return err
	}
	pos := s.rowPos(rowIndex)
	if pos < 0 {
		return fmt.Errorf("%w: %d", ErrRowNotFound, rowIndex)
	}
	s.Rows = append(s.Rows[:pos], s.Rows[pos+1:]...)
	delete(s.Selected, rowIndex)
	s.FailedRows = removeRows(s.FailedRows, map[int]bool{rowIndex: true})
	s.touch()
	return nil
}

// Select adds rows to the selection.
func (s *Session) Select(rowIndexes ...int) error {
	if err := s.expect(StatusValidated); err != nil {
		return err
	}
	for _, idx := range rowIndexes {
		if s.rowPos(idx) < 0 {
			return fmt.Errorf("%w: %d", ErrRowNotFound, idx)
		}
	}
	if s.Selected == nil {
		s.Selected = make(map[int]bool)
	}
	for _, idx := range rowIndexes {
		s.Selected[idx] = true
	}
	s.touch()
	return nil
}

// Deselect removes rows from the selection.
func (s *Session) Deselect(rowIndexes ...int) error {
	if err := s.expect(StatusValidated); err != nil {
		return err
	}
	for _, idx := range rowIndexes {
		delete(s.Selected, idx)
	}
	s.touch()
	return nil
}

// SelectAll selects every remaining row.
func (s *Session) SelectAll() error {
	if err := s.expect(StatusValidated); err != nil {
		return err
	}
	s.Selected = make(map[int]bool, len(s.Rows))
	for _, row := range s.Rows {
		s.Selected[row.RowIndex] = true
	}
	s.touch()
	return nil
}

// ClearSelection empties the selection.
func (s *Session) ClearSelection() error {
	if err := s.expect(StatusValidated); err != nil {
		return err
	}
	s.Selected = make(map[int]bool)
	s.touch()
	return nil
}

// SelectedIndexes returns the selection in row order.
func (s *Session) SelectedIndexes() []int {
	var out []int
	for _, row := range s.Rows {
		if s.Selected[row.RowIndex] {
			out = append(out, row.RowIndex)
		}
	}
	return out
}

func (s *Session) pruneSelection() {
	if s.Selected == nil {
		s.Selected = make(map[int]bool)
	}
	for idx := range s.Selected {
		if s.rowPos(idx) < 0 {
			delete(s.Selected, idx)
		}
	}
}

// CommitCandidates returns the rows a commit would submit, in row order, and
// how many chosen rows would be skipped because they have errors.
func (s *Session) CommitCandidates(all bool) ([]ValidatedRow, int) {
	var (
		valid   []ValidatedRow
		skipped int
	)
	for _, row := range s.Rows {
		if !all && !s.Selected[row.RowIndex] {
			continue
		}
		if !row.Valid() {
			skipped++
			continue
		}
		valid = append(valid, row)
	}
	return valid, skipped
}

// BeginCommit moves the session to Committing. Rows with errors are left out
// of the commit set and stay in the session.
func (s *Session) BeginCommit(all bool) ([]ValidatedRow, error) {
	if err := s.expect(StatusValidated); err != nil {
		return nil, err
	}
	if !all && len(s.SelectedIndexes()) == 0 {
		return nil, ErrEmptySelection
	}
	rows, _ := s.CommitCandidates(all)
	if len(rows) == 0 {
		return nil, ErrNothingToCommit
	}

	s.Pending = make([]int, len(rows))
	for i, row := range rows {
		s.Pending[i] = row.RowIndex
	}
	s.FailedRows = nil
	s.Progress = Progress{
		PercentCommitted: 0,
		ETASeconds:       int(math.Ceil(float64(len(rows)) * seedSecondsPerRow)),
	}
	s.Status = StatusCommitting
	s.touch()
	return rows, nil
}

// RetryFailed starts a commit of the rows that failed in the last run.
func (s *Session) RetryFailed() ([]ValidatedRow, error) {
	if err := s.expect(StatusValidated); err != nil {
		return nil, err
	}
	if len(s.FailedRows) == 0 {
		return nil, ErrNothingToCommit
	}
	s.Selected = make(map[int]bool)
	for _, row := range s.FailedRows {
		if s.rowPos(row.RowIndex) >= 0 {
			s.Selected[row.RowIndex] = true
		}
	}
	return s.BeginCommit(false)
}

// PendingRows returns the rows of the running commit in row order.
func (s *Session) PendingRows() []ValidatedRow {
	pending := make(map[int]bool, len(s.Pending))
	for _, idx := range s.Pending {
		pending[idx] = true
	}
	var rows []ValidatedRow
	for _, row := range s.Rows {
		if pending[row.RowIndex] {
			rows = append(rows, row)
		}
	}
	return rows
}

// UpdateProgress records committer progress while committing.
func (s *Session) UpdateProgress(p Progress) {
	if s.Status != StatusCommitting {
		return
	}
	if p.PercentCommitted < s.Progress.PercentCommitted {
		p.PercentCommitted = s.Progress.PercentCommitted
	}
	s.Progress = p
	s.touch()
}

// FinishCommit applies a commit result. Committed rows leave the session;
// failed rows stay for inspection or retry. The session completes only when
// nothing failed and no rows remain.
func (s *Session) FinishCommit(result CommitResult) error {
	if err := s.expect(StatusCommitting); err != nil {
		return err
	}
	committed := make(map[int]bool, len(result.CommittedRows))
	for _, idx := range result.CommittedRows {
		committed[idx] = true
		delete(s.Selected, idx)
	}
	s.Rows = removeRows(s.Rows, committed)
	s.CommittedCount += result.CommittedCount
	s.FailedRows = result.FailedRows
	s.Pending = nil
	s.LastSummary = fmt.Sprintf("%d saved, %d failed", result.CommittedCount, len(result.FailedRows))

	if len(result.FailedRows) == 0 && len(s.Rows) == 0 {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusValidated
	}
	s.Progress = Progress{PercentCommitted: 100}
	s.touch()
	return nil
}

// Abandon discards all in-memory state. It is refused while a commit runs
// because a submitted chunk must be awaited.
func (s *Session) Abandon() error {
	if s.Status == StatusCommitting {
		return fmt.Errorf("%w: commit in progress", ErrInvalidTransition)
	}
	s.Table = nil
	s.Mapping = nil
	s.Rows = nil
	s.RowsBuilt = false
	s.Selected = make(map[int]bool)
	s.Pending = nil
	s.FailedRows = nil
	s.Progress = Progress{}
	s.DuplicateWarning = ""
	s.Status = StatusIdle
	s.touch()
	return nil
}

func removeRows(rows []ValidatedRow, drop map[int]bool) []ValidatedRow {
	if len(drop) == 0 {
		return rows
	}
	kept := rows[:0]
	for _, row := range rows {
		if !drop[row.RowIndex] {
			kept = append(kept, row)
		}
	}
	return kept
}

// Counts summarises the rows left in the session.
type Counts struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	Selected   int `json:"selected"`
}

func (s *Session) Counts() Counts {
	c := Counts{Total: len(s.Rows), Selected: len(s.SelectedIndexes())}
	for _, row := range s.Rows {
		if row.Valid() {
			c.Valid++
		} else {
			c.Invalid++
		}
		if row.IsDuplicate {
			c.Duplicates++
		}
	}
	return c
}

// Snapshot is the Session Progress view exposed to callers.
type Snapshot struct {
	Status           Status `json:"status"`
	PercentCommitted int    `json:"percent_committed"`
	ETASeconds       int    `json:"eta_seconds"`
	CommittedCount   int    `json:"committed_count"`
	FailedCount      int    `json:"failed_count"`
	RemainingCount   int    `json:"remaining_count"`
	Summary          string `json:"summary,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Status:           s.Status,
		PercentCommitted: s.Progress.PercentCommitted,
		ETASeconds:       s.Progress.ETASeconds,
		CommittedCount:   s.CommittedCount,
		FailedCount:      len(s.FailedRows),
		RemainingCount:   len(s.Rows),
		Summary:          s.LastSummary,
	}
}

// Headers returns the table headers, or nil when idle.
func (s *Session) Headers() []string {
	if s.Table == nil {
		return nil
	}
	return s.Table.Headers
}

// ErrorRows returns the rows that currently have validation errors.
func (s *Session) ErrorRows() []ValidatedRow {
	var rows []ValidatedRow
	for _, row := range s.Rows {
		if !row.Valid() {
			rows = append(rows, row)
		}
	}
	return rows
}
