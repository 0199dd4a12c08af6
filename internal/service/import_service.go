package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"invoice-import/internal/importer"
	"invoice-import/internal/models"
	"invoice-import/internal/repository"
	"invoice-import/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionNotFound      = repository.ErrSessionNotFound
	ErrHistoryUnavailable   = errors.New("import history is not available")
	ErrInvalidTarget        = errors.New("invalid import target")
	ErrUnknownSelectionMode = errors.New("unknown selection mode")
	ErrNoInvoiceStore       = errors.New("invoice store is not configured")
)

const (
	sessionCodePrefix = "IMPORT-"
	statusAbandoned   = "abandoned"
	historyExportMax  = 10000
)

// InvoiceStore is the persistence the pipeline consumes: an existence check
// for duplicates and a chunk persister per session.
type InvoiceStore interface {
	Checker(target importer.ImportTarget) importer.ExistenceChecker
	Persister(sessionCode string, userID int) importer.BatchPersister
}

// HistoryStore records one import_logs row per session.
type HistoryStore interface {
	Create(ctx context.Context, log *models.ImportLog) error
	Update(ctx context.Context, log *models.ImportLog) error
	List(ctx context.Context, userID, limit, offset int) ([]models.ImportLog, int, error)
}

type ImportOptions struct {
	ChunkSize   int
	PreviewRows int
}

// ImportService drives import sessions through their transitions. Sessions
// live in the SessionStore; every mutation is load, apply, save under a
// per-session lock.
type ImportService struct {
	store      repository.SessionStore
	invoices   InvoiceStore
	history    HistoryStore
	dispatcher CommitDispatcher
	excel      *ExcelService
	logger     *logrus.Logger
	opts       ImportOptions

	locks sync.Map
}

// NewImportService wires the service. history may be nil. Without invoices
// there is no duplicate check and commits are refused. A nil dispatcher runs
// commits in goroutines of the calling process.
func NewImportService(store repository.SessionStore, invoices InvoiceStore, history HistoryStore, dispatcher CommitDispatcher, logger *logrus.Logger, opts ImportOptions) *ImportService {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = importer.DefaultChunkSize
	}
	s := &ImportService{
		store:    store,
		invoices: invoices,
		history:  history,
		excel:    NewExcelService(),
		logger:   logger,
		opts:     opts,
	}
	if dispatcher == nil {
		dispatcher = NewInlineDispatcher(s.RunCommit, logger)
	}
	s.dispatcher = dispatcher
	return s
}

// Wait blocks until inline commits have finished. It returns immediately for
// queued dispatchers.
func (s *ImportService) Wait() {
	if inline, ok := s.dispatcher.(*InlineDispatcher); ok {
		inline.Wait()
	}
}

// SessionView is the API representation of a session.
type SessionView struct {
	Code             string                `json:"code"`
	Filename         string                `json:"filename"`
	Status           importer.Status       `json:"status"`
	Target           importer.ImportTarget `json:"target"`
	Headers          []string              `json:"headers"`
	Truncated        bool                  `json:"truncated"`
	Fields           importer.Catalog      `json:"fields"`
	Mapping          importer.Mapping      `json:"mapping"`
	Unmapped         []string              `json:"unmapped"`
	Conflicts        map[string][]string   `json:"conflicts"`
	Counts           importer.Counts       `json:"counts"`
	DuplicateWarning string                `json:"duplicate_warning,omitempty"`
	Progress         importer.Snapshot     `json:"progress"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

func NewSessionView(sess *importer.Session) *SessionView {
	return &SessionView{
		Code:             sess.Code,
		Filename:         sess.Filename,
		Status:           sess.Status,
		Target:           sess.Target,
		Headers:          sess.Headers(),
		Truncated:        sess.Table != nil && sess.Table.Truncated,
		Fields:           sess.Catalog,
		Mapping:          sess.Mapping,
		Unmapped:         sess.Mapping.Unmapped(sess.Catalog),
		Conflicts:        sess.Mapping.Conflicts(),
		Counts:           sess.Counts(),
		DuplicateWarning: sess.DuplicateWarning,
		Progress:         sess.Snapshot(),
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
	}
}

// RowView is a validated row plus its selection flag.
type RowView struct {
	importer.ValidatedRow
	Selected bool `json:"selected"`
}

type UploadInput struct {
	Filename string
	Data     []byte
	// Format is detected from Filename when empty.
	Format importer.Format
	// PreviewRows overrides the configured bound when positive.
	PreviewRows int
	Target      importer.ImportTarget
}

func (s *ImportService) lock(code string) func() {
	m, _ := s.locks.LoadOrStore(code, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// releaseLock drops the mutex of a session that will not be mutated again.
// The caller holds the lock.
func (s *ImportService) releaseLock(code string) {
	s.locks.Delete(code)
}

// load returns the session if it belongs to userID.
func (s *ImportService) load(ctx context.Context, userID int, code string) (*importer.Session, error) {
	sess, err := s.store.Load(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// mutate applies fn to the stored session and saves it when fn succeeds.
func (s *ImportService) mutate(ctx context.Context, userID int, code string, fn func(*importer.Session) error) (*importer.Session, error) {
	unlock := s.lock(code)
	defer unlock()

	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return sess, err
	}
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", code, err)
	}
	return sess, nil
}

func (s *ImportService) checker(target importer.ImportTarget) importer.ExistenceChecker {
	if s.invoices == nil {
		return nil
	}
	return s.invoices.Checker(target)
}

// Fields returns the field catalog new sessions map against.
func (s *ImportService) Fields() importer.Catalog {
	return importer.DefaultCatalog()
}

// Upload parses the file into a new session and runs auto-mapping.
func (s *ImportService) Upload(ctx context.Context, userID int, in UploadInput) (*SessionView, error) {
	target, err := normalizeTarget(in.Target)
	if err != nil {
		return nil, err
	}

	format := in.Format
	if format == "" {
		if format, err = importer.DetectFormat(in.Filename); err != nil {
			return nil, err
		}
	}
	previewRows := s.opts.PreviewRows
	if in.PreviewRows > 0 {
		previewRows = in.PreviewRows
	}

	code := sessionCodePrefix + uuid.New().String()[:8]
	sess := importer.NewSession(code, userID, in.Filename, target, nil)
	if err := sess.Ingest(in.Data, importer.ParseOptions{Format: format, MaxPreviewRows: previewRows}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"filename": in.Filename,
			"user_id":  userID,
		}).WithError(err).Info("Rejected import file")
		return nil, err
	}

	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", code, err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_code": code,
		"filename":     in.Filename,
		"rows":         len(sess.Table.Rows),
		"truncated":    sess.Table.Truncated,
		"unmapped":     len(sess.Mapping.Unmapped(sess.Catalog)),
	}).Info("Import session created")

	if s.history != nil {
		if err := s.history.Create(ctx, historyEntry(sess, "")); err != nil {
			s.logger.WithError(err).WithField("session_code", code).Warn("Failed to create import history entry")
		}
	}

	return NewSessionView(sess), nil
}

func normalizeTarget(t importer.ImportTarget) (importer.ImportTarget, error) {
	switch t.Kind {
	case "":
		t.Kind = importer.TargetInvoices
	case importer.TargetInvoices:
	case importer.TargetAccountingEntries:
		if t.EntryType == "" {
			return t, fmt.Errorf("%w: entry_type is required for accounting entries", ErrInvalidTarget)
		}
	default:
		return t, fmt.Errorf("%w: %s", ErrInvalidTarget, t.Kind)
	}
	return t, nil
}

// Get returns the session view.
func (s *ImportService) Get(ctx context.Context, userID int, code string) (*SessionView, error) {
	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	return NewSessionView(sess), nil
}

// Active lists the operator's sessions still held in the store.
func (s *ImportService) Active(ctx context.Context, userID int) ([]*SessionView, error) {
	codes, err := s.store.ListCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(codes))
	for _, code := range codes {
		sess, err := s.load(ctx, userID, code)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, NewSessionView(sess))
	}
	return views, nil
}

// Rows returns one page of rows. Before validation the rows are a preview
// through the current mapping.
func (s *ImportService) Rows(ctx context.Context, userID int, code, filter string, params utils.PaginationParams) ([]RowView, int, error) {
	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return nil, 0, err
	}

	rows := sess.Rows
	if !sess.RowsBuilt && sess.Table != nil {
		rows = importer.ValidateRows(sess.Table, sess.Mapping, sess.Catalog)
	}

	filtered := []RowView{}
	for _, row := range rows {
		selected := sess.Selected[row.RowIndex]
		keep := true
		switch filter {
		case "valid":
			keep = row.Valid()
		case "invalid":
			keep = !row.Valid()
		case "duplicates":
			keep = row.IsDuplicate
		case "selected":
			keep = selected
		}
		if keep {
			filtered = append(filtered, RowView{ValidatedRow: row, Selected: selected})
		}
	}

	start, end := utils.PageBounds(params, len(filtered))
	return filtered[start:end], len(filtered), nil
}

// SetMapping applies manual overrides, field key to source header. An empty
// header unmaps the field.
func (s *ImportService) SetMapping(ctx context.Context, userID int, code string, assignments map[string]string) (*SessionView, error) {
	keys := make([]string, 0, len(assignments))
	for key := range assignments {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sess, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		for _, key := range keys {
			if err := sess.SetMapping(key, assignments[key]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_code": code,
		"fields":       keys,
	}).Info("Mapping updated")
	return NewSessionView(sess), nil
}

// Validate runs the mapping gate, the row validator and the duplicate check.
func (s *ImportService) Validate(ctx context.Context, userID int, code string) (*SessionView, error) {
	sess, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		return sess.Validate(ctx, s.checker(sess.Target))
	})
	if err != nil {
		return nil, err
	}

	counts := sess.Counts()
	fields := logrus.Fields{
		"session_code": code,
		"valid":        counts.Valid,
		"invalid":      counts.Invalid,
		"duplicates":   counts.Duplicates,
	}
	if sess.DuplicateWarning != "" {
		s.logger.WithFields(fields).WithField("warning", sess.DuplicateWarning).Warn("Duplicate check unavailable, rows not flagged")
	}
	s.logger.WithFields(fields).Info("Import session validated")
	s.recordHistory(ctx, sess, "")

	return NewSessionView(sess), nil
}

// EditCell changes one value of one row and re-runs the checks for that row.
func (s *ImportService) EditCell(ctx context.Context, userID int, code string, rowIndex int, key, value string) (*importer.ValidatedRow, error) {
	var edited importer.ValidatedRow
	_, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		row, err := sess.EditCell(rowIndex, key, value)
		if err != nil {
			return err
		}
		if key == importer.FieldInvoiceNumber {
			single := []importer.ValidatedRow{*row}
			if err := importer.MarkDuplicates(ctx, s.checker(sess.Target), single); err != nil {
				s.logger.WithError(err).WithField("session_code", code).Warn("Duplicate check failed for edited row")
			} else {
				row.IsDuplicate = single[0].IsDuplicate
			}
		}
		edited = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &edited, nil
}

func (s *ImportService) DeleteRow(ctx context.Context, userID int, code string, rowIndex int) error {
	_, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		return sess.DeleteRow(rowIndex)
	})
	return err
}

// UpdateSelection changes the selection. mode is one of set, add, remove,
// all and none.
func (s *ImportService) UpdateSelection(ctx context.Context, userID int, code, mode string, rows []int) (importer.Counts, error) {
	sess, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		switch mode {
		case "set":
			if err := sess.ClearSelection(); err != nil {
				return err
			}
			return sess.Select(rows...)
		case "add":
			return sess.Select(rows...)
		case "remove":
			return sess.Deselect(rows...)
		case "all":
			return sess.SelectAll()
		case "none":
			return sess.ClearSelection()
		default:
			return fmt.Errorf("%w: %q", ErrUnknownSelectionMode, mode)
		}
	})
	if err != nil {
		return importer.Counts{}, err
	}
	return sess.Counts(), nil
}

// StartCommit moves the session to Committing and dispatches the commit.
// With all set every valid row is committed, otherwise the valid part of the
// selection. Rows with errors are skipped and reported in the summary.
func (s *ImportService) StartCommit(ctx context.Context, userID int, code string, all bool) (*models.CommitSummary, error) {
	return s.startCommit(ctx, userID, code, func(sess *importer.Session) ([]importer.ValidatedRow, int, error) {
		_, skipped := sess.CommitCandidates(all)
		rows, err := sess.BeginCommit(all)
		return rows, skipped, err
	})
}

// Retry commits the rows that failed in the last run.
func (s *ImportService) Retry(ctx context.Context, userID int, code string) (*models.CommitSummary, error) {
	return s.startCommit(ctx, userID, code, func(sess *importer.Session) ([]importer.ValidatedRow, int, error) {
		rows, err := sess.RetryFailed()
		return rows, 0, err
	})
}

func (s *ImportService) startCommit(ctx context.Context, userID int, code string, begin func(*importer.Session) ([]importer.ValidatedRow, int, error)) (*models.CommitSummary, error) {
	if s.invoices == nil {
		return nil, ErrNoInvoiceStore
	}
	summary := &models.CommitSummary{SessionCode: code}
	_, err := s.mutate(ctx, userID, code, func(sess *importer.Session) error {
		rows, skipped, err := begin(sess)
		if err != nil {
			return err
		}
		summary.Queued = len(rows)
		summary.Skipped = skipped
		for _, row := range rows {
			if row.IsDuplicate {
				summary.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_code": code,
		"queued":       summary.Queued,
		"skipped":      summary.Skipped,
		"duplicates":   summary.Duplicates,
	}).Info("Commit started")

	if err := s.dispatcher.Dispatch(ctx, code); err != nil {
		s.logger.WithError(err).WithField("session_code", code).Error("Failed to dispatch commit")
		s.abortCommit(context.WithoutCancel(ctx), code)
		return nil, err
	}
	return summary, nil
}

// abortCommit returns a session whose commit could not be dispatched to
// Validated with every pending row failed.
func (s *ImportService) abortCommit(ctx context.Context, code string) {
	unlock := s.lock(code)
	defer unlock()

	sess, err := s.store.Load(ctx, code)
	if err != nil || sess.Status != importer.StatusCommitting {
		return
	}
	if err := sess.FinishCommit(importer.CommitResult{FailedRows: sess.PendingRows()}); err != nil {
		return
	}
	if err := s.store.Save(ctx, sess); err != nil {
		s.logger.WithError(err).WithField("session_code", code).Error("Failed to save aborted commit")
	}
}

// RunCommit runs the Batch Committer for a session in Committing. Progress is
// saved after every chunk so other processes can poll it. It returns an
// error only when the session could not be read.
func (s *ImportService) RunCommit(ctx context.Context, code string) error {
	// Saves must happen even when ctx is cancelled mid-run.
	saveCtx := context.WithoutCancel(ctx)

	sess, err := s.store.Load(saveCtx, code)
	if errors.Is(err, ErrSessionNotFound) {
		s.logger.WithField("session_code", code).Warn("Commit for unknown session skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != importer.StatusCommitting {
		s.logger.WithFields(logrus.Fields{
			"session_code": code,
			"status":       sess.Status,
		}).Info("Session is not committing, skipping")
		return nil
	}

	if s.invoices == nil {
		s.logger.WithField("session_code", code).Error("No invoice store, failing commit")
		s.abortCommit(saveCtx, code)
		return ErrNoInvoiceStore
	}

	rows := sess.PendingRows()
	logger := s.logger.WithFields(logrus.Fields{
		"session_code": code,
		"rows":         len(rows),
		"target":       sess.Target.Kind,
	})
	logger.Info("Committing rows")

	committer := importer.NewCommitter(s.invoices.Persister(code, sess.OwnerID), s.opts.ChunkSize)
	committer.OnProgress = func(p importer.Progress) {
		unlock := s.lock(code)
		defer unlock()
		sess.UpdateProgress(p)
		if err := s.store.Save(saveCtx, sess); err != nil {
			logger.WithError(err).Warn("Failed to save commit progress")
		}
	}
	committer.OnChunk = func(o importer.ChunkOutcome) {
		chunkLog := logger.WithFields(logrus.Fields{
			"chunk": o.Index,
			"from":  o.From,
			"to":    o.To,
		})
		if o.Err != nil {
			chunkLog.WithError(o.Err).Error("Chunk failed")
			return
		}
		chunkLog.Debug("Chunk committed")
	}

	result := committer.Commit(ctx, sess.Target, rows)

	unlock := s.lock(code)
	defer unlock()
	if err := sess.FinishCommit(result); err != nil {
		return err
	}
	if err := s.store.Save(saveCtx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", code, err)
	}
	if sess.Status == importer.StatusCompleted {
		s.releaseLock(code)
	}

	logger.WithFields(logrus.Fields{
		"committed": result.CommittedCount,
		"failed":    len(result.FailedRows),
		"chunks":    result.Chunks,
		"status":    sess.Status,
	}).Info("Commit finished")
	s.recordHistory(saveCtx, sess, "")
	return nil
}

// Progress returns the Session Progress snapshot.
func (s *ImportService) Progress(ctx context.Context, userID int, code string) (importer.Snapshot, error) {
	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return importer.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Abandon discards the session. It is refused while a commit is running.
func (s *ImportService) Abandon(ctx context.Context, userID int, code string) error {
	unlock := s.lock(code)
	defer unlock()

	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return err
	}
	entry := historyEntry(sess, statusAbandoned)
	completed := sess.Status == importer.StatusCompleted
	if err := sess.Abandon(); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, code, userID); err != nil {
		return err
	}
	s.releaseLock(code)

	s.logger.WithField("session_code", code).Info("Import session abandoned")
	if !completed && s.history != nil {
		if err := s.history.Update(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("session_code", code).Warn("Failed to update import history")
		}
	}
	return nil
}

// ErrorReport builds an XLSX of the rows with errors and the failed rows.
func (s *ImportService) ErrorReport(ctx context.Context, userID int, code string) (*bytes.Buffer, error) {
	sess, err := s.load(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	return s.excel.GenerateErrorReport(sess)
}

// Template builds the XLSX upload template for the field catalog.
func (s *ImportService) Template() (*bytes.Buffer, error) {
	return s.excel.GenerateImportTemplate(s.Fields())
}

// History returns one page of the operator's import history.
func (s *ImportService) History(ctx context.Context, userID int, params utils.PaginationParams) ([]models.ImportLog, int, error) {
	if s.history == nil {
		return nil, 0, ErrHistoryUnavailable
	}
	return s.history.List(ctx, userID, params.Limit, utils.GetOffset(params.Page, params.Limit))
}

// HistoryExport builds an XLSX of the operator's import history.
func (s *ImportService) HistoryExport(ctx context.Context, userID int) (*bytes.Buffer, error) {
	if s.history == nil {
		return nil, ErrHistoryUnavailable
	}
	logs, _, err := s.history.List(ctx, userID, historyExportMax, 0)
	if err != nil {
		return nil, err
	}
	return s.excel.ExportImportHistory(logs)
}

func (s *ImportService) recordHistory(ctx context.Context, sess *importer.Session, status string) {
	if s.history == nil {
		return
	}
	if err := s.history.Update(ctx, historyEntry(sess, status)); err != nil {
		s.logger.WithError(err).WithField("session_code", sess.Code).Warn("Failed to update import history")
	}
}

func historyEntry(sess *importer.Session, status string) *models.ImportLog {
	if status == "" {
		status = string(sess.Status)
	}
	total := 0
	if sess.Table != nil {
		total = len(sess.Table.Rows)
	}
	return &models.ImportLog{
		SessionCode:   sess.Code,
		UserID:        sess.OwnerID,
		Filename:      sess.Filename,
		Target:        string(sess.Target.Kind),
		TotalRows:     total,
		CommittedRows: sess.CommittedCount,
		FailedRows:    len(sess.FailedRows),
		DuplicateRows: sess.Counts().Duplicates,
		Status:        status,
		Message:       sess.LastSummary,
	}
}
