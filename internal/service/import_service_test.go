package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"invoice-import/internal/importer"
	"invoice-import/internal/models"
	"invoice-import/internal/repository"
	"invoice-import/internal/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const ordersCSV = "Invoice Number,Date,Customer,Total Amount,VAT,Status\n" +
	"RE-1,2024-01-05,Jane,100.00,19.00,paid\n" +
	"RE-2,2024-01-06,,50.00,,open\n" +
	"RE-3,2024-01-07,ACME,75.00,,open\n"

type fakeInvoices struct {
	mu       sync.Mutex
	existing map[string]bool
	checkErr error
	// failCalls lists the 1-based persist calls that fail.
	failCalls map[int]bool
	calls     int
	saved     []string
}

func (f *fakeInvoices) Checker(importer.ImportTarget) importer.ExistenceChecker {
	return importer.ExistenceCheckerFunc(func(_ context.Context, keys []string) ([]string, error) {
		if f.checkErr != nil {
			return nil, f.checkErr
		}
		var found []string
		for _, key := range keys {
			if f.existing[key] {
				found = append(found, key)
			}
		}
		return found, nil
	})
}

func (f *fakeInvoices) Persister(string, int) importer.BatchPersister {
	return importer.BatchPersisterFunc(func(_ context.Context, _ importer.ImportTarget, rows []importer.ValidatedRow) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		if f.failCalls[f.calls] {
			return errors.New("deadlock found")
		}
		for _, row := range rows {
			f.saved = append(f.saved, row.Value(importer.FieldInvoiceNumber))
		}
		return nil
	})
}

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) Create(ctx context.Context, log *models.ImportLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *mockHistory) Update(ctx context.Context, log *models.ImportLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *mockHistory) List(ctx context.Context, userID, limit, offset int) ([]models.ImportLog, int, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]models.ImportLog), args.Int(1), args.Error(2)
}

func newHistory() *mockHistory {
	h := &mockHistory{}
	h.On("Create", mock.Anything, mock.Anything).Return(nil)
	h.On("Update", mock.Anything, mock.Anything).Return(nil)
	return h
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestService commits synchronously inside StartCommit.
func newTestService(invoices *fakeInvoices, history HistoryStore, chunkSize int) *ImportService {
	var svc *ImportService
	dispatch := DispatcherFunc(func(ctx context.Context, code string) error {
		return svc.RunCommit(ctx, code)
	})
	svc = NewImportService(repository.NewMemorySessionStore(time.Hour), invoices, history, dispatch, quietLogger(), ImportOptions{ChunkSize: chunkSize})
	return svc
}

func upload(t *testing.T, svc *ImportService, userID int, data string) *SessionView {
	t.Helper()
	view, err := svc.Upload(context.Background(), userID, UploadInput{Filename: "orders.csv", Data: []byte(data)})
	require.NoError(t, err)
	return view
}

func TestImportService_FullFlow(t *testing.T) {
	ctx := context.Background()
	invoices := &fakeInvoices{existing: map[string]bool{"RE-3": true}}
	history := newHistory()
	svc := newTestService(invoices, history, 50)

	view := upload(t, svc, 4, ordersCSV)
	assert.Contains(t, view.Code, sessionCodePrefix)
	assert.Equal(t, importer.StatusMapped, view.Status)
	assert.Empty(t, view.Unmapped)
	assert.Equal(t, "Customer", view.Mapping.Header(importer.FieldCustomerName))

	view, err := svc.Validate(ctx, 4, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, view.Status)
	assert.Equal(t, importer.Counts{Total: 3, Valid: 2, Invalid: 1, Duplicates: 1}, view.Counts)

	summary, err := svc.StartCommit(ctx, 4, view.Code, true)
	require.NoError(t, err)
	assert.Equal(t, &models.CommitSummary{SessionCode: view.Code, Queued: 2, Skipped: 1, Duplicates: 1}, summary)
	assert.Equal(t, []string{"RE-1", "RE-3"}, invoices.saved)

	progress, err := svc.Progress(ctx, 4, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, progress.Status)
	assert.Equal(t, 2, progress.CommittedCount)
	assert.Equal(t, 1, progress.RemainingCount)
	assert.Equal(t, 100, progress.PercentCommitted)

	row, err := svc.EditCell(ctx, 4, view.Code, 1, importer.FieldCustomerName, "Joe")
	require.NoError(t, err)
	assert.True(t, row.Valid())

	_, err = svc.StartCommit(ctx, 4, view.Code, true)
	require.NoError(t, err)

	progress, err = svc.Progress(ctx, 4, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusCompleted, progress.Status)
	assert.Equal(t, 3, progress.CommittedCount)
	assert.Equal(t, []string{"RE-1", "RE-3", "RE-2"}, invoices.saved)

	history.AssertNumberOfCalls(t, "Create", 1)
	history.AssertCalled(t, "Update", mock.Anything, mock.MatchedBy(func(log *models.ImportLog) bool {
		return log.SessionCode == view.Code && log.Status == "completed" && log.CommittedRows == 3 && log.TotalRows == 3
	}))
	assert.False(t, hasLock(svc, view.Code))
}

func hasLock(svc *ImportService, code string) bool {
	_, ok := svc.locks.Load(code)
	return ok
}

func TestImportService_UploadRejects(t *testing.T) {
	svc := newTestService(&fakeInvoices{}, nil, 50)
	ctx := context.Background()

	_, err := svc.Upload(ctx, 1, UploadInput{Filename: "orders.csv", Data: []byte("Invoice Number,Date\n")})
	var parseErr *importer.ParseError
	assert.ErrorAs(t, err, &parseErr)

	_, err = svc.Upload(ctx, 1, UploadInput{Filename: "orders.pdf", Data: []byte(ordersCSV)})
	assert.Error(t, err)

	_, err = svc.Upload(ctx, 1, UploadInput{
		Filename: "orders.csv",
		Data:     []byte(ordersCSV),
		Target:   importer.ImportTarget{Kind: importer.TargetAccountingEntries},
	})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = svc.Upload(ctx, 1, UploadInput{
		Filename: "orders.csv",
		Data:     []byte(ordersCSV),
		Target:   importer.ImportTarget{Kind: "payments"},
	})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestImportService_PreviewRows(t *testing.T) {
	svc := newTestService(&fakeInvoices{}, nil, 50)

	view, err := svc.Upload(context.Background(), 1, UploadInput{Filename: "orders.csv", Data: []byte(ordersCSV), PreviewRows: 2})
	require.NoError(t, err)
	assert.True(t, view.Truncated)

	rows, total, err := svc.Rows(context.Background(), 1, view.Code, "all", utils.PaginationParams{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rows, 2)
}

func TestImportService_OwnerScoping(t *testing.T) {
	svc := newTestService(&fakeInvoices{}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)

	_, err := svc.Get(ctx, 2, view.Code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.Validate(ctx, 2, view.Code)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	active, err := svc.Active(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, view.Code, active[0].Code)

	active, err = svc.Active(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestImportService_RowsFilters(t *testing.T) {
	svc := newTestService(&fakeInvoices{existing: map[string]bool{"RE-1": true}}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	page := utils.PaginationParams{Page: 1, Limit: 10}

	// Before validation the rows are a preview through the mapping.
	rows, total, err := svc.Rows(ctx, 1, view.Code, "invalid", page)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, rows[0].RowIndex)
	assert.Equal(t, []string{"customerName missing"}, rows[0].Errors)

	_, err = svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)
	_, err = svc.UpdateSelection(ctx, 1, view.Code, "set", []int{2})
	require.NoError(t, err)

	rows, _, err = svc.Rows(ctx, 1, view.Code, "duplicates", page)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].RowIndex)

	rows, _, err = svc.Rows(ctx, 1, view.Code, "selected", page)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Selected)

	rows, total, err = svc.Rows(ctx, 1, view.Code, "valid", utils.PaginationParams{Page: 2, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RowIndex)

	rows, _, err = svc.Rows(ctx, 1, view.Code, "valid", utils.PaginationParams{Page: 5, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestImportService_SetMappingAndConflicts(t *testing.T) {
	svc := newTestService(&fakeInvoices{}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)

	view, err := svc.SetMapping(ctx, 1, view.Code, map[string]string{importer.FieldCustomerName: "Status"})
	require.NoError(t, err)
	assert.Equal(t, []string{importer.FieldCustomerName, importer.FieldStatus}, view.Conflicts["Status"])

	_, err = svc.Validate(ctx, 1, view.Code)
	var mappingErr *importer.MappingError
	require.ErrorAs(t, err, &mappingErr)

	_, err = svc.SetMapping(ctx, 1, view.Code, map[string]string{importer.FieldCustomerName: "Nope"})
	assert.ErrorIs(t, err, importer.ErrUnknownHeader)

	view, err = svc.SetMapping(ctx, 1, view.Code, map[string]string{importer.FieldCustomerName: "Customer"})
	require.NoError(t, err)
	assert.Empty(t, view.Conflicts)
	_, err = svc.Validate(ctx, 1, view.Code)
	assert.NoError(t, err)
}

func TestImportService_DuplicateCheckFailOpen(t *testing.T) {
	svc := newTestService(&fakeInvoices{checkErr: errors.New("connection refused")}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)

	view, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, "connection refused", view.DuplicateWarning)
	assert.Equal(t, 0, view.Counts.Duplicates)
}

func TestImportService_EditCellRechecksDuplicate(t *testing.T) {
	svc := newTestService(&fakeInvoices{existing: map[string]bool{"RE-9": true}}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	row, err := svc.EditCell(ctx, 1, view.Code, 0, importer.FieldInvoiceNumber, "RE-9")
	require.NoError(t, err)
	assert.True(t, row.IsDuplicate)

	_, err = svc.EditCell(ctx, 1, view.Code, 0, "discount", "5")
	assert.ErrorIs(t, err, importer.ErrUnknownField)
	_, err = svc.EditCell(ctx, 1, view.Code, 42, importer.FieldCustomerName, "x")
	assert.ErrorIs(t, err, importer.ErrRowNotFound)
}

func TestImportService_Selection(t *testing.T) {
	svc := newTestService(&fakeInvoices{}, nil, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	counts, err := svc.UpdateSelection(ctx, 1, view.Code, "set", []int{0})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Selected)

	counts, err = svc.UpdateSelection(ctx, 1, view.Code, "add", []int{2})
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Selected)

	counts, err = svc.UpdateSelection(ctx, 1, view.Code, "remove", []int{0})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Selected)

	counts, err = svc.UpdateSelection(ctx, 1, view.Code, "all", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Selected)

	counts, err = svc.UpdateSelection(ctx, 1, view.Code, "none", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Selected)

	_, err = svc.StartCommit(ctx, 1, view.Code, false)
	assert.ErrorIs(t, err, importer.ErrEmptySelection)

	_, err = svc.UpdateSelection(ctx, 1, view.Code, "toggle", nil)
	assert.ErrorIs(t, err, ErrUnknownSelectionMode)
}

func TestImportService_PartialFailureAndRetry(t *testing.T) {
	data := "Invoice Number,Date,Customer,Total Amount\n" +
		"RE-1,2024-01-05,Jane,1.00\n" +
		"RE-2,2024-01-06,John,2.00\n" +
		"RE-3,2024-01-07,ACME,3.00\n"
	invoices := &fakeInvoices{failCalls: map[int]bool{2: true}}
	svc := newTestService(invoices, nil, 1)
	ctx := context.Background()
	view := upload(t, svc, 1, data)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	require.NoError(t, err)

	progress, err := svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, progress.Status)
	assert.Equal(t, 2, progress.CommittedCount)
	assert.Equal(t, 1, progress.FailedCount)
	assert.Equal(t, "2 saved, 1 failed", progress.Summary)
	assert.Equal(t, []string{"RE-1", "RE-3"}, invoices.saved)

	report, err := svc.ErrorReport(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.NotZero(t, report.Len())

	summary, err := svc.Retry(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Queued)

	progress, err = svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusCompleted, progress.Status)
	assert.Equal(t, 3, progress.CommittedCount)
	assert.Equal(t, []string{"RE-1", "RE-3", "RE-2"}, invoices.saved)
}

func TestImportService_DispatchFailure(t *testing.T) {
	dispatch := DispatcherFunc(func(context.Context, string) error { return errors.New("redis down") })
	svc := NewImportService(repository.NewMemorySessionStore(time.Hour), &fakeInvoices{}, nil, dispatch, quietLogger(), ImportOptions{})
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	assert.EqualError(t, err, "redis down")

	progress, err := svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, progress.Status)
	assert.Equal(t, 2, progress.FailedCount)
	assert.Equal(t, 0, progress.CommittedCount)
}

func TestImportService_CommittingBlocksMutation(t *testing.T) {
	var dispatched []string
	dispatch := DispatcherFunc(func(_ context.Context, code string) error {
		dispatched = append(dispatched, code)
		return nil
	})
	invoices := &fakeInvoices{}
	svc := NewImportService(repository.NewMemorySessionStore(time.Hour), invoices, nil, dispatch, quietLogger(), ImportOptions{})
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	require.NoError(t, err)
	assert.Equal(t, []string{view.Code}, dispatched)

	progress, err := svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusCommitting, progress.Status)
	assert.Equal(t, 1, progress.ETASeconds)

	_, err = svc.EditCell(ctx, 1, view.Code, 1, importer.FieldCustomerName, "Joe")
	assert.ErrorIs(t, err, importer.ErrInvalidTransition)
	assert.ErrorIs(t, svc.DeleteRow(ctx, 1, view.Code, 0), importer.ErrInvalidTransition)
	assert.ErrorIs(t, svc.Abandon(ctx, 1, view.Code), importer.ErrInvalidTransition)
	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	assert.ErrorIs(t, err, importer.ErrInvalidTransition)

	require.NoError(t, svc.RunCommit(ctx, view.Code))
	progress, err = svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, progress.Status)
	assert.Equal(t, 2, progress.CommittedCount)

	// A second delivery of the same task is a no-op.
	require.NoError(t, svc.RunCommit(ctx, view.Code))
	assert.Len(t, invoices.saved, 2)

	assert.NoError(t, svc.RunCommit(ctx, "IMPORT-missing"))
}

func TestImportService_Abandon(t *testing.T) {
	history := newHistory()
	svc := newTestService(&fakeInvoices{}, history, 50)
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)

	require.NoError(t, svc.Abandon(ctx, 1, view.Code))

	_, err := svc.Get(ctx, 1, view.Code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	history.AssertCalled(t, "Update", mock.Anything, mock.MatchedBy(func(log *models.ImportLog) bool {
		return log.SessionCode == view.Code && log.Status == statusAbandoned && log.TotalRows == 3
	}))
	assert.False(t, hasLock(svc, view.Code))
}

func TestImportService_WithoutInvoiceStore(t *testing.T) {
	store := repository.NewMemorySessionStore(time.Hour)
	svc := NewImportService(store, nil, nil, DispatcherFunc(func(context.Context, string) error { return nil }), quietLogger(), ImportOptions{})
	ctx := context.Background()
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	assert.ErrorIs(t, err, ErrNoInvoiceStore)

	// A session that reached Committing elsewhere is failed, not run.
	sess, err := store.Load(ctx, view.Code)
	require.NoError(t, err)
	_, err = sess.BeginCommit(true)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sess))

	assert.ErrorIs(t, svc.RunCommit(ctx, view.Code), ErrNoInvoiceStore)
	progress, err := svc.Progress(ctx, 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, progress.Status)
	assert.Equal(t, 2, progress.FailedCount)
}

func TestImportService_InlineDispatcher(t *testing.T) {
	invoices := &fakeInvoices{}
	svc := NewImportService(repository.NewMemorySessionStore(time.Hour), invoices, nil, nil, quietLogger(), ImportOptions{ChunkSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	view := upload(t, svc, 1, ordersCSV)
	_, err := svc.Validate(ctx, 1, view.Code)
	require.NoError(t, err)

	_, err = svc.StartCommit(ctx, 1, view.Code, true)
	require.NoError(t, err)
	// The request ending must not stop the commit.
	cancel()
	svc.Wait()

	progress, err := svc.Progress(context.Background(), 1, view.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.CommittedCount)
	assert.Equal(t, importer.StatusValidated, progress.Status)
}

func TestImportService_History(t *testing.T) {
	ctx := context.Background()

	_, _, err := newTestService(&fakeInvoices{}, nil, 50).History(ctx, 1, utils.PaginationParams{Page: 1, Limit: 10})
	assert.ErrorIs(t, err, ErrHistoryUnavailable)

	history := &mockHistory{}
	logs := []models.ImportLog{{SessionCode: "IMPORT-1", Status: "completed"}}
	history.On("List", mock.Anything, 3, 10, 10).Return(logs, 11, nil)
	history.On("List", mock.Anything, 3, historyExportMax, 0).Return(logs, 1, nil)
	svc := newTestService(&fakeInvoices{}, history, 50)

	got, total, err := svc.History(ctx, 3, utils.PaginationParams{Page: 2, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, logs, got)
	assert.Equal(t, 11, total)

	buf, err := svc.HistoryExport(ctx, 3)
	require.NoError(t, err)
	assert.NotZero(t, buf.Len())
	history.AssertExpectations(t)
}
