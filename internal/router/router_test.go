package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"invoice-import/internal/config"
	"invoice-import/internal/importer"
	"invoice-import/internal/repository"
	"invoice-import/internal/service"
	"invoice-import/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersCSV = "Rechnungsnummer;Datum;Kunde;Betrag\n" +
	"RE-1;05.01.2024;Müller GmbH;1.190,00\n" +
	"RE-2;06.01.2024;;49,90\n" +
	"RE-3;07.01.2024;ACME;250,00\n"

type memoryInvoices struct {
	mu    sync.Mutex
	saved map[string]bool
}

func (m *memoryInvoices) Checker(importer.ImportTarget) importer.ExistenceChecker {
	return importer.ExistenceCheckerFunc(func(_ context.Context, keys []string) ([]string, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		var found []string
		for _, key := range keys {
			if m.saved[key] {
				found = append(found, key)
			}
		}
		return found, nil
	})
}

func (m *memoryInvoices) Persister(string, int) importer.BatchPersister {
	return importer.BatchPersisterFunc(func(_ context.Context, _ importer.ImportTarget, rows []importer.ValidatedRow) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, row := range rows {
			m.saved[row.Value(importer.FieldInvoiceNumber)] = true
		}
		return nil
	})
}

type envelope struct {
	Success    bool                  `json:"success"`
	Message    string                `json:"message"`
	Data       json.RawMessage       `json:"data"`
	Error      string                `json:"error"`
	Pagination *utils.PaginationMeta `json:"pagination"`
}

func newTestApp(t *testing.T) (*fiber.App, *memoryInvoices) {
	t.Helper()
	cfg := &config.Config{AppName: "invoice-import", AppEnv: "development", JWTSecret: "test", AuthDevTokens: true, UploadMaxSize: 1 << 20}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	invoices := &memoryInvoices{saved: make(map[string]bool)}
	var svc *service.ImportService
	dispatch := service.DispatcherFunc(func(ctx context.Context, code string) error {
		return svc.RunCommit(ctx, code)
	})
	svc = service.NewImportService(repository.NewMemorySessionStore(time.Hour), invoices, nil, dispatch, logger, service.ImportOptions{ChunkSize: 2})

	app := NewApp(cfg)
	Setup(app, svc, cfg)
	return app, invoices
}

func send(t *testing.T, app *fiber.App, req *http.Request, token string) (*http.Response, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func call(t *testing.T, app *fiber.App, method, path, token string, payload interface{}) (int, envelope) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, raw := send(t, app, req, token)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp.StatusCode, env
}

func uploadFile(t *testing.T, app *fiber.App, token, filename, content string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, raw := send(t, app, req, token)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp.StatusCode, env
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v), string(raw))
}

func TestImportAPI_FullFlow(t *testing.T) {
	app, invoices := newTestApp(t)
	const token = "dev-token-1"

	status, env := uploadFile(t, app, token, "bestellungen.csv", ordersCSV)
	require.Equal(t, fiber.StatusCreated, status, env.Error)
	var view service.SessionView
	decode(t, env.Data, &view)
	assert.Equal(t, importer.StatusMapped, view.Status)
	assert.Empty(t, view.Unmapped)
	base := "/api/v1/imports/" + view.Code

	status, env = call(t, app, http.MethodPost, base+"/validate", token, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error)
	decode(t, env.Data, &view)
	assert.Equal(t, importer.Counts{Total: 3, Valid: 2, Invalid: 1}, view.Counts)

	status, env = call(t, app, http.MethodGet, base+"/rows?filter=invalid", token, nil)
	require.Equal(t, fiber.StatusOK, status)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, int64(1), env.Pagination.Total)

	status, env = call(t, app, http.MethodPut, base+"/rows/1", token, fiber.Map{"field": importer.FieldCustomerName, "value": "Jane"})
	require.Equal(t, fiber.StatusOK, status, env.Error)

	status, env = call(t, app, http.MethodPut, base+"/selection", token, fiber.Map{"mode": "all"})
	require.Equal(t, fiber.StatusOK, status, env.Error)
	var counts importer.Counts
	decode(t, env.Data, &counts)
	assert.Equal(t, 3, counts.Selected)

	status, env = call(t, app, http.MethodPost, base+"/commit", token, nil)
	require.Equal(t, fiber.StatusAccepted, status, env.Error)

	status, env = call(t, app, http.MethodGet, base+"/progress", token, nil)
	require.Equal(t, fiber.StatusOK, status)
	var progress importer.Snapshot
	decode(t, env.Data, &progress)
	assert.Equal(t, importer.StatusCompleted, progress.Status)
	assert.Equal(t, 100, progress.PercentCommitted)
	assert.Equal(t, 3, progress.CommittedCount)
	assert.Len(t, invoices.saved, 3)

	resp, body := send(t, app, httptest.NewRequest(http.MethodGet, base+"/error-report", nil), token)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "spreadsheetml")
	assert.NotEmpty(t, body)

	status, _ = call(t, app, http.MethodDelete, base, token, nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = call(t, app, http.MethodGet, base, token, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestImportAPI_DuplicatesAcrossImports(t *testing.T) {
	app, _ := newTestApp(t)
	const token = "dev-token-1"

	_, env := uploadFile(t, app, token, "first.csv", ordersCSV)
	var view service.SessionView
	decode(t, env.Data, &view)
	call(t, app, http.MethodPost, "/api/v1/imports/"+view.Code+"/validate", token, nil)
	status, env := call(t, app, http.MethodPost, "/api/v1/imports/"+view.Code+"/commit", token, fiber.Map{"all": true})
	require.Equal(t, fiber.StatusAccepted, status)
	assert.Contains(t, env.Message, "1 rows with errors were skipped")

	_, env = uploadFile(t, app, token, "second.csv", ordersCSV)
	decode(t, env.Data, &view)
	status, env = call(t, app, http.MethodPost, "/api/v1/imports/"+view.Code+"/validate", token, nil)
	require.Equal(t, fiber.StatusOK, status)
	decode(t, env.Data, &view)
	assert.Equal(t, 2, view.Counts.Duplicates)
}

func TestImportAPI_Errors(t *testing.T) {
	app, _ := newTestApp(t)
	const token = "dev-token-1"

	status, _ := call(t, app, http.MethodGet, "/api/v1/imports/fields", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = uploadFile(t, app, token, "orders.pdf", ordersCSV)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = uploadFile(t, app, token, "empty.csv", "Rechnungsnummer;Datum\n")
	assert.Equal(t, fiber.StatusBadRequest, status)

	_, env := uploadFile(t, app, token, "orders.csv", ordersCSV)
	var view service.SessionView
	decode(t, env.Data, &view)
	base := "/api/v1/imports/" + view.Code

	// Another operator cannot see the session.
	status, _ = call(t, app, http.MethodGet, base, "dev-token-2", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = call(t, app, http.MethodPost, base+"/commit", token, nil)
	assert.Equal(t, fiber.StatusConflict, status)

	status, env = call(t, app, http.MethodPut, base+"/mapping", token, fiber.Map{
		"mapping": fiber.Map{importer.FieldCustomerName: "Betrag"},
	})
	require.Equal(t, fiber.StatusOK, status, env.Error)
	status, env = call(t, app, http.MethodPost, base+"/validate", token, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	var mappingErr importer.MappingError
	decode(t, env.Data, &mappingErr)
	assert.Equal(t, []string{importer.FieldCustomerName, importer.FieldTotalAmount}, mappingErr.Conflicts["Betrag"])

	status, _ = call(t, app, http.MethodPut, base+"/mapping", token, fiber.Map{
		"mapping": fiber.Map{importer.FieldCustomerName: "Nope"},
	})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, http.MethodPut, base+"/rows/abc", token, fiber.Map{"field": "x"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, http.MethodGet, "/api/v1/imports", token, nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestImportAPI_FieldsAndTemplate(t *testing.T) {
	app, _ := newTestApp(t)

	status, env := call(t, app, http.MethodGet, "/api/v1/imports/fields", "dev-token-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	var catalog importer.Catalog
	decode(t, env.Data, &catalog)
	assert.Equal(t, importer.DefaultCatalog(), catalog)

	resp, body := send(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/imports/template", nil), "dev-token-1")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "invoice_import_template.xlsx")
	assert.NotEmpty(t, body)

	status, env = call(t, app, http.MethodGet, "/api/v1/imports/active", "dev-token-1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestErrorHandler_UnknownRoute(t *testing.T) {
	app, _ := newTestApp(t)

	status, env := call(t, app, http.MethodGet, "/api/v2/nothing", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.False(t, env.Success)
}
