package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"invoice-import/internal/config"
	"invoice-import/internal/importer"
	"invoice-import/internal/middleware"
	"invoice-import/internal/service"
	"invoice-import/internal/utils"

	"github.com/gofiber/fiber/v2"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ImportHandler struct {
	importService *service.ImportService
	cfg           *config.Config
}

func NewImportHandler(importService *service.ImportService, cfg *config.Config) *ImportHandler {
	return &ImportHandler{
		importService: importService,
		cfg:           cfg,
	}
}

type mappingRequest struct {
	Mapping map[string]string `json:"mapping"`
}

type editCellRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type selectionRequest struct {
	Mode string `json:"mode"`
	Rows []int  `json:"rows"`
}

type commitRequest struct {
	All bool `json:"all"`
}

func (h *ImportHandler) GetFields(c *fiber.Ctx) error {
	return utils.SuccessResponse(c, "Fields retrieved successfully", h.importService.Fields())
}

func (h *ImportHandler) DownloadTemplate(c *fiber.Ctx) error {
	buf, err := h.importService.Template()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate template", err)
	}
	return sendXLSX(c, "invoice_import_template.xlsx", buf)
}

func (h *ImportHandler) GetHistory(c *fiber.Ctx) error {
	params := utils.GetPaginationParams(c)

	logs, total, err := h.importService.History(c.UserContext(), middleware.UserID(c), params)
	if err != nil {
		return respondError(c, err)
	}

	pagination := utils.CalculatePagination(params.Page, params.Limit, int64(total))
	return utils.PaginatedResponseBuilder(c, "Import history retrieved successfully", logs, pagination)
}

func (h *ImportHandler) ExportHistory(c *fiber.Ctx) error {
	buf, err := h.importService.HistoryExport(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	filename := fmt.Sprintf("import_history_%s.xlsx", time.Now().Format("20060102_150405"))
	return sendXLSX(c, filename, buf)
}

func (h *ImportHandler) GetActive(c *fiber.Ctx) error {
	sessions, err := h.importService.Active(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Active sessions retrieved successfully", sessions)
}

func (h *ImportHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File is required", err)
	}
	if file.Size > int64(h.cfg.UploadMaxSize) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File size exceeds maximum limit", nil)
	}

	f, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to read file", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to read file", err)
	}

	previewRows := 0
	if v := c.FormValue("preview_rows"); v != "" {
		if previewRows, err = strconv.Atoi(v); err != nil || previewRows < 0 {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid preview_rows", nil)
		}
	}

	view, err := h.importService.Upload(c.UserContext(), middleware.UserID(c), service.UploadInput{
		Filename:    file.Filename,
		Data:        data,
		Format:      importer.Format(c.FormValue("format")),
		PreviewRows: previewRows,
		Target: importer.ImportTarget{
			Kind:       importer.TargetKind(c.FormValue("target")),
			EntryType:  c.FormValue("entry_type"),
			TemplateID: c.FormValue("template_id"),
		},
	})
	if err != nil {
		return respondError(c, err)
	}

	return utils.CreatedResponse(c, "File uploaded successfully", view)
}

func (h *ImportHandler) GetSession(c *fiber.Ctx) error {
	view, err := h.importService.Get(c.UserContext(), middleware.UserID(c), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Session retrieved successfully", view)
}

// GetRows lists rows. ?filter= is one of all, valid, invalid, duplicates and
// selected.
func (h *ImportHandler) GetRows(c *fiber.Ctx) error {
	params := utils.GetPaginationParams(c)
	rows, total, err := h.importService.Rows(c.UserContext(), middleware.UserID(c), c.Params("code"), c.Query("filter", "all"), params)
	if err != nil {
		return respondError(c, err)
	}

	pagination := utils.CalculatePagination(params.Page, params.Limit, int64(total))
	return utils.PaginatedResponseBuilder(c, "Rows retrieved successfully", rows, pagination)
}

func (h *ImportHandler) UpdateMapping(c *fiber.Ctx) error {
	var req mappingRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if len(req.Mapping) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Mapping is required", nil)
	}

	view, err := h.importService.SetMapping(c.UserContext(), middleware.UserID(c), c.Params("code"), req.Mapping)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Mapping updated successfully", view)
}

func (h *ImportHandler) Validate(c *fiber.Ctx) error {
	view, err := h.importService.Validate(c.UserContext(), middleware.UserID(c), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Session validated successfully", view)
}

func (h *ImportHandler) UpdateRow(c *fiber.Ctx) error {
	rowIndex, err := c.ParamsInt("row")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid row index", err)
	}
	var req editCellRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	row, err := h.importService.EditCell(c.UserContext(), middleware.UserID(c), c.Params("code"), rowIndex, req.Field, req.Value)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Row updated successfully", row)
}

func (h *ImportHandler) DeleteRow(c *fiber.Ctx) error {
	rowIndex, err := c.ParamsInt("row")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid row index", err)
	}
	if err := h.importService.DeleteRow(c.UserContext(), middleware.UserID(c), c.Params("code"), rowIndex); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Row deleted successfully", nil)
}

func (h *ImportHandler) UpdateSelection(c *fiber.Ctx) error {
	var req selectionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	counts, err := h.importService.UpdateSelection(c.UserContext(), middleware.UserID(c), c.Params("code"), req.Mode, req.Rows)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Selection updated successfully", counts)
}

func (h *ImportHandler) Commit(c *fiber.Ctx) error {
	var req commitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	summary, err := h.importService.StartCommit(c.UserContext(), middleware.UserID(c), c.Params("code"), req.All)
	if err != nil {
		return respondError(c, err)
	}

	message := "Commit started"
	if summary.Skipped > 0 {
		message = fmt.Sprintf("Commit started, %d rows with errors were skipped", summary.Skipped)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.Response{
		Success: true,
		Message: message,
		Data:    summary,
	})
}

func (h *ImportHandler) Retry(c *fiber.Ctx) error {
	summary, err := h.importService.Retry(c.UserContext(), middleware.UserID(c), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.Response{
		Success: true,
		Message: "Retry started",
		Data:    summary,
	})
}

func (h *ImportHandler) GetProgress(c *fiber.Ctx) error {
	progress, err := h.importService.Progress(c.UserContext(), middleware.UserID(c), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Progress retrieved successfully", progress)
}

func (h *ImportHandler) DownloadErrorReport(c *fiber.Ctx) error {
	code := c.Params("code")
	buf, err := h.importService.ErrorReport(c.UserContext(), middleware.UserID(c), code)
	if err != nil {
		return respondError(c, err)
	}
	return sendXLSX(c, fmt.Sprintf("errors_%s.xlsx", code), buf)
}

func (h *ImportHandler) Abandon(c *fiber.Ctx) error {
	if err := h.importService.Abandon(c.UserContext(), middleware.UserID(c), c.Params("code")); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, "Session abandoned", nil)
}

func sendXLSX(c *fiber.Ctx, filename string, buf *bytes.Buffer) error {
	c.Set(fiber.HeaderContentType, xlsxContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(buf.Bytes())
}

// respondError maps service and session errors to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var (
		parseErr   *importer.ParseError
		mappingErr *importer.MappingError
	)
	switch {
	case errors.As(err, &parseErr):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse file", err)
	case errors.As(err, &mappingErr):
		return utils.ErrorResponseWithData(c, fiber.StatusUnprocessableEntity, "Mapping is not ready", err, mappingErr)
	case errors.Is(err, service.ErrSessionNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Import session not found", err)
	case errors.Is(err, importer.ErrRowNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Row not found", err)
	case errors.Is(err, importer.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Action not allowed in the current session state", err)
	case errors.Is(err, importer.ErrUnknownField),
		errors.Is(err, importer.ErrUnknownHeader),
		errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, service.ErrUnknownSelectionMode):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, importer.ErrEmptySelection),
		errors.Is(err, importer.ErrNothingToCommit):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Nothing to commit", err)
	case errors.Is(err, service.ErrHistoryUnavailable):
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Import history is not available", err)
	case errors.Is(err, service.ErrNoInvoiceStore):
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Invoice storage is not available", err)
	default:
		utils.GetLogger().WithError(err).WithField("path", c.Path()).Error("Import request failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", err)
	}
}
