package router

import (
	"invoice-import/internal/config"
	"invoice-import/internal/handler"
	"invoice-import/internal/middleware"
	"invoice-import/internal/service"

	"github.com/gofiber/fiber/v2"
)

func SetupAPIRoutes(router fiber.Router, importService *service.ImportService, cfg *config.Config) {
	importHandler := handler.NewImportHandler(importService, cfg)

	protected := router.Group("", middleware.AuthMiddleware(cfg))

	imports := protected.Group("/imports")
	imports.Get("/fields", importHandler.GetFields)
	imports.Get("/template", importHandler.DownloadTemplate)
	imports.Get("/active", importHandler.GetActive)
	imports.Get("/history/export", importHandler.ExportHistory)
	imports.Get("/", importHandler.GetHistory)
	imports.Post("/", importHandler.Upload)

	// Session routes
	imports.Get("/:code", importHandler.GetSession)
	imports.Delete("/:code", importHandler.Abandon)
	imports.Get("/:code/rows", importHandler.GetRows)
	imports.Put("/:code/rows/:row", importHandler.UpdateRow)
	imports.Delete("/:code/rows/:row", importHandler.DeleteRow)
	imports.Put("/:code/mapping", importHandler.UpdateMapping)
	imports.Post("/:code/validate", importHandler.Validate)
	imports.Put("/:code/selection", importHandler.UpdateSelection)

	// Commit routes
	imports.Post("/:code/commit", importHandler.Commit)
	imports.Post("/:code/retry", importHandler.Retry)
	imports.Get("/:code/progress", importHandler.GetProgress)
	imports.Get("/:code/error-report", importHandler.DownloadErrorReport)
}
