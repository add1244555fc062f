package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tourcraft/relances/internal/jobs"
	"github.com/tourcraft/relances/internal/migration"
)

const auditPageSize = 500

func (c *Controller) initMigrationRoutes() {
	c.Group.GET("/relances/audit", c.GetAudit)
	if c.migration == nil {
		return
	}
	c.Group.GET("/relances/migration", c.GetMigration)
	c.Group.POST("/relances/migration", c.ControlMigration)
}

// GetAudit scans the relance table and reports what a migration would repair.
func (c *Controller) GetAudit(ctx echo.Context) error {
	report, err := migration.Audit(ctx.Request().Context(), c.relances, auditPageSize, c.log)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to audit relances", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"healthy": report.Healthy(),
		"report":  report,
	})
}

// GetMigration returns the migration checkpoint.
func (c *Controller) GetMigration(ctx echo.Context) error {
	state, err := c.migration.State()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get migration state", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, state)
}

type migrationRequest struct {
	Action          string `json:"action"` // start, pause, resume or cancel
	DryRun          bool   `json:"dry_run"`
	DuplicateAction string `json:"duplicate_action"`
}

// ControlMigration starts, pauses, resumes or cancels the migration.
func (c *Controller) ControlMigration(ctx echo.Context) error {
	var req migrationRequest
	if err := ctx.Bind(&req); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	var err error
	switch req.Action {
	case "start":
		if c.startMigration == nil {
			return ctx.JSON(http.StatusNotImplemented, map[string]string{"error": "Migration start is not available"})
		}
		switch req.DuplicateAction {
		case "", migration.ActionComplete, migration.ActionDelete:
		default:
			return badRequest(ctx, "Invalid duplicate action")
		}
		err = c.startMigration(ctx.Request().Context(), jobs.MigratePayload{
			DryRun:          req.DryRun,
			DuplicateAction: req.DuplicateAction,
		})
		if err == nil {
			return ctx.JSON(http.StatusAccepted, map[string]string{"status": "started"})
		}
	case "pause":
		err = c.migration.Pause()
	case "resume":
		err = c.migration.Resume()
	case "cancel":
		err = c.migration.Cancel()
	default:
		return badRequest(ctx, "Unknown migration action")
	}
	if err != nil {
		return c.HandleError(ctx, err, "Failed to "+req.Action+" migration", http.StatusInternalServerError)
	}
	return c.GetMigration(ctx)
}
