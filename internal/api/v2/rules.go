package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/relance"
)

func (c *Controller) initRuleRoutes() {
	if c.engine == nil || c.types == nil {
		return
	}
	rules := c.Group.Group("/relances/rules")
	rules.GET("", c.ListRules)
	rules.PATCH("/:id/toggle", c.ToggleRule)
	rules.POST("/reset-defaults", c.ResetDefaultRules)
}

// ListRules returns the catalog rows and the schema of the rules in effect.
func (c *Controller) ListRules(ctx echo.Context) error {
	types, err := c.types.ListTypes(ctx.Request().Context(), repository.RelanceTypeFilter{
		AppliesTo: ctx.QueryParam("applies_to"),
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list rules", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"rules":  types,
		"count":  len(types),
		"schema": relance.GetSchema(c.engine.Catalog()),
	})
}

// ToggleRule enables or disables a rule and reloads the catalog. Existing
// relances of a disabled rule are left as they are.
func (c *Controller) ToggleRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	reqCtx := ctx.Request().Context()
	if err := c.types.ToggleType(reqCtx, id, body.Enabled); err != nil {
		return c.HandleError(ctx, err, "Failed to toggle rule", http.StatusInternalServerError)
	}
	if err := c.engine.RefreshRules(reqCtx); err != nil {
		return c.HandleError(ctx, err, "Failed to reload rules", http.StatusInternalServerError)
	}
	c.log.Info("relance rule toggled", logger.Uint64("id", uint64(id)), logger.Bool("enabled", body.Enabled))
	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// ResetDefaultRules re-seeds the built-in rules and reloads the catalog.
func (c *Controller) ResetDefaultRules(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()
	if err := relance.ResetDefaultTypes(reqCtx, c.types, c.log); err != nil {
		return c.HandleError(ctx, err, "Failed to reset default rules", http.StatusInternalServerError)
	}
	if err := c.engine.RefreshRules(reqCtx); err != nil {
		return c.HandleError(ctx, err, "Failed to reload rules", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"rules": c.engine.Catalog().Len()})
}
