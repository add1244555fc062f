package api

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/logger"
)

func (c *Controller) initRelanceRoutes() {
	r := c.Group.Group("/relances")
	r.GET("/overdue", c.ListOverdue)
	r.GET("/upcoming", c.ListUpcoming)
	r.GET("/entity/:type/:id", c.ListByEntity)
	r.GET("/type/:entityType", c.ListByEntityType)
	r.GET("/key/:dedupKey", c.ListByDedupKey)
	r.POST("/:id/complete", c.CompleteRelance)
	if c.engine != nil {
		r.POST("/evaluate/:type/:id", c.EvaluateEntity)
	}
}

func relanceList(ctx echo.Context, rels []entities.Relance) error {
	if rels == nil {
		rels = []entities.Relance{}
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"relances": rels,
		"count":    len(rels),
	})
}

// ListOverdue returns pending relances past their due date.
func (c *Controller) ListOverdue(ctx echo.Context) error {
	rels, err := c.relances.FindOverdue(ctx.Request().Context(), c.now())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list overdue relances", http.StatusInternalServerError)
	}
	return relanceList(ctx, rels)
}

// ListUpcoming returns pending relances due within ?horizon= (default from settings).
func (c *Controller) ListUpcoming(ctx echo.Context) error {
	horizon := c.upcomingHorizon
	if raw := ctx.QueryParam("horizon"); raw != "" {
		d, err := conf.ParseDuration(raw)
		if err != nil || d <= 0 {
			return badRequest(ctx, "Invalid horizon")
		}
		horizon = d.Std()
	}
	rels, err := c.relances.FindUpcoming(ctx.Request().Context(), c.now(), horizon)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list upcoming relances", http.StatusInternalServerError)
	}
	return relanceList(ctx, rels)
}

// ListByEntity returns every relance of one entity.
func (c *Controller) ListByEntity(ctx echo.Context) error {
	rels, err := c.relances.FindByEntity(ctx.Request().Context(), ctx.Param("type"), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list entity relances", http.StatusInternalServerError)
	}
	return relanceList(ctx, rels)
}

// ListByEntityType returns every relance attached to an entity type.
func (c *Controller) ListByEntityType(ctx echo.Context) error {
	rels, err := c.relances.FindByEntityType(ctx.Request().Context(), ctx.Param("entityType"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list relances", http.StatusInternalServerError)
	}
	return relanceList(ctx, rels)
}

// ListByDedupKey returns the history of one dedup key, newest first.
func (c *Controller) ListByDedupKey(ctx echo.Context) error {
	key, err := url.PathUnescape(ctx.Param("dedupKey"))
	if err != nil || key == "" {
		return badRequest(ctx, "Invalid dedup key")
	}
	rels, err := c.relances.FindByDedupKey(ctx.Request().Context(), key)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list relances", http.StatusInternalServerError)
	}
	return relanceList(ctx, rels)
}

// CompleteRelance closes a relance on behalf of a user.
func (c *Controller) CompleteRelance(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid relance ID")
	}
	rel, err := c.relances.MarkManuallyCompleted(ctx.Request().Context(), id, c.now())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to complete relance", http.StatusInternalServerError)
	}
	c.log.Info("relance completed manually",
		logger.Uint64("id", uint64(rel.ID)),
		logger.String("dedup_key", rel.DedupKey))
	return ctx.JSON(http.StatusOK, rel)
}

// EvaluateEntity evaluates one entity immediately and returns what changed.
func (c *Controller) EvaluateEntity(ctx echo.Context) error {
	ev, err := c.engine.EvaluateEntity(ctx.Request().Context(), ctx.Param("type"), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to evaluate entity", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, ev)
}
