package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/jobs"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/relance"
)

const defaultUpcomingHorizon = 7 * 24 * time.Hour

// Evaluator is the part of the relance engine exposed over HTTP.
type Evaluator interface {
	EvaluateEntity(ctx context.Context, entityType, entityID string) (*relance.Evaluation, error)
	RefreshRules(ctx context.Context) error
	Catalog() *relance.Catalog
}

// MigrationControl drives the persisted migration state machine.
type MigrationControl interface {
	State() (*entities.MigrationState, error)
	Pause() error
	Resume() error
	Cancel() error
}

// Deps groups the collaborators of the controller. Nil optional fields
// disable their routes.
type Deps struct {
	Relances repository.RelanceRepository
	Types    repository.RelanceTypeRepository
	Engine   Evaluator
	// Migration and StartMigration are optional.
	Migration      MigrationControl
	StartMigration func(ctx context.Context, p jobs.MigratePayload) error
	// UpcomingHorizon is the default window of the upcoming query.
	UpcomingHorizon time.Duration
	Log             logger.Logger
}

// Controller serves the /api/v2 relance routes.
type Controller struct {
	Group *echo.Group

	relances        repository.RelanceRepository
	types           repository.RelanceTypeRepository
	engine          Evaluator
	migration       MigrationControl
	startMigration  func(ctx context.Context, p jobs.MigratePayload) error
	upcomingHorizon time.Duration
	log             logger.Logger
	now             func() time.Time
}

// New registers the /api/v2 routes on e.
func New(e *echo.Echo, deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = logger.NewNopLogger()
	}
	if deps.UpcomingHorizon <= 0 {
		deps.UpcomingHorizon = defaultUpcomingHorizon
	}
	c := &Controller{
		Group:           e.Group("/api/v2"),
		relances:        deps.Relances,
		types:           deps.Types,
		engine:          deps.Engine,
		migration:       deps.Migration,
		startMigration:  deps.StartMigration,
		upcomingHorizon: deps.UpcomingHorizon,
		log:             deps.Log.Named("api"),
		now:             time.Now,
	}
	c.initRelanceRoutes()
	c.initRuleRoutes()
	c.initMigrationRoutes()
	return c
}

// HandleError writes a JSON error. The status derives from the error
// category unless the category is unknown, in which case code is used.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	status := code
	switch errors.CategoryOf(err) {
	case errors.CategoryNotFound:
		status = http.StatusNotFound
	case errors.CategoryValidation, errors.CategoryInvariant:
		status = http.StatusConflict
	case errors.CategoryTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		c.log.Error(message,
			logger.String("path", ctx.Path()),
			logger.Error(err))
	}
	return ctx.JSON(status, map[string]string{
		"error":   message,
		"message": err.Error(),
	})
}

func badRequest(ctx echo.Context, message string) error {
	return ctx.JSON(http.StatusBadRequest, map[string]string{"error": message})
}

func parseUintParam(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
