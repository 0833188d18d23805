package connlog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/health-plan/connection-logs", h.List)
	api.POST("/health-plan/connection-logs/purge", h.Purge)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)

	filter := Filter{Operation: c.QueryParam("operation")}
	if raw := c.QueryParam("provider_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		filter.ProviderID = pid
	}
	if raw := c.QueryParam("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid success flag")
		}
		filter.Success = &v
	}
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		filter.Since = t
	}
	if raw := c.QueryParam("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "until must be RFC3339")
		}
		filter.Until = t
	}

	items, total, err := h.repo.List(c.Request().Context(), filter, pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type purgeRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// Purge deletes log entries older than the retention window.
func (h *Handler) Purge(c echo.Context) error {
	var req purgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RetentionDays <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "retentionDays must be positive")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -req.RetentionDays)
	deleted, err := h.repo.PurgeOlderThan(c.Request().Context(), cutoff)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}
