package transaction

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/gateway/connector"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/health-plan/authorizations", h.CreateAuthorization)
	api.GET("/health-plan/authorizations", h.ListAuthorizations)
	api.GET("/health-plan/authorizations/:id", h.GetAuthorization)
	api.POST("/health-plan/authorizations/:id/submit", h.SubmitAuthorization)
	api.POST("/health-plan/authorizations/:id/cancel", h.CancelAuthorization)

	api.POST("/health-plan/eligibility-checks", h.CheckEligibility)
	api.GET("/health-plan/eligibility-checks", h.ListEligibility)
	api.GET("/health-plan/eligibility-checks/:id", h.GetEligibility)
}

func (h *Handler) CreateAuthorization(c echo.Context) error {
	var in AuthorizationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.CreateAuthorization(c.Request().Context(), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAuthorization(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAuthorization(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "authorization not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAuthorizations(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.Status = AuthorizationStatus(c.QueryParam("status"))

	items, total, err := h.svc.ListAuthorizations(c.Request().Context(), filter, pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) SubmitAuthorization(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.SubmitAuthorization(c.Request().Context(), id)
	if err != nil {
		return submissionError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAuthorization(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.CancelAuthorization(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotPending) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckEligibility(c echo.Context) error {
	var in EligibilityInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.CheckEligibility(c.Request().Context(), in)
	if err != nil {
		return submissionError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEligibility(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEligibility(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "eligibility check not found")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEligibility(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListEligibility(c.Request().Context(), filter, pg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var filter Filter
	if raw := c.QueryParam("provider_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		filter.ProviderID = id
	}
	if raw := c.QueryParam("patient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = id
	}
	return filter, nil
}

// submissionError maps workflow and gateway failures to HTTP statuses: the
// caller's mistake is 4xx, an unreachable or misbehaving provider is 502.
func submissionError(err error) error {
	if errors.Is(err, ErrNotPending) || errors.Is(err, ErrProviderNotReady) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var gerr *connector.Error
	if errors.As(err, &gerr) {
		switch gerr.Outcome {
		case connector.OutcomeConfigError:
			return echo.NewHTTPError(http.StatusBadRequest, gerr.Error())
		case connector.OutcomeAuthError:
			return echo.NewHTTPError(http.StatusBadGateway, gerr.Error())
		default:
			return echo.NewHTTPError(http.StatusBadGateway, gerr.Error())
		}
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
