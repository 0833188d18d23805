package connector

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/gateway/provider"
)

type Handler struct {
	tester *Tester
}

func NewHandler(tester *Tester) *Handler {
	return &Handler{tester: tester}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/health-plan/providers/:id/test", h.TestConnection)
}

type testConnectionRequest struct {
	EndpointType provider.EndpointType `json:"endpointType"`
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req testConnectionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.EndpointType == "" {
		req.EndpointType = provider.EndpointType(c.QueryParam("endpoint_type"))
	}

	report, err := h.tester.TestConnection(c.Request().Context(), id, req.EndpointType)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "a connection test is already running")
		}
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
