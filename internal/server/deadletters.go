package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/brandlens/brandlens/internal/diagnosis"
)

// DeadLettersHandler exposes the dead letter queue for inspection and
// manual replay.
type DeadLettersHandler struct {
	DLQ        *diagnosis.DeadLetterService
	Dispatcher *diagnosis.Dispatcher
}

func (h *DeadLettersHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("/:entry_id/retry", h.retry)
}

func (h *DeadLettersHandler) list(c echo.Context) error {
	filter := diagnosis.DeadLetterFilter{
		ExecutionID:    c.QueryParam("execution_id"),
		UnresolvedOnly: c.QueryParam("unresolved") == "true",
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	entries, err := h.DLQ.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []diagnosis.DeadLetterEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *DeadLettersHandler) retry(c echo.Context) error {
	entryID := c.Param("entry_id")
	err := h.Dispatcher.RetryDeadLetter(c.Request().Context(), entryID)
	if errors.Is(err, diagnosis.ErrDeadLetterNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"entry_id": entryID, "status": "resolved"})
}
