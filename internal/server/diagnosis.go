package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	appconfig "github.com/brandlens/brandlens/config"
	"github.com/brandlens/brandlens/internal/diagnosis"
	"github.com/brandlens/brandlens/internal/provider"
)

// DiagnosisHandler exposes the execution lifecycle over HTTP: submission,
// the polling contract and cancellation.
type DiagnosisHandler struct {
	Repo       diagnosis.Repository
	Dispatcher *diagnosis.Dispatcher
	Registry   *provider.Registry
	Cfg        appconfig.DiagnosisConfig
}

func (h *DiagnosisHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:execution_id", h.poll)
	g.POST("/:execution_id/cancel", h.cancel)
}

type createRequest struct {
	Brand          string   `json:"brand"`
	Competitors    []string `json:"competitors"`
	Questions      []string `json:"questions"`
	Models         []string `json:"models"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type createResponse struct {
	ExecutionID string `json:"execution_id"`
}

type cellResultResponse struct {
	Brand        string          `json:"brand"`
	Question     string          `json:"question"`
	Model        string          `json:"model"`
	Outcome      string          `json:"outcome"`
	AttemptCount int             `json:"attempt_count"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}

type reportStubResponse struct {
	CompletenessRatio float64         `json:"completeness_ratio"`
	PartialPayload    json.RawMessage `json:"partial_payload,omitempty"`
	AdvisoryMessage   string          `json:"advisory_message"`
}

// pollResponse is the polling contract. should_stop_polling is the single
// authoritative stop signal; clients must obey it regardless of state.
type pollResponse struct {
	ExecutionID       string               `json:"execution_id"`
	State             string               `json:"state"`
	ProgressPercent   int                  `json:"progress_percent"`
	ShouldStopPolling bool                 `json:"should_stop_polling"`
	Results           []cellResultResponse `json:"results"`
	ReportStub        *reportStubResponse  `json:"report_stub,omitempty"`
}

func (h *DiagnosisHandler) create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Brand == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "brand is required")
	}
	for _, m := range req.Models {
		if _, ok := h.Registry.Adapter(m); !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown model: "+m)
		}
	}

	spec := diagnosis.MatrixSpec{
		Brands:    append([]string{req.Brand}, req.Competitors...),
		Questions: req.Questions,
		Models:    req.Models,
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	executionID, err := h.Dispatcher.Start(c.Request().Context(), spec, timeout)
	if err != nil {
		var ime *diagnosis.InvalidMatrixError
		if errors.As(err, &ime) {
			return echo.NewHTTPError(http.StatusBadRequest, ime.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, createResponse{ExecutionID: executionID})
}

func (h *DiagnosisHandler) poll(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	exec, err := h.Repo.GetExecution(ctx, executionID)
	if errors.Is(err, diagnosis.ErrExecutionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	cells, err := h.Repo.ListCellResults(ctx, executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := pollResponse{
		ExecutionID:       exec.ID,
		State:             string(exec.State),
		ProgressPercent:   exec.ProgressPercent,
		ShouldStopPolling: exec.ShouldStopPolling,
		Results:           make([]cellResultResponse, 0, len(cells)),
	}
	for _, cell := range cells {
		resp.Results = append(resp.Results, cellResultResponse{
			Brand:        cell.Cell.Brand,
			Question:     cell.Cell.Question,
			Model:        cell.Cell.Model,
			Outcome:      string(cell.Outcome),
			AttemptCount: cell.AttemptCount,
			Payload:      cell.Payload,
			ErrorDetail:  cell.ErrorDetail,
		})
	}

	if exec.State.Terminal() && exec.State != diagnosis.StateCompleted {
		if stub, ok, err := h.Repo.GetReportStub(ctx, executionID); err == nil && ok {
			resp.ReportStub = &reportStubResponse{
				CompletenessRatio: stub.CompletenessRatio,
				PartialPayload:    stub.PartialPayload,
				AdvisoryMessage:   stub.AdvisoryMessage,
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *DiagnosisHandler) cancel(c echo.Context) error {
	executionID := c.Param("execution_id")
	err := h.Dispatcher.Cancel(c.Request().Context(), executionID)
	if errors.Is(err, diagnosis.ErrExecutionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not running")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"execution_id": executionID, "status": "canceled"})
}
