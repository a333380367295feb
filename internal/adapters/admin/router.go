package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

// StepReader returns the logged events of one run.
type StepReader interface {
	Steps(ctx context.Context, runID string) ([]saga.Event, error)
}

// Dependencies are the pieces the admin surface reads from. Only Metrics and Runs
// are required.
type Dependencies struct {
	ServiceName string
	Metrics     *observability.Metrics
	Runs        saga.RunStore
	Lister      saga.RunLister
	Steps       StepReader
	// Events serves the live step stream, typically realtime.Hub.ServeWS.
	Events http.HandlerFunc
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type runView struct {
	orders.Outcome
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Completed []string     `json:"completed,omitempty"`
	Steps     []saga.Event `json:"steps,omitempty"`
}

// NewRouter builds the admin HTTP handler.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.ServiceName == "" {
		deps.ServiceName = "orderflow"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(deps.ServiceName))

	r.GET("/metrics", gin.WrapH(observability.Handler(deps.Metrics)))
	r.GET("/healthz", handleHealth(deps))
	r.GET("/runs", handleListRuns(deps))
	r.GET("/runs/:order_id", handleGetRun(deps))
	if deps.Events != nil {
		r.GET("/events", gin.WrapF(deps.Events))
	}
	return r
}

func handleHealth(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": deps.ServiceName, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": deps.ServiceName})
	}
}

func handleListRuns(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Lister == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "run listing not configured"})
			return
		}
		state := saga.State(c.Query("state"))
		if state != "" && !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state", "details": string(state)})
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		runs, err := deps.Lister.List(c.Request.Context(), state, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs", "details": err.Error()})
			return
		}
		out := make([]runView, 0, len(runs))
		for _, run := range runs {
			out = append(out, viewOf(run))
		}
		c.JSON(http.StatusOK, gin.H{"runs": out})
	}
}

func handleGetRun(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := deps.Runs.Latest(c.Request.Context(), c.Param("order_id"))
		if errors.Is(err, saga.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded for order"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run", "details": err.Error()})
			return
		}
		view := viewOf(run)
		if deps.Steps != nil {
			steps, err := deps.Steps.Steps(c.Request.Context(), run.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load steps", "details": err.Error()})
				return
			}
			view.Steps = steps
		}
		c.JSON(http.StatusOK, view)
	}
}

func viewOf(run *saga.Run) runView {
	view := runView{
		Outcome:   orders.OutcomeFromRun(run),
		StartedAt: run.StartedAt,
	}
	if !run.EndedAt.IsZero() {
		ended := run.EndedAt
		view.EndedAt = &ended
	}
	for _, step := range run.Completed {
		view.Completed = append(view.Completed, step.Name)
	}
	return view
}
