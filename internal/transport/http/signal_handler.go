package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "stockpulse/internal/errors"
	"stockpulse/internal/middleware"
	"stockpulse/internal/signal"
	"stockpulse/pkg/contracts/domain"
)

var categories = []string{domain.CategoryAShare, domain.CategoryHK, domain.CategoryUS}

// SignalHandler computes market heat on demand
type SignalHandler struct {
	calc   *signal.Calculator
	source signal.IndicatorSource
	query  *middleware.QueryParamValidator
	errors *apierrors.ErrorHandler
	logger *slog.Logger
}

// NewSignalHandler creates a signal handler. source may be nil; then only
// query parameters feed the calculator.
func NewSignalHandler(calc *signal.Calculator, source signal.IndicatorSource, query *middleware.QueryParamValidator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *SignalHandler {
	if calc == nil {
		calc = signal.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		calc:   calc,
		source: source,
		query:  query,
		errors: errorHandler,
		logger: logger.With(slog.String("handler", "signal")),
	}
}

// SignalResponse is the computed signal with the inputs it used
type SignalResponse struct {
	*domain.SignalSummary
	Values map[string]float64 `json:"values"`
}

// Compute handles GET /api/signal. Each indicator may be passed as a query
// parameter; with subject_id set, configured values fill the gaps.
// Anything still missing falls back to its neutral value.
func (h *SignalHandler) Compute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	category, ok := h.query.ValidateEnum(w, r, "category", categories, domain.CategoryUS)
	if !ok {
		return
	}

	values := map[string]*float64{}
	if subject := r.URL.Query().Get("subject_id"); subject != "" && h.source != nil {
		configured, err := h.source.Indicators(ctx, subject, category)
		if err != nil {
			h.logger.WarnContext(ctx, "indicator_source_failed",
				slog.String("subject_id", subject),
				slog.String("error", err.Error()))
		}
		for k, v := range configured {
			values[k] = v
		}
	}

	for _, ind := range h.calc.Indicators() {
		v, ok := h.query.ValidateFloat(w, r, ind.Name)
		if !ok {
			return
		}
		if v != nil {
			values[ind.Name] = v
		}
	}

	sig := h.calc.Compute(values)
	h.logger.DebugContext(ctx, "signal_computed",
		slog.Float64("score", sig.Score),
		slog.String("tier", sig.Tier),
		slog.Int("defaulted", len(sig.Defaulted)))

	render.JSON(w, r, SignalResponse{SignalSummary: sig.Summary(), Values: sig.Values})
}
