// Package ops exposes the relay daemon's introspection surface: outbox
// statistics, projection statuses, checkpoints, and the aggregated
// health view that operators and alerting read.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/outbox"
)

type Handler struct {
	outbox      outbox.Store
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

func New(outboxStore outbox.Store, checkpoints *checkpoint.Manager, logger *slog.Logger) *Handler {
	return &Handler{outbox: outboxStore, checkpoints: checkpoints, logger: logger}
}

func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	byStatus := make(map[string]int64, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total":                      stats.Total,
		"by_status":                  byStatus,
		"oldest_pending_age_seconds": int64(stats.OldestPendingAge / time.Second),
	})
}

func (h *Handler) Projections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses, err := h.checkpoints.ListStatuses(r.Context())
	if err != nil {
		h.logger.Error("projection list failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		entry := map[string]any{
			"projector":       st.Projector,
			"status":          string(st.Status),
			"processed_count": st.ProcessedCount,
			"error_count":     st.ErrorCount,
			"updated_at":      st.UpdatedAt,
		}
		if st.LastProcessedAt != nil {
			entry["last_processed_at"] = st.LastProcessedAt
		}
		if st.LastError != "" {
			entry["last_error"] = st.LastError
		}
		out = append(out, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, err := h.checkpoints.HealthSummary(r.Context())
	if err != nil {
		h.logger.Error("health summary failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	byStatus := make(map[string]int, len(summary.ByStatus))
	for status, count := range summary.ByStatus {
		byStatus[string(status)] = count
	}
	stalled := make([]map[string]any, 0, len(summary.Stalled))
	for _, lag := range summary.Stalled {
		stalled = append(stalled, map[string]any{
			"projector":      lag.Projector,
			"topic":          lag.Topic,
			"partition":      lag.Partition,
			"offset":         lag.Offset,
			"behind_seconds": int64(lag.Behind / time.Second),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"projectors":      summary.Projectors,
		"by_status":       byStatus,
		"processed_total": summary.ProcessedTotal,
		"error_total":     summary.ErrorTotal,
		"stalled":         stalled,
	})
}

func (h *Handler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		cps []checkpoint.Checkpoint
		err error
	)
	if projector := r.URL.Query().Get("projector"); projector != "" {
		cps, err = h.checkpoints.ForProjector(r.Context(), projector)
	} else {
		cps, err = h.checkpoints.List(r.Context())
	}
	if err != nil {
		h.logger.Error("checkpoint list failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(cps))
	for _, cp := range cps {
		out = append(out, map[string]any{
			"projector":  cp.Projector,
			"topic":      cp.Topic,
			"partition":  cp.Partition,
			"offset":     cp.Offset,
			"updated_at": cp.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
