package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/geo-sightings/internal/application/notification"
	"github.com/geo-sightings/internal/application/retention"
)

type sweeper interface {
	Sweep(ctx context.Context, tier retention.Tier) retention.Result
}

type notifySweeper interface {
	SweepRecent(ctx context.Context) (notification.SweepReport, error)
}

// SweepEnvelope reports one manual retention run.
type SweepEnvelope struct {
	Tier       retention.Tier           `json:"tier"`
	Deleted    int                      `json:"deleted"`
	Targets    []retention.TargetResult `json:"targets"`
	Partial    bool                     `json:"partial"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
}

// AdminHandler exposes the scheduled jobs to operators.
type AdminHandler struct {
	sweeper  sweeper
	notifier notifySweeper
}

func NewAdminHandler(s sweeper, n notifySweeper) *AdminHandler {
	return &AdminHandler{sweeper: s, notifier: n}
}

// Sweep runs the server-tier retention sweep. A partial run is still 200; the body says
// what was left.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res := h.sweeper.Sweep(r.Context(), retention.TierServer)
	env := SweepEnvelope{
		Tier:       res.Tier,
		Deleted:    res.Deleted,
		Targets:    res.Targets,
		Partial:    res.Partial != nil,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Partial != nil {
		env.Error = res.Partial.Error()
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *AdminHandler) NotifySweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.notifier.SweepRecent(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
