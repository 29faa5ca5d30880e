package notes

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peridot/api/internal/quota"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peridot_note_mutations_total",
			Help: "Note mutations by operation and outcome",
		},
		[]string{"op", "result"},
	)

	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peridot_quota_rejections_total",
			Help: "Writes refused because the owner's storage quota was full",
		},
	)
)

func observeMutation(op string, err error) {
	mutationsTotal.WithLabelValues(op, outcome(err)).Inc()
	if errors.Is(err, quota.ErrQuotaExceeded) {
		quotaRejectionsTotal.Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "exists"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota"
	default:
		return "error"
	}
}
