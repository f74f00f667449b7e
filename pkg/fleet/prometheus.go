package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/yowenter/fleetd/pkg/types"
)

const (
	RESULT_UPDATED      = "updated"
	RESULT_NOOP         = "noop"
	RESULT_CONFLICT     = "conflict"
	RESULT_NOT_FOUND    = "not_found"
	RESULT_INVALID      = "invalid"
	RESULT_PRECONDITION = "precondition_required"
	RESULT_UNAVAILABLE  = "unavailable"
	RESULT_ERROR        = "error"

	statusNone = "none"
)

var updateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_update_total",
	Help: "record update attempts by outcome",
}, []string{"kind", "result"})

var recordsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fleet_records",
	Help: "stored records by status",
}, []string{"kind", "status"})

func updateResult(res *types.UpdateResult, err error) string {
	switch {
	case err == nil && len(res.Changes) == 0:
		return RESULT_NOOP
	case err == nil:
		return RESULT_UPDATED
	case errors.Is(err, ErrConflict):
		return RESULT_CONFLICT
	case errors.Is(err, ErrNotFound):
		return RESULT_NOT_FOUND
	case errors.Is(err, ErrInvalidField):
		return RESULT_INVALID
	case errors.Is(err, ErrPreconditionRequired):
		return RESULT_PRECONDITION
	case errors.Is(err, ErrUnavailable):
		return RESULT_UNAVAILABLE
	default:
		return RESULT_ERROR
	}
}

func observeUpdate(kind string, res *types.UpdateResult, err error) {
	updateCounter.WithLabelValues(kind, updateResult(res, err)).Inc()
}

// CollectRecordMetrics counts stored records of every kind by status.
func (fc *FleetController) CollectRecordMetrics(ctx context.Context) error {
	counts := map[string]map[string]float64{}
	for _, kind := range fc.schemas.Kinds() {
		records, err := fc.ListRecords(ctx, kind)
		if err != nil {
			return err
		}
		counts[kind] = map[string]float64{}
		for _, r := range records {
			status := r.Fields["status"]
			if status == "" {
				status = statusNone
			}
			counts[kind][status] += 1
		}
		log.Debugf("kind %v records %v", kind, counts[kind])
	}

	recordsGauge.Reset()
	for kind, byStatus := range counts {
		for status, n := range byStatus {
			recordsGauge.WithLabelValues(kind, status).Set(n)
		}
	}
	return nil
}

func (fc *FleetController) MetricsCollector(ctx context.Context, interval time.Duration) {
	log.Infof("Sync record metrics started.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("Sync record metrics stopped.")
			return
		case <-ticker.C:
			if err := fc.CollectRecordMetrics(ctx); err != nil {
				log.Error("collect record metrics err ", err)
			}
		}
	}
}

func InitPrometheus() {
	log.Info("register fleet metrics")
	prometheus.MustRegister(updateCounter)
	prometheus.MustRegister(recordsGauge)
}
