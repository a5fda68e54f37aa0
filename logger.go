package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// loggerForWorker returns the structured log entry every component of one
// worker logs through. Rank and world size ride along on every line so
// interleaved multi-worker output stays attributable.
func loggerForWorker(rank, worldSize int) *log.Entry {
	return log.WithFields(log.Fields{
		"rank":       rank,
		"world_size": worldSize,
	})
}

// Trainer instrumentation. Dashboards and scrape wiring live outside this
// program; these are just the instruments.
var (
	optimizerStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardtrain_optimizer_steps_total",
		Help: "Completed optimizer steps.",
	})
	checkpointsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardtrain_checkpoints_saved_total",
		Help: "Checkpoint files written.",
	})
	stepLossGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardtrain_step_loss",
		Help: "Loss of the most recent optimizer step.",
	})
	throughputGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardtrain_throughput_seqs_per_second",
		Help: "Moving-window training throughput.",
	})
)

// logTrainStep emits the per-optimizer-step progress line and updates the
// step instruments. Root worker only.
func logTrainStep(entry *log.Entry, ev StepEvent, throughput float64) {
	optimizerStepsTotal.Inc()
	stepLossGauge.Set(ev.Loss)
	throughputGauge.Set(throughput)

	fields := log.Fields{
		"epoch":         ev.Epoch,
		"step":          ev.GlobalStep,
		"step_loss":     fmt.Sprintf("%.4f", ev.Loss),
		"learning_rate": fmt.Sprintf("%.2e", ev.LR),
		"throughput":    fmt.Sprintf("%.2f", throughput),
	}
	if ev.GradNorm != nil {
		fields["grad_norm"] = fmt.Sprintf("%.4f", *ev.GradNorm)
	}
	entry.WithFields(fields).Info("step")
}

// serveMetrics exposes the prometheus registry on addr. Errors are logged,
// not fatal: training does not depend on scrapability.
func serveMetrics(addr string, entry *log.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			entry.WithError(err).Warn("metrics listener stopped")
		}
	}()
}
