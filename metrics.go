package volsynth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gekko3d/volsynth/volrt/rt/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages timed by Metrics.StageSeconds.
const (
	StageVoronoi   = "voronoi"
	StageDiffusion = "diffusion"
	StageIso       = "iso"
	StageIsolate   = "isolate"
	StageAtlas     = "atlas"
)

// Metrics holds the pipeline collectors on a private registry, so several
// pipelines in one process never collide on the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	SlicesGenerated     prometheus.Counter
	DiagramsCompleted   prometheus.Counter
	DiffusionIterations prometheus.Counter
	AllocationFailures  prometheus.Counter
	Reinitializations   prometheus.Counter
	LiveHandles         prometheus.Gauge
	ResidentBytes       prometheus.Gauge
	StageSeconds        *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SlicesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volsynth_voronoi_slices_total",
			Help: "Depth slices written by the Voronoi generator",
		}),
		DiagramsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volsynth_voronoi_diagrams_total",
			Help: "Completed Voronoi diagrams",
		}),
		DiffusionIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volsynth_diffusion_iterations_total",
			Help: "Diffusion iterations rendered",
		}),
		AllocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volsynth_allocation_failures_total",
			Help: "GPU allocations the device refused",
		}),
		Reinitializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volsynth_reinitializations_total",
			Help: "Pipeline re-initializations after an allocation failure",
		}),
		LiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volsynth_live_handles",
			Help: "Textures currently owned by the resource manager",
		}),
		ResidentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volsynth_resident_bytes",
			Help: "Device bytes held by managed textures",
		}),
		StageSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "volsynth_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"stage"},
		),
	}
	m.Registry.MustRegister(
		m.SlicesGenerated,
		m.DiagramsCompleted,
		m.DiffusionIterations,
		m.AllocationFailures,
		m.Reinitializations,
		m.LiveHandles,
		m.ResidentBytes,
		m.StageSeconds,
	)
	return m
}

// ObserveStage records the time since start under stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log core.Logger) {
	log = core.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("metrics: serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
}
