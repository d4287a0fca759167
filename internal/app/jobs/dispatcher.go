package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/decisionbot/project/internal/platform/metrics"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

var (
	dispatchedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "jobs_dispatched_total",
		Help: "Jobs handed to a handler, by job name and outcome.",
	}, []string{"name", "outcome"})
	dispatchSeconds = metrics.NewHistogram(metrics.Opts{
		Name: "jobs_dispatch_duration_seconds",
		Help: "Time spent in job handlers.",
	}, nil)
)

func init() {
	metrics.Default.MustRegister(dispatchedTotal, dispatchSeconds)
}

// HandlerFunc runs one job. Metadata is the raw JSON stored with the job.
type HandlerFunc func(ctx context.Context, metadata json.RawMessage) error

type Dispatcher struct {
	Log    *log.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewDispatcher(logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Log:      logger,
		tracer:   telemetry.Tracer("github.com/decisionbot/project/jobs"),
		handlers: map[string]HandlerFunc{},
	}
}

// Register binds name to handler, replacing any earlier binding.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.mu.Lock()
	d.handlers[name] = handler
	d.mu.Unlock()
}

// Names lists the registered job names in order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch routes metadata to the handler registered for name. A name with no
// handler is logged and treated as done.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, metadata json.RawMessage) (err error) {
	d.mu.RLock()
	handler, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		d.Log.Warn("no handler for job", "name", name, "metadata", string(metadata), "err", ErrUnknownJob)
		dispatchedTotal.WithLabelValues(name, "unknown").Inc()
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "jobs.dispatch", trace.WithAttributes(attribute.String("job.name", name)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		dispatchSeconds.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		dispatchedTotal.WithLabelValues(name, outcome).Inc()
		telemetry.Finish(span, err)
	}()

	return handler(ctx, metadata)
}
