package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/config"
	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/pipeline"
	"github.com/dunamismax/backdrop/internal/queue"
	"github.com/dunamismax/backdrop/internal/removal"
	"github.com/dunamismax/backdrop/internal/storage"
	"github.com/dunamismax/backdrop/internal/store"
	"github.com/dunamismax/backdrop/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  compositor
	objectProcessor compositor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	errorCard       bool
	metrics         *metrics
	tracer          trace.Tracer
}

type compositor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	objectStore pipeline.ObjectStore,
	remover removal.Remover,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if objectStore == nil {
		return nil, fmt.Errorf("object store is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, remover)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: objectStore},
		pipeline.ObjectStoreEmitter{Storage: objectStore, OutputPrefix: "outputs"},
		remover,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		jobStore:        jobStore,
		usageStore:      usageStore,
		errorCard:       workerCfg.ErrorCard,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("backdrop/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeComposite, s.handleComposite)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleComposite(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseCompositePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.process(ctx, payload)
}

func (s *Server) process(ctx context.Context, payload queue.CompositePayload) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed
	mode := "full"
	if payload.Rerender {
		mode = "rerender"
	}

	ctx, span := s.tracer.Start(ctx, "worker.composite", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.mode", mode),
		attribute.Int("job.backdrops", len(payload.Backdrops)),
		attribute.Int("job.frame_width", payload.Frame.Width),
		attribute.Int("job.frame_height", payload.Frame.Height),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, mode, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, mode, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source_type=%s mode=%s backdrops=%d frame=%dx%d object_key=%s",
		payload.JobID,
		payload.SourceType,
		mode,
		len(payload.Backdrops),
		payload.Frame.Width,
		payload.Frame.Height,
		payload.ObjectKey,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:       payload.JobID,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		Frame:       payload.Frame,
		Backdrops:   payload.Backdrops,
		SkipRemoval: payload.Rerender,
		ErrorCard:   s.errorCard,
	}

	processor := s.objectProcessor
	if payload.SourceType == domain.SourceTypeLocalFile {
		processor = s.localProcessor
	}

	result, err := processor.Process(ctx, request)
	s.countOutputs(result)
	if err != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
			"outputs":      result.Outputs,
		})
		if permanentFailure(err) {
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	s.logger.Printf("Processed job_id=%s outputs=%d align=%s", payload.JobID, len(result.Outputs), alignLabel(result))
	s.storeResult(ctx, payload.JobID, payload.Frame, result)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))
	outcome = domain.JobStatusSucceeded

	// Delivery failures from here on must not trigger a task retry.
	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"frame":        payload.Frame,
		"placement":    result.Placement,
		"outputs":      result.Outputs,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

// storeResult saves the frame alongside the placement so bounds reported for
// a re-rendered job use the frame it was last rendered on.
func (s *Server) storeResult(ctx context.Context, jobID string, frame fit.Frame, result pipeline.Result) {
	if s.jobStore == nil || result.Placement == nil {
		return
	}
	s.metrics.placementsTotal.WithLabelValues(result.Placement.Align.String()).Inc()
	if _, err := s.jobStore.UpdateResult(ctx, jobID, result.CutoutPath, frame, *result.Placement); err != nil {
		s.logger.Printf("job result update failed job_id=%s err=%v", jobID, err)
	}
}

func (s *Server) countOutputs(result pipeline.Result) {
	s.metrics.removalCallsTotal.Add(float64(result.RemovalCalls))
	for _, output := range result.Outputs {
		s.metrics.outputsTotal.WithLabelValues(output.Kind).Inc()
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.CompositePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	var (
		composites     int
		pixelsRendered int64
	)
	for _, output := range result.Outputs {
		if output.Kind != pipeline.KindComposite {
			continue
		}
		composites++
		pixelsRendered += int64(output.Width * output.Height)
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:         userID,
		JobID:          jobID,
		Composites:     composites,
		PixelsRendered: pixelsRendered,
		RemovalCalls:   result.RemovalCalls,
		ComputeTimeMS:  computeTimeMS,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsRenderedTotal.Add(float64(pixelsRendered))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

// permanentFailure reports errors that another attempt cannot fix.
func permanentFailure(err error) bool {
	return errors.Is(err, removal.ErrRejected) ||
		errors.Is(err, removal.ErrMissingAPIKey) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, fit.ErrInvalidInput) ||
		errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, storage.ErrObjectTooLarge)
}

func alignLabel(result pipeline.Result) string {
	if result.Placement == nil {
		return "none"
	}
	return result.Placement.Align.String()
}
