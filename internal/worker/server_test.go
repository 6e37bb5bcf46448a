package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/pipeline"
	"github.com/dunamismax/backdrop/internal/queue"
	"github.com/dunamismax/backdrop/internal/removal"
	"github.com/dunamismax/backdrop/internal/storage"
	"github.com/dunamismax/backdrop/internal/store"
	"github.com/dunamismax/backdrop/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-1", "user-1")

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-1", pipeline.Result{
		SourceBytes:  1_000,
		RemovalCalls: 1,
		Outputs: []pipeline.Output{
			{Kind: pipeline.KindCutout, Width: 40, Height: 40},
			{Kind: pipeline.KindComposite, Width: 10, Height: 10},
			{Kind: pipeline.KindComposite, Width: 20, Height: 20},
		},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.Composites != 2 {
		t.Fatalf("expected composites=2, got %d", usageStore.log.Composites)
	}
	if usageStore.log.PixelsRendered != 500 {
		t.Fatalf("expected pixels_rendered=500, got %d", usageStore.log.PixelsRendered)
	}
	if usageStore.log.RemovalCalls != 1 {
		t.Fatalf("expected removal_calls=1, got %d", usageStore.log.RemovalCalls)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageDefaultsToAnonymous(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-2", pipeline.Result{}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %q", usageStore.log.UserID)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestProcessStoresPlacementAndNotifies(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-3", "user-3")

	placement := fit.Placement{X: 0, Y: -375, Width: 900, Height: 1350, Align: fit.AlignHorizontal}
	compositor := &fakeCompositor{result: pipeline.Result{
		RemovalCalls: 1,
		CutoutPath:   "outputs/job-3/cutout.png",
		Placement:    &placement,
		Outputs: []pipeline.Output{
			{ID: "cutout", Kind: pipeline.KindCutout, Width: 600, Height: 900},
			{ID: "beach", Kind: pipeline.KindComposite, Width: 900, Height: 600},
		},
	}}
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, compositor, hooks)
	s.errorCard = true

	err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-3",
		SourceType: domain.SourceTypeS3Presigned,
		WebhookURL: "https://example.test/hook",
		ObjectKey:  "uploads/job-3/source",
		Frame:      fit.Frame{Width: 900, Height: 600},
		Backdrops:  []domain.Backdrop{{ID: "beach", Background: "color:#3366ff"}},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if compositor.req.SkipRemoval {
		t.Fatal("first render must call the removal service")
	}
	if !compositor.req.ErrorCard {
		t.Fatal("expected error cards to be requested")
	}

	job, _, _ := jobStore.Get(context.Background(), "job-3")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if job.CutoutKey != "outputs/job-3/cutout.png" {
		t.Fatalf("unexpected cutout key %q", job.CutoutKey)
	}
	if job.Placement == nil || *job.Placement != placement {
		t.Fatalf("unexpected stored placement %+v", job.Placement)
	}
	if hooks.event != webhook.EventJobCompleted {
		t.Fatalf("expected %s, got %q", webhook.EventJobCompleted, hooks.event)
	}

	logs := jobStore.UsageLogs()
	if len(logs) != 1 || logs[0].Composites != 1 || logs[0].PixelsRendered != 540_000 {
		t.Fatalf("unexpected usage logs %+v", logs)
	}
}

func TestProcessRerenderSkipsRemoval(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-4", "")

	compositor := &fakeCompositor{}
	s := newTestServer(jobStore, compositor, nil)

	if err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-4",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "outputs/job-4/cutout.png",
		Frame:      fit.Frame{Width: 900, Height: 600},
		Rerender:   true,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !compositor.req.SkipRemoval {
		t.Fatal("expected rerender to skip removal")
	}
}

func TestProcessRerenderStoresNewFrame(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-7", "user-7")

	placement := fit.Placement{X: -50, Width: 400, Height: 600, Align: fit.AlignVertical}
	compositor := &fakeCompositor{result: pipeline.Result{
		CutoutPath: "outputs/job-7/cutout.png",
		Placement:  &placement,
	}}
	s := newTestServer(jobStore, compositor, nil)

	narrow := fit.Frame{Width: 300, Height: 600}
	if err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-7",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "outputs/job-7/cutout.png",
		Frame:      narrow,
		Rerender:   true,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-7")
	if job.Frame != narrow {
		t.Fatalf("expected frame %+v after rerender, got %+v", narrow, job.Frame)
	}
	if got := job.Placement.Bounds(job.Frame); got.Max != (fit.Point{X: -100, Y: 0}) {
		t.Fatalf("unexpected bounds %+v", got)
	}
}

func TestProcessWebhookFailureAfterSuccessSkipsRetry(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-8", "user-8")

	placement := fit.Placement{Width: 900, Height: 600, Align: fit.AlignIdentity}
	compositor := &fakeCompositor{result: pipeline.Result{
		RemovalCalls: 1,
		CutoutPath:   "outputs/job-8/cutout.png",
		Placement:    &placement,
		Outputs: []pipeline.Output{
			{ID: "beach", Kind: pipeline.KindComposite, Width: 900, Height: 600},
		},
	}}
	hooks := &captureWebhook{err: errors.New("receiver returned 503")}
	s := newTestServer(jobStore, compositor, hooks)

	err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-8",
		SourceType: domain.SourceTypeS3Presigned,
		WebhookURL: "https://example.test/hook",
		ObjectKey:  "uploads/job-8/source",
		Frame:      fit.Frame{Width: 900, Height: 600},
	})
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry after a failed delivery, got %v", err)
	}
	if compositor.calls != 1 {
		t.Fatalf("expected one removal pass, got %d", compositor.calls)
	}
	if logs := jobStore.UsageLogs(); len(logs) != 1 {
		t.Fatalf("expected exactly one usage log, got %d", len(logs))
	}

	job, _, _ := jobStore.Get(context.Background(), "job-8")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected job to stay succeeded, got %s", job.Status)
	}
	if hooks.event != webhook.EventJobCompleted {
		t.Fatalf("expected %s delivery attempt, got %q", webhook.EventJobCompleted, hooks.event)
	}
}

func TestProcessFailureMarksJobFailed(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-5", "user-5")

	compositor := &fakeCompositor{err: pipeline.ErrRemovalFailed}
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, compositor, hooks)

	err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-5",
		SourceType: domain.SourceTypeS3Presigned,
		WebhookURL: "https://example.test/hook",
		ObjectKey:  "uploads/job-5/source",
		Frame:      fit.Frame{Width: 900, Height: 600},
	})
	if !errors.Is(err, pipeline.ErrRemovalFailed) {
		t.Fatalf("expected removal failure, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-5")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if hooks.event != webhook.EventJobFailed {
		t.Fatalf("expected %s, got %q", webhook.EventJobFailed, hooks.event)
	}
	if len(jobStore.UsageLogs()) != 0 {
		t.Fatal("failed jobs must not be billed")
	}
}

func TestProcessSkipsRetryForRejectedImage(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-6", "")

	rejected := fmt.Errorf("remove stage: %w", removal.ErrRejected)
	s := newTestServer(jobStore, &fakeCompositor{err: rejected}, nil)

	err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-6",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-6/source",
		Frame:      fit.Frame{Width: 900, Height: 600},
	})
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a rejected image, got %v", err)
	}
}

func TestProcessSkipsRetryForMissingSource(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-9", "")

	missing := fmt.Errorf("fetch stage: %w", storage.ErrObjectNotFound)
	s := newTestServer(jobStore, &fakeCompositor{err: missing}, nil)

	err := s.process(context.Background(), queue.CompositePayload{
		JobID:      "job-9",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-9/source",
		Frame:      fit.Frame{Width: 900, Height: 600},
	})
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a missing source object, got %v", err)
	}
}

func newTestServer(jobStore *store.MemoryJobStore, c compositor, hooks webhookSender) *Server {
	s := &Server{
		logger:          log.New(io.Discard, "", 0),
		sem:             make(chan struct{}, 1),
		localProcessor:  c,
		objectProcessor: c,
		jobStore:        jobStore,
		usageStore:      jobStore,
		metrics:         newMetrics(),
		tracer:          noop.NewTracerProvider().Tracer("test"),
	}
	if hooks != nil {
		s.webhookClient = hooks
	}
	return s
}

func seedJob(t *testing.T, jobStore *store.MemoryJobStore, id, userID string) {
	t.Helper()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         id,
		UserID:     userID,
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeS3Presigned,
		Frame:      fit.Frame{Width: 900, Height: 600},
		ObjectKey:  "uploads/" + id + "/source",
		Backdrops:  []domain.Backdrop{{ID: "beach", Background: "color:#3366ff"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

type fakeCompositor struct {
	req    pipeline.Request
	result pipeline.Result
	err    error
	calls  int
}

func (f *fakeCompositor) Process(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.calls++
	f.req = req
	return f.result, f.err
}

type captureWebhook struct {
	event   string
	payload any
	err     error
}

func (c *captureWebhook) Send(_ context.Context, _ string, event string, payload any) error {
	c.event = event
	c.payload = payload
	return c.err
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
