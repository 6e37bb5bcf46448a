package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/id"
	"github.com/dunamismax/backdrop/internal/queue"
	"github.com/dunamismax/backdrop/internal/ratelimit"
	"github.com/dunamismax/backdrop/internal/storage"
	"github.com/dunamismax/backdrop/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultUserIDHeader  = "X-User-ID"
	defaultMaxUploadSize = 12 << 20
	uploadFormField      = "image_file"
)

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	defaultFrame          fit.Frame
	maxUploadSize         int64
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	handler               http.Handler
}

// Options tune a Server. Zero values fall back to defaults.
type Options struct {
	PresignTTL    time.Duration
	DefaultFrame  fit.Frame
	MaxUploadSize int64
	RateLimiter   ratelimit.Limiter
	UserIDHeader  string
}

type queueEnqueuer interface {
	EnqueueComposite(ctx context.Context, payload queue.CompositePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.DefaultFrame.Width <= 0 || opts.DefaultFrame.Height <= 0 {
		opts.DefaultFrame = fit.Frame{Width: domain.DefaultFrameWidth, Height: domain.DefaultFrameHeight}
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = defaultUserIDHeader
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		jobStore:              jobStore,
		storage:               storage,
		presignTTL:            opts.PresignTTL,
		defaultFrame:          opts.DefaultFrame,
		maxUploadSize:         opts.MaxUploadSize,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("backdrop/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	s.handler = s.withTracing(s.metrics.withInFlight(s.withRateLimit(s.mux)))
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) WriteObject(_ context.Context, _ string, _ []byte, _ string) error {
	return errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.handle("GET /healthz", http.HandlerFunc(s.handleHealthz))
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.handle("POST /v1/jobs", http.HandlerFunc(s.handleCreateJob))
	s.handle("GET /v1/jobs/{id}", http.HandlerFunc(s.handleGetJob))
	s.handle("PUT /v1/jobs/{id}/source", http.HandlerFunc(s.handleUploadSource))
	s.handle("POST /v1/jobs/{id}/start", http.HandlerFunc(s.handleStartJob))
	s.handle("POST /v1/jobs/{id}/backdrops", http.HandlerFunc(s.handleRerender))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = storage.SourceKey(jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("generate presigned url failed job_id=%s err=%v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     s.userID(r),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Frame:      req.FrameOrDefault(s.defaultFrame),
		Backdrops:  req.Backdrops,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.metrics.jobsCreated.WithLabelValues(job.SourceType).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"frame":  job.Frame,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
			"direct_upload_url":   fmt.Sprintf("/v1/jobs/%s/source", job.ID),
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	body := map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"source_type": job.SourceType,
		"frame":       job.Frame,
		"backdrops":   job.Backdrops,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if job.Placement != nil {
		body["placement"] = job.Placement
		body["bounds"] = job.Placement.Bounds(job.Frame)
	}
	if job.CutoutKey != "" {
		body["cutout_key"] = job.CutoutKey
		if job.SourceType == domain.SourceTypeS3Presigned {
			url, err := s.storage.PresignedGetURL(r.Context(), job.CutoutKey, s.presignTTL)
			if err != nil {
				s.logger.Printf("presign cutout failed job_id=%s err=%v", job.ID, err)
			} else {
				body["cutout_url"] = url
			}
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// handleUploadSource accepts the photo as multipart form data for clients
// that cannot PUT to a presigned URL.
func (s *Server) handleUploadSource(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.SourceType != domain.SourceTypeS3Presigned {
		writeError(w, http.StatusConflict, "direct upload requires source_type s3_presigned")
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %s form file", uploadFormField))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "upload is empty")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if err := s.storage.WriteObject(r.Context(), job.ObjectKey, data, contentType); err != nil {
		s.logger.Printf("direct upload failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	s.metrics.uploadBytes.Observe(float64(len(data)))

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"object_key": job.ObjectKey,
		"bytes":      len(data),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.enqueue(w, r, job, queue.CompositePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Frame:       job.Frame,
		Backdrops:   job.Backdrops,
		RequestedAt: time.Now().UTC(),
	})
}

type rerenderRequest struct {
	Frame     *fit.Frame        `json:"frame,omitempty"`
	Backdrops []domain.Backdrop `json:"backdrops"`
}

// handleRerender composites a finished job's cutout over new backdrops
// without another removal call.
func (s *Server) handleRerender(w http.ResponseWriter, r *http.Request) {
	var req rerenderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := domain.ValidateBackdrops(req.Backdrops); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.CutoutKey == "" {
		writeError(w, http.StatusConflict, "job has no cutout yet")
		return
	}

	frame := job.Frame
	if req.Frame != nil {
		if err := domain.ValidateFrame(*req.Frame); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		frame = *req.Frame
	}

	s.enqueue(w, r, job, queue.CompositePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.CutoutKey,
		Frame:       frame,
		Backdrops:   req.Backdrops,
		Rerender:    true,
		RequestedAt: time.Now().UTC(),
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job domain.Job, payload queue.CompositePayload) {
	taskInfo, err := s.queueClient.EnqueueComposite(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	mode := "full"
	if payload.Rerender {
		mode = "rerender"
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue, mode).Inc()
	s.metrics.backdropsPerJob.WithLabelValues(mode).Observe(float64(len(payload.Backdrops)))

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"rerender":    payload.Rerender,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
