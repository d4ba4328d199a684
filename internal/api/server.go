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

	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/dunamismax/normthumb/internal/id"
	"github.com/dunamismax/normthumb/internal/pipeline"
	"github.com/dunamismax/normthumb/internal/queue"
	"github.com/dunamismax/normthumb/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxBodyBytes = 1 << 20

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	renderer              *pipeline.Renderer
	presignTTL            time.Duration
	maxBodyBytes          int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueRenderThumbnail(ctx context.Context, payload queue.RenderThumbnailPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	Logger                *log.Logger
	Queue                 queueEnqueuer
	JobStore              store.JobStore
	Storage               objectStorage
	Renderer              *pipeline.Renderer
	PresignTTL            time.Duration
	MaxBodyBytes          int64
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Renderer == nil {
		opts.Renderer = pipeline.NewRenderer(pipeline.Options{Logger: opts.Logger})
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		queueClient:           opts.Queue,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		renderer:              opts.Renderer,
		presignTTL:            opts.PresignTTL,
		maxBodyBytes:          opts.MaxBodyBytes,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("normthumb/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
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

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/render", s.handleRender)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	maskKey := strings.TrimSpace(req.MaskKey)
	uploadState := "not_required"
	uploads := map[string]string{}

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		keys := map[string]string{"source": objectKey}
		if req.WithMask {
			maskKey = fmt.Sprintf("uploads/%s/mask", jobID)
			keys["mask"] = maskKey
		} else {
			maskKey = ""
		}
		for name, key := range keys {
			url, err := s.storage.PresignedPutURL(r.Context(), key, s.presignTTL)
			if err != nil {
				s.logger.Printf("generate presigned url failed for job %s: %v", jobID, err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
				return
			}
			uploads[name] = url
		}
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		Kind:       domain.NormalizeKind(req.Kind),
		WebhookURL: req.WebhookURL,
		ObjectKey:  objectKey,
		MaskKey:    maskKey,
		ClipRange:  req.ClipRange,
		LogEnabled: req.LogEnabled,
		Pipeline:   req.Pipeline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed for job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"kind":   job.Kind,
		"upload": map[string]any{
			"object_key":          job.ObjectKey,
			"mask_key":            job.MaskKey,
			"presigned_put_urls":  uploads,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"kind":        job.Kind,
		"source_type": job.SourceType,
		"object_key":  job.ObjectKey,
		"mask_key":    job.MaskKey,
		"clip_range":  job.ClipRange,
		"log":         job.LogEnabled,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}

	if job.Status == domain.JobStatusSucceeded && job.SourceType == domain.SourceTypeS3Presigned {
		thumbnails := make(map[string]string, len(job.Pipeline))
		for _, step := range job.Pipeline {
			key := pipeline.ThumbnailKey("", job.ID, step.ID, step.Format)
			exists, err := s.storage.ObjectExists(r.Context(), key)
			if err != nil {
				s.logger.Printf("thumbnail lookup failed for job %s step %s: %v", job.ID, step.ID, err)
				continue
			}
			if !exists {
				// Bypassed jobs leave the source as the only artifact.
				key = job.ObjectKey
			}
			url, err := s.storage.PresignedGetURL(r.Context(), key, s.presignTTL)
			if err != nil {
				s.logger.Printf("presign thumbnail failed for job %s step %s: %v", job.ID, step.ID, err)
				continue
			}
			thumbnails[step.ID] = url
		}
		resp["thumbnails"] = thumbnails
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if err := s.verifyInputsExist(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	payload := queue.RenderThumbnailPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		Kind:        job.Kind,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		MaskKey:     job.MaskKey,
		ClipRange:   job.ClipRange,
		LogEnabled:  job.LogEnabled,
		Pipeline:    job.Pipeline,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueRenderThumbnail(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already started"})
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed for job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed for job %s: %v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifyInputsExist(ctx context.Context, job domain.Job) error {
	keys := []string{job.ObjectKey}
	if job.MaskKey != "" {
		keys = append(keys, job.MaskKey)
	}

	for _, key := range keys {
		switch job.SourceType {
		case domain.SourceTypeLocalFile:
			if _, err := os.Stat(key); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("input object is missing: %s", key)
				}
				return fmt.Errorf("input object check failed: %w", err)
			}
		default:
			exists, err := s.storage.ObjectExists(ctx, key)
			if err != nil {
				return fmt.Errorf("input object check failed: %w", err)
			}
			if !exists {
				return fmt.Errorf("input object is missing: %s", key)
			}
		}
	}
	return nil
}

func (s *Server) decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, s.maxBodyBytes)
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

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
