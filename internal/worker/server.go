package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/normthumb/internal/config"
	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/dunamismax/normthumb/internal/pipeline"
	"github.com/dunamismax/normthumb/internal/queue"
	"github.com/dunamismax/normthumb/internal/storage"
	"github.com/dunamismax/normthumb/internal/store"
	"github.com/dunamismax/normthumb/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outcomeBypassed = "bypassed"

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processors    map[string]processor
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	renderCfg config.RenderConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	opts := pipeline.Options{
		Logger:      logger,
		LoadTimeout: renderCfg.LoadTimeout,
		TargetBound: renderCfg.TargetBound,
	}

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, opts)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var sender webhookSender
	if webhookClient != nil {
		sender = webhookClient
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
		sem: make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processors: map[string]processor{
			domain.SourceTypeLocalFile:   localProcessor,
			domain.SourceTypeS3Presigned: objectProcessor,
		},
		webhookClient: sender,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("normthumb/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderThumbnail, s.handleRenderThumbnail)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRenderThumbnailPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	kind := domain.NormalizeKind(payload.Kind)

	ctx, span := s.tracer.Start(ctx, "worker.render_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.kind", kind),
		attribute.Bool("job.masked", payload.MaskKey != ""),
		attribute.Int("job.pipeline_steps", len(payload.Pipeline)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(kind, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(kind, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"rendering job_id=%s kind=%s source_type=%s outputs=%d object_key=%s mask_key=%s",
		payload.JobID,
		kind,
		payload.SourceType,
		len(payload.Pipeline),
		payload.ObjectKey,
		payload.MaskKey,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	proc, ok := s.processors[payload.SourceType]
	if !ok {
		err := fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, payload.SourceType)
		s.failJob(ctx, span, payload, err)
		return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
	}

	result, err := proc.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		Kind:       kind,
		ObjectKey:  payload.ObjectKey,
		MaskKey:    payload.MaskKey,
		ClipRange:  payload.ClipRange,
		LogEnabled: payload.LogEnabled,
		Pipeline:   payload.Pipeline,
	})
	if err != nil {
		s.failJob(ctx, span, payload, err)
		if permanent(err) {
			return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	event := webhook.EventThumbnailCompleted
	if result.BypassReason != "" {
		event = webhook.EventThumbnailBypassed
		s.logger.Printf("bypassed job_id=%s reason=%q", payload.JobID, result.BypassReason)
	} else {
		s.logger.Printf(
			"rendered job_id=%s outputs=%d gated=%d masked=%d min=%g max=%g",
			payload.JobID,
			len(result.Outputs),
			result.Stats.GatedPixels,
			result.Stats.MaskedPixels,
			result.Stats.Min,
			result.Stats.Max,
		)
		if result.Stats.Degenerate {
			s.metrics.degenerateTotal.Inc()
		}
	}

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusSucceeded)
	s.metrics.pipelineOutputsTotal.Add(float64(len(result.Outputs)))
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	body := map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"kind":         kind,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      result.Outputs,
	}
	if result.BypassReason != "" {
		body["bypass_reason"] = result.BypassReason
	}
	if err := s.dispatchWebhook(ctx, payload, event, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	if result.BypassReason != "" {
		outcome = outcomeBypassed
	}
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

func (s *Server) failJob(ctx context.Context, span trace.Span, payload queue.RenderThumbnailPayload, err error) {
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, "pipeline failed")
	_ = s.dispatchWebhook(ctx, payload, webhook.EventThumbnailFailed, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        err.Error(),
	})
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, pipeline.ErrDecode) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, storage.ErrObjectNotFound)
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderThumbnailPayload, event string, body map[string]any) error {
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
		pixelsProcessed  int64
		totalOutputBytes int
	)
	if result.BypassReason == "" {
		pixelsProcessed = int64(result.Stats.Width * result.Stats.Height)
		for _, output := range result.Outputs {
			totalOutputBytes += output.Bytes
		}
	}

	bytesSaved := int64(result.SourceBytes - totalOutputBytes)
	if bytesSaved < 0 || result.BypassReason != "" {
		bytesSaved = 0
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		PixelsProcessed: pixelsProcessed,
		PixelsMasked:    int64(result.Stats.MaskedPixels),
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.pixelsMaskedTotal.Add(float64(usage.PixelsMasked))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
