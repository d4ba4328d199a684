package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/dunamismax/normthumb/internal/pipeline"
	"github.com/dunamismax/normthumb/internal/queue"
	"github.com/dunamismax/normthumb/internal/storage"
	"github.com/dunamismax/normthumb/internal/store"
	"github.com/dunamismax/normthumb/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Status:     domain.JobStatusProcessing,
		SourceType: domain.SourceTypeLocalFile,
		Kind:       domain.KindRaw,
		ObjectKey:  "input.json",
		Pipeline:   []domain.RenderStep{{ID: "thumb", TargetBound: 100}},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-1", pipeline.Result{
		SourceBytes: 1_000,
		Stats:       pipeline.Stats{Width: 40, Height: 20, MaskedPixels: 120},
		Outputs: []pipeline.Output{
			{Width: 10, Height: 5, Bytes: 300},
			{Width: 20, Height: 10, Bytes: 400},
		},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.PixelsProcessed != 800 {
		t.Fatalf("expected pixels_processed=800, got %d", usageStore.log.PixelsProcessed)
	}
	if usageStore.log.PixelsMasked != 120 {
		t.Fatalf("expected pixels_masked=120, got %d", usageStore.log.PixelsMasked)
	}
	if usageStore.log.BytesSaved != 300 {
		t.Fatalf("expected bytes_saved=300, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-2", pipeline.Result{
		SourceBytes: 100,
		Stats:       pipeline.Stats{Width: 5, Height: 5},
		Outputs: []pipeline.Output{
			{Width: 5, Height: 5, Bytes: 200},
		},
	}, 0)

	if usageStore.log.BytesSaved != 0 {
		t.Fatalf("expected bytes_saved=0, got %d", usageStore.log.BytesSaved)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageBypassCountsNothing(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-3", pipeline.Result{
		SourceBytes:  5_000,
		BypassReason: pipeline.ErrLogDisabled.Error(),
		Outputs:      []pipeline.Output{{Bytes: 5_000, Bypassed: true}},
	}, time.Millisecond)

	if usageStore.log.PixelsProcessed != 0 || usageStore.log.BytesSaved != 0 {
		t.Fatalf("expected zero usage for bypass, got %+v", usageStore.log)
	}
}

func TestHandleRenderThumbnailBypassReportsEvent(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-bypass")

	sender := &captureSender{}
	proc := &fakeProcessor{result: pipeline.Result{
		State:        pipeline.StateDone,
		BypassReason: pipeline.ErrLogDisabled.Error(),
		Outputs:      []pipeline.Output{{StepID: "thumb", Path: "in.json", Bypassed: true, Success: true}},
	}}
	s := newTestServer(jobStore, sender, map[string]processor{domain.SourceTypeLocalFile: proc})

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-bypass",
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "http://hooks.invalid/x",
		ObjectKey:  "in.json",
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	if err := s.handleRenderThumbnail(context.Background(), task); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if sender.event != webhook.EventThumbnailBypassed {
		t.Fatalf("expected bypass event, got %q", sender.event)
	}
	if proc.got.Kind != domain.KindRaw {
		t.Fatalf("expected empty kind to normalize to raw, got %q", proc.got.Kind)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-bypass")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", job.Status)
	}
}

func TestHandleRenderThumbnailMissingObjectSkipsRetry(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-missing")

	sender := &captureSender{}
	proc := &fakeProcessor{err: fmt.Errorf("%w: source: %w", pipeline.ErrLoad, storage.ErrObjectNotFound)}
	s := newTestServer(jobStore, sender, map[string]processor{domain.SourceTypeS3Presigned: proc})

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-missing",
		SourceType: domain.SourceTypeS3Presigned,
		WebhookURL: "http://hooks.invalid/x",
		ObjectKey:  "uploads/job-missing/source",
		LogEnabled: true,
		ClipRange:  []float64{1, 10},
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	err := s.handleRenderThumbnail(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if sender.event != webhook.EventThumbnailFailed {
		t.Fatalf("expected failed event, got %q", sender.event)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-missing")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
}

func TestHandleRenderThumbnailTransientErrorRetries(t *testing.T) {
	proc := &fakeProcessor{err: context.DeadlineExceeded}
	s := newTestServer(nil, nil, map[string]processor{domain.SourceTypeS3Presigned: proc})

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-slow",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-slow/source",
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	err := s.handleRenderThumbnail(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestHandleRenderThumbnailRejectsBadPayloads(t *testing.T) {
	s := newTestServer(nil, nil, map[string]processor{})

	err := s.handleRenderThumbnail(context.Background(), asynq.NewTask(queue.TypeRenderThumbnail, []byte("nope")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for garbage payload, got %v", err)
	}

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-ftp",
		SourceType: "ftp",
		ObjectKey:  "x",
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	err = s.handleRenderThumbnail(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, pipeline.ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source type SkipRetry, got %v", err)
	}
}

func TestHandleRenderThumbnailWritesLocalThumbnail(t *testing.T) {
	tmp := t.TempDir()
	input := filepath.Join(tmp, "rows.json")
	if err := os.WriteFile(input, []byte(`[[1,10,100,1000],[1000,100,10,1]]`), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outDir := filepath.Join(tmp, "out")

	local, err := pipeline.NewLocalProcessor(outDir, pipeline.Options{TargetBound: 8})
	if err != nil {
		t.Fatalf("NewLocalProcessor returned error: %v", err)
	}
	usage := &captureUsageStore{}
	s := newTestServer(nil, nil, map[string]processor{domain.SourceTypeLocalFile: local})
	s.usageStore = usage

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-local",
		SourceType: domain.SourceTypeLocalFile,
		Kind:       domain.KindRaw,
		ObjectKey:  input,
		ClipRange:  []float64{1, 1000},
		LogEnabled: true,
		Pipeline:   []domain.RenderStep{{ID: "small", Format: "png"}},
	})
	if err := s.handleRenderThumbnail(context.Background(), task); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "job-local", "small.png")); err != nil {
		t.Fatalf("expected thumbnail on disk: %v", err)
	}
	if usage.log.PixelsProcessed != 8 {
		t.Fatalf("expected 8 source pixels processed, got %d", usage.log.PixelsProcessed)
	}
}

func TestHandleRenderThumbnailCorruptMaskSkipsRetry(t *testing.T) {
	tmp := t.TempDir()
	input := filepath.Join(tmp, "rows.json")
	if err := os.WriteFile(input, []byte(`[[1,2],[3,4]]`), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	maskPath := filepath.Join(tmp, "m.png")
	if err := os.WriteFile(maskPath, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write mask: %v", err)
	}

	local, err := pipeline.NewLocalProcessor(filepath.Join(tmp, "out"), pipeline.Options{})
	if err != nil {
		t.Fatalf("NewLocalProcessor returned error: %v", err)
	}
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, "job-corrupt")
	sender := &captureSender{}
	s := newTestServer(jobStore, sender, map[string]processor{domain.SourceTypeLocalFile: local})

	task := mustTask(t, queue.RenderThumbnailPayload{
		JobID:      "job-corrupt",
		SourceType: domain.SourceTypeLocalFile,
		Kind:       domain.KindRaw,
		WebhookURL: "http://hooks.invalid/x",
		ObjectKey:  input,
		MaskKey:    maskPath,
		ClipRange:  []float64{0, 10},
		LogEnabled: true,
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	err = s.handleRenderThumbnail(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, pipeline.ErrDecode) {
		t.Fatalf("expected decode failure with SkipRetry, got %v", err)
	}
	if sender.event != webhook.EventThumbnailFailed {
		t.Fatalf("expected failed event, got %q", sender.event)
	}
	job, _, _ := jobStore.Get(context.Background(), "job-corrupt")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
}

func newTestServer(jobStore store.JobStore, sender webhookSender, processors map[string]processor) *Server {
	return &Server{
		logger:        log.New(io.Discard, "", 0),
		sem:           make(chan struct{}, 1),
		processors:    processors,
		webhookClient: sender,
		jobStore:      jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("test"),
	}
}

func seedJob(t *testing.T, s *store.MemoryJobStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	if err := s.Create(context.Background(), domain.Job{
		ID:        id,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func mustTask(t *testing.T, payload queue.RenderThumbnailPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewRenderThumbnailTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

type fakeProcessor struct {
	got    pipeline.Request
	result pipeline.Result
	err    error
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	p.got = req
	return p.result, p.err
}

type captureSender struct {
	event string
	body  any
}

func (s *captureSender) Send(_ context.Context, _, event string, payload any) error {
	s.event = event
	s.body = payload
	return nil
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
