package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/dunamismax/normthumb/internal/raster"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	Kind       string
	ObjectKey  string
	MaskKey    string
	ClipRange  []float64
	LogEnabled bool
	Pipeline   []domain.RenderStep
}

type Output struct {
	StepID   string `json:"step_id"`
	Format   string `json:"format"`
	Path     string `json:"path"`
	Bytes    int    `json:"bytes"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bypassed bool   `json:"bypassed,omitempty"`
	Success  bool   `json:"success"`
}

type Result struct {
	Outputs      []Output
	SourceBytes  int
	State        State
	BypassReason string
	Stats        Stats
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, objectKey string) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.RenderStep, data []byte, format string, width, height int) (Output, error)
}

type Processor struct {
	renderer *Renderer
	fetcher  Fetcher
	emitter  Emitter
}

func NewLocalProcessor(outputDir string, opts Options) (*Processor, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	return &Processor{
		renderer: NewRenderer(opts),
		fetcher:  LocalFileFetcher{},
		emitter:  LocalFileEmitter{OutputDir: outputDir},
	}, nil
}

func NewObjectStoreProcessor(fetcher Fetcher, emitter Emitter, opts Options) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	return &Processor{
		renderer: NewRenderer(opts),
		fetcher:  fetcher,
		emitter:  emitter,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Pipeline) == 0 {
		return Result{}, errors.New("pipeline must contain at least one step")
	}

	inv := invocation{
		id:         req.JobID,
		kind:       req.Kind,
		hasSource:  strings.TrimSpace(req.ObjectKey) != "",
		clipRange:  req.ClipRange,
		logEnabled: req.LogEnabled,
		source:     p.fetch(req, req.ObjectKey),
	}
	if strings.TrimSpace(req.MaskKey) != "" {
		inv.mask = p.fetch(req, req.MaskKey)
	}

	out, err := p.renderer.run(ctx, inv)
	if err != nil {
		return Result{State: StateFailed}, err
	}
	if out.bypass != nil {
		return bypassResult(req, out), nil
	}

	ctx, span := p.renderer.tracer.Start(ctx, "pipeline.emit")
	span.SetAttributes(attribute.Int("pipeline.steps", len(req.Pipeline)))
	defer span.End()

	result := Result{
		Outputs:     make([]Output, 0, len(req.Pipeline)),
		SourceBytes: out.sourceBytes,
		State:       StateDone,
		Stats:       out.stats,
	}
	for _, step := range req.Pipeline {
		select {
		case <-ctx.Done():
			return Result{State: StateFailed}, ctx.Err()
		default:
		}

		bound := step.TargetBound
		if bound <= 0 {
			bound = p.renderer.targetBound
		}
		thumb := raster.Resize(out.image, bound)

		data, format, err := p.renderer.encoder.Encode(thumb, strings.ToLower(strings.TrimSpace(step.Format)), step.Quality)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode failed")
			return Result{State: StateFailed}, fmt.Errorf("encode stage step=%s: %w", step.ID, err)
		}

		bounds := thumb.Bounds()
		written, err := p.emitter.Emit(ctx, req, step, data, format, bounds.Dx(), bounds.Dy())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "emit failed")
			return Result{State: StateFailed}, fmt.Errorf("emit stage step=%s: %w", step.ID, err)
		}
		result.Outputs = append(result.Outputs, written)
	}

	return result, nil
}

func (p *Processor) fetch(req Request, objectKey string) loadFunc {
	return func(ctx context.Context) ([]byte, error) {
		return p.fetcher.Fetch(ctx, req, objectKey)
	}
}

// bypassResult points every step at the untouched source object.
func bypassResult(req Request, out outcome) Result {
	result := Result{
		Outputs:      make([]Output, 0, len(req.Pipeline)),
		SourceBytes:  out.sourceBytes,
		State:        StateDone,
		BypassReason: out.bypass.Error(),
	}
	for _, step := range req.Pipeline {
		result.Outputs = append(result.Outputs, Output{
			StepID:   step.ID,
			Path:     req.ObjectKey,
			Bytes:    out.sourceBytes,
			Bypassed: true,
			Success:  true,
		})
	}
	return result
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request, objectKey string) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(objectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", objectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.RenderStep, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	filename := fmt.Sprintf("%s.%s", sanitizePathToken(step.ID), normalizeOutputFormat(format))
	fullPath := filepath.Join(jobDir, filename)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		StepID:  step.ID,
		Format:  normalizeOutputFormat(format),
		Path:    fullPath,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
