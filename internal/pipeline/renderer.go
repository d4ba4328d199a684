package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"time"

	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/dunamismax/normthumb/internal/raster"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultLoadTimeout = 30 * time.Second

var (
	// ErrLoad marks a source or mask raster that could not be fetched or decoded.
	ErrLoad = errors.New("load failed")
	// ErrDecode marks fetched bytes that are not a readable raster. It is
	// always reported under ErrLoad.
	ErrDecode = errors.New("decode failed")
	// ErrInvalidInput is the bypass reason for missing or malformed inputs.
	ErrInvalidInput = errors.New("invalid render input")
	// ErrLogDisabled is the bypass reason when log compression is off.
	ErrLogDisabled = errors.New("log transform disabled")
)

type State string

const (
	StateAwaitingInputs State = "awaiting_inputs"
	StateLoading        State = "loading"
	StateComputing      State = "computing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

type Options struct {
	Logger      *log.Logger
	LoadTimeout time.Duration
	TargetBound int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = defaultLoadTimeout
	}
	if o.TargetBound <= 0 {
		o.TargetBound = raster.DefaultTargetBound
	}
	return o
}

// Input is an in-memory render request. Data holds JSON rows; Source holds an
// encoded colour raster. Exactly one of them is expected.
type Input struct {
	Data        []byte
	Source      []byte
	Mask        []byte
	ClipRange   []float64
	LogEnabled  bool
	TargetBound int
	Format      string
	Quality     int
}

// Rendered is the encoded thumbnail, or the untouched input on bypass.
type Rendered struct {
	Data         []byte
	Format       string
	Width        int
	Height       int
	State        State
	Bypassed     bool
	BypassReason string
	Stats        Stats
}

// Renderer drives one invocation through AwaitingInputs, Loading and Computing.
type Renderer struct {
	decoder     Decoder
	encoder     Encoder
	logger      *log.Logger
	tracer      trace.Tracer
	loadTimeout time.Duration
	targetBound int
}

func NewRenderer(opts Options) *Renderer {
	opts = opts.withDefaults()
	codec := newCodec()
	return &Renderer{
		decoder:     codec,
		encoder:     codec,
		logger:      opts.Logger,
		tracer:      otel.Tracer("normthumb/pipeline"),
		loadTimeout: opts.LoadTimeout,
		targetBound: opts.TargetBound,
	}
}

// Render normalizes in into an encoded thumbnail. When log compression is off
// or the inputs are unusable the original bytes come back unchanged.
func (r *Renderer) Render(ctx context.Context, in Input) (Rendered, error) {
	kind := domain.KindRaw
	original := in.Data
	if in.Data == nil && in.Source != nil {
		kind = domain.KindImage
		original = in.Source
	}

	inv := invocation{
		id:         "inline",
		kind:       kind,
		hasSource:  original != nil,
		clipRange:  in.ClipRange,
		logEnabled: in.LogEnabled,
		source:     staticLoad(original),
	}
	if in.Mask != nil {
		inv.mask = staticLoad(in.Mask)
	}

	out, err := r.run(ctx, inv)
	if err != nil {
		return Rendered{State: StateFailed}, err
	}
	if out.bypass != nil {
		return Rendered{
			Data:         original,
			State:        StateDone,
			Bypassed:     true,
			BypassReason: out.bypass.Error(),
		}, nil
	}

	bound := in.TargetBound
	if bound <= 0 {
		bound = r.targetBound
	}
	thumb := raster.Resize(out.image, bound)
	data, format, err := r.encoder.Encode(thumb, in.Format, in.Quality)
	if err != nil {
		return Rendered{State: StateFailed}, fmt.Errorf("encode stage: %w", err)
	}

	bounds := thumb.Bounds()
	return Rendered{
		Data:   data,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		State:  StateDone,
		Stats:  out.stats,
	}, nil
}

type loadFunc func(ctx context.Context) ([]byte, error)

func staticLoad(data []byte) loadFunc {
	return func(context.Context) ([]byte, error) {
		return data, nil
	}
}

type invocation struct {
	id         string
	kind       string
	hasSource  bool
	clipRange  []float64
	logEnabled bool
	source     loadFunc
	mask       loadFunc
}

type outcome struct {
	image       *image.NRGBA
	stats       Stats
	sourceBytes int
	bypass      error
}

func (r *Renderer) run(ctx context.Context, inv invocation) (outcome, error) {
	state := StateAwaitingInputs
	transition := func(next State) {
		r.logger.Printf("render id=%s kind=%s state=%s->%s", inv.id, inv.kind, state, next)
		state = next
	}

	clip, reason := checkInputs(inv)
	if reason != nil {
		transition(StateDone)
		return outcome{bypass: reason}, nil
	}

	transition(StateLoading)
	data, mask, sourceBytes, err := r.load(ctx, inv)
	if errors.Is(err, raster.ErrMalformedData) {
		transition(StateDone)
		return outcome{bypass: fmt.Errorf("%w: %v", ErrInvalidInput, err), sourceBytes: sourceBytes}, nil
	}
	if err != nil {
		transition(StateFailed)
		return outcome{}, err
	}

	transition(StateComputing)
	_, span := r.tracer.Start(ctx, "pipeline.compute")
	img, stats, err := Compute(data, mask, clip, inv.logEnabled)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		span.End()
		transition(StateFailed)
		return outcome{}, fmt.Errorf("compute stage: %w", err)
	}
	span.SetAttributes(
		attribute.Int("raster.width", stats.Width),
		attribute.Int("raster.height", stats.Height),
		attribute.Int("raster.channels", stats.Channels),
		attribute.Int("raster.gated_pixels", stats.GatedPixels),
		attribute.Bool("raster.degenerate", stats.Degenerate),
	)
	span.End()

	if stats.Degenerate {
		r.logger.Printf("render id=%s degenerate range min=%g max=%g gated=%d", inv.id, stats.Min, stats.Max, stats.GatedPixels)
	}
	transition(StateDone)
	return outcome{image: img, stats: stats, sourceBytes: sourceBytes}, nil
}

func checkInputs(inv invocation) (raster.ClipRange, error) {
	if !inv.logEnabled {
		return raster.ClipRange{}, ErrLogDisabled
	}
	if !inv.hasSource {
		return raster.ClipRange{}, fmt.Errorf("%w: data is required", ErrInvalidInput)
	}
	clip, err := raster.ParseClipRange(inv.clipRange)
	if err != nil {
		return raster.ClipRange{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return clip, nil
}

// load fetches and decodes the source and the optional mask concurrently and
// returns once both have finished. Either failure fails the whole load.
func (r *Renderer) load(ctx context.Context, inv invocation) (*raster.PixelBuffer, image.Image, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "pipeline.load")
	defer span.End()

	var (
		data        *raster.PixelBuffer
		mask        image.Image
		sourceBytes int
		malformed   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := inv.source(gctx)
		if err != nil {
			return fmt.Errorf("%w: source: %w", ErrLoad, err)
		}
		sourceBytes = len(raw)
		data, err = r.decodeSource(inv.kind, raw)
		if errors.Is(err, raster.ErrMalformedData) {
			// Malformed data bypasses regardless of how the mask load ends.
			malformed = err
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: source: %w: %w", ErrLoad, ErrDecode, err)
		}
		return nil
	})
	if inv.mask != nil {
		g.Go(func() error {
			raw, err := inv.mask(gctx)
			if err != nil {
				return fmt.Errorf("%w: mask: %w", ErrLoad, err)
			}
			mask, _, err = r.decoder.Decode(raw)
			if err != nil {
				return fmt.Errorf("%w: mask: %w: %w", ErrLoad, ErrDecode, err)
			}
			return nil
		})
	}

	err := g.Wait()
	if malformed != nil {
		return nil, nil, sourceBytes, malformed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, nil, sourceBytes, err
	}
	return data, mask, sourceBytes, nil
}

func (r *Renderer) decodeSource(kind string, raw []byte) (*raster.PixelBuffer, error) {
	switch domain.NormalizeKind(kind) {
	case domain.KindRaw:
		return DecodeRows(raw)
	case domain.KindImage:
		img, _, err := r.decoder.Decode(raw)
		if err != nil {
			return nil, err
		}
		return raster.FromImage(img)
	default:
		return nil, fmt.Errorf("unsupported kind: %s", kind)
	}
}
