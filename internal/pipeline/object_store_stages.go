package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/normthumb/internal/domain"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

// ObjectStore is the subset of the storage client the pipeline needs.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, objectKey string) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, objectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, step domain.RenderStep, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	objectKey := ThumbnailKey(e.OutputPrefix, req.JobID, step.ID, format)

	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return Output{}, err
	}

	return Output{
		StepID:  step.ID,
		Format:  normalizeOutputFormat(format),
		Path:    objectKey,
		Bytes:   len(data),
		Width:   width,
		Height:  height,
		Success: true,
	}, nil
}

// ThumbnailKey is the object key a rendered step is written under.
func ThumbnailKey(prefix, jobID, stepID, format string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(jobID),
		fmt.Sprintf("%s.%s", sanitizePathToken(stepID), normalizeOutputFormat(strings.ToLower(strings.TrimSpace(format)))),
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "thumbnails"
	}
	return prefix
}
