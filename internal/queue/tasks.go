package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/normthumb/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRenderThumbnail = "thumbnail:render"

type RenderThumbnailPayload struct {
	JobID       string              `json:"job_id"`
	SourceType  string              `json:"source_type"`
	Kind        string              `json:"kind"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	ObjectKey   string              `json:"object_key"`
	MaskKey     string              `json:"mask_key,omitempty"`
	ClipRange   []float64           `json:"clip_range,omitempty"`
	LogEnabled  bool                `json:"log"`
	Pipeline    []domain.RenderStep `json:"pipeline"`
	RequestedAt time.Time           `json:"requested_at"`
}

func NewRenderThumbnailTask(payload RenderThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderThumbnail, body), nil
}

func ParseRenderThumbnailPayload(task *asynq.Task) (RenderThumbnailPayload, error) {
	var payload RenderThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderThumbnailPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	return payload, nil
}
