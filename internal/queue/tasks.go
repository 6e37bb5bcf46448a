package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/hibiken/asynq"
)

const TypeComposite = "image:composite"

// CompositePayload asks a worker to render one job. When Rerender is set,
// ObjectKey points at an existing cutout and removal is skipped.
type CompositePayload struct {
	JobID       string            `json:"job_id"`
	SourceType  string            `json:"source_type"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	ObjectKey   string            `json:"object_key"`
	Frame       fit.Frame         `json:"frame"`
	Backdrops   []domain.Backdrop `json:"backdrops"`
	Rerender    bool              `json:"rerender,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

func NewCompositeTask(payload CompositePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal composite payload: %w", err)
	}
	return asynq.NewTask(TypeComposite, body), nil
}

func ParseCompositePayload(task *asynq.Task) (CompositePayload, error) {
	var payload CompositePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CompositePayload{}, fmt.Errorf("unmarshal composite payload: %w", err)
	}
	if payload.JobID == "" {
		return CompositePayload{}, fmt.Errorf("composite payload has no job_id")
	}
	return payload, nil
}
