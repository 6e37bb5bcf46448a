package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/fit"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	// Frame used when a request does not name one.
	DefaultFrameWidth  = 900
	DefaultFrameHeight = 600

	maxFrameSide = 8192
	maxBackdrops = 16
)

type CreateJobRequest struct {
	SourceType string     `json:"source_type"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	Frame      *fit.Frame `json:"frame,omitempty"`
	Backdrops  []Backdrop `json:"backdrops"`
}

// Backdrop is one composite to produce: the cutout over Background.
//
// Background is either "color:#RRGGBB", an http(s) URL, or a key resolved
// the same way as the job's source.
type Backdrop struct {
	ID         string `json:"id"`
	Background string `json:"background"`
	Format     string `json:"format,omitempty"`
	Quality    int    `json:"quality,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Frame      fit.Frame
	Backdrops  []Backdrop
	ObjectKey  string
	CutoutKey  string
	Placement  *fit.Placement
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FrameOrDefault returns the requested frame, or the fallback when the
// request leaves it out.
func (r CreateJobRequest) FrameOrDefault(fallback fit.Frame) fit.Frame {
	if r.Frame == nil {
		return fallback
	}
	return *r.Frame
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if r.Frame != nil {
		if err := ValidateFrame(*r.Frame); err != nil {
			return err
		}
	}
	return ValidateBackdrops(r.Backdrops)
}

func ValidateFrame(frame fit.Frame) error {
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("frame must be positive, got %dx%d", frame.Width, frame.Height)
	}
	if frame.Width > maxFrameSide || frame.Height > maxFrameSide {
		return fmt.Errorf("frame must not exceed %dx%d", maxFrameSide, maxFrameSide)
	}
	return nil
}

func ValidateBackdrops(backdrops []Backdrop) error {
	if len(backdrops) == 0 {
		return errors.New("backdrops must contain at least one entry")
	}
	if len(backdrops) > maxBackdrops {
		return fmt.Errorf("backdrops must contain at most %d entries", maxBackdrops)
	}

	seen := make(map[string]struct{}, len(backdrops))
	for i, b := range backdrops {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return fmt.Errorf("backdrops[%d].id is required", i)
		}
		if id == CutoutOutputID {
			return fmt.Errorf("backdrops[%d].id %q is reserved", i, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("backdrops[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}

		if strings.TrimSpace(b.Background) == "" {
			return fmt.Errorf("backdrops[%d].background is required", i)
		}
		switch strings.ToLower(strings.TrimSpace(b.Format)) {
		case "", "png", "jpeg", "jpg", "webp":
		default:
			return fmt.Errorf("backdrops[%d].format %q is not supported", i, b.Format)
		}
		if b.Quality < 0 || b.Quality > 100 {
			return fmt.Errorf("backdrops[%d].quality must be between 0 and 100", i)
		}
	}
	return nil
}

// CutoutOutputID names the emitted background-free cutout.
const CutoutOutputID = "cutout"
