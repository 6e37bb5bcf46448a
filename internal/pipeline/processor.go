package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/removal"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

const (
	KindCutout    = "cutout"
	KindComposite = "composite"
	KindErrorCard = "error_card"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrRemovalFailed         = errors.New("background removal failed")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Frame      fit.Frame
	Backdrops  []domain.Backdrop
	// SkipRemoval treats ObjectKey as an existing cutout.
	SkipRemoval bool
	// ErrorCard renders a placeholder for every backdrop when removal fails.
	ErrorCard bool
}

type Output struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Background string `json:"background,omitempty"`
	Format     string `json:"format"`
	Path       string `json:"path"`
	Bytes      int    `json:"bytes"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type Result struct {
	SourceBytes  int
	RemovalCalls int
	CutoutPath   string
	Placement    *fit.Placement
	Outputs      []Output
}

// Artifact is an encoded image ready to be written by an Emitter.
type Artifact struct {
	ID         string
	Kind       string
	Background string
	Format     string
	Data       []byte
	Width      int
	Height     int
}

type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, jobID string, artifact Artifact) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	remover     removal.Remover
	emitter     Emitter
	backgrounds *BackgroundResolver
	canvases    fit.CanvasFactory
	local       bool
}

func NewLocalProcessor(outputDir string, remover removal.Remover) (*Processor, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	return newProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, remover, true)
}

func newProcessor(fetcher Fetcher, emitter Emitter, remover removal.Remover, local bool) (*Processor, error) {
	if remover == nil {
		return nil, errors.New("remover is required")
	}
	if err := Startup(); err != nil {
		return nil, fmt.Errorf("start image runtime: %w", err)
	}
	return &Processor{
		fetcher:     fetcher,
		remover:     remover,
		emitter:     emitter,
		backgrounds: NewBackgroundResolver(fetcher, nil),
		canvases:    fit.NRGBAFactory{},
		local:       local,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if err := p.checkSourceType(req.SourceType); err != nil {
		return Result{}, err
	}
	if err := domain.ValidateFrame(req.Frame); err != nil {
		return Result{}, err
	}
	if err := domain.ValidateBackdrops(req.Backdrops); err != nil {
		return Result{}, err
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req.ObjectKey)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}
	out := Result{
		SourceBytes: len(sourceBytes),
		Outputs:     make([]Output, 0, len(req.Backdrops)+1),
	}

	cutoutBytes := sourceBytes
	if !req.SkipRemoval {
		out.RemovalCalls++
		cutoutBytes, err = p.remover.Remove(ctx, sourceBytes, req.ObjectKey)
		if err != nil {
			removalErr := fmt.Errorf("%w: %w", ErrRemovalFailed, err)
			if req.ErrorCard && ctx.Err() == nil {
				if cardErr := p.emitErrorCards(ctx, req, &out); cardErr != nil {
					return out, errors.Join(removalErr, cardErr)
				}
			}
			return out, fmt.Errorf("remove stage: %w", removalErr)
		}
	}

	cutout, err := decodeImage(cutoutBytes)
	if err != nil {
		return out, fmt.Errorf("decode cutout: %w", err)
	}

	if !req.SkipRemoval {
		written, err := p.emitImage(ctx, req.JobID, domain.CutoutOutputID, KindCutout, "", cutout, "png", 0)
		if err != nil {
			return out, fmt.Errorf("emit stage cutout: %w", err)
		}
		out.CutoutPath = written.Path
		out.Outputs = append(out.Outputs, written)
	} else {
		out.CutoutPath = req.ObjectKey
	}

	backgrounds, err := p.backgrounds.Resolve(ctx, req.Frame, req.Backdrops)
	if err != nil {
		return out, fmt.Errorf("background stage: %w", err)
	}

	fitter := fit.NewFitter(p.canvases)
	placement, err := fitter.Fit(req.Frame, cutout)
	if err != nil {
		return out, fmt.Errorf("fit stage: %w", err)
	}
	out.Placement = &placement

	for _, backdrop := range req.Backdrops {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		composite, err := Composite(fitter, backgrounds[backdrop.Background])
		if err != nil {
			return out, fmt.Errorf("composite stage backdrop=%s: %w", backdrop.ID, err)
		}

		written, err := p.emitImage(ctx, req.JobID, backdrop.ID, KindComposite, backdrop.Background, composite, backdrop.Format, backdrop.Quality)
		if err != nil {
			return out, fmt.Errorf("emit stage backdrop=%s: %w", backdrop.ID, err)
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func (p *Processor) checkSourceType(sourceType string) error {
	isLocal := strings.EqualFold(sourceType, SourceTypeLocalFile)
	if isLocal != p.local {
		return fmt.Errorf("%w: %s", ErrUnsupportedSourceType, sourceType)
	}
	return nil
}

func (p *Processor) emitErrorCards(ctx context.Context, req Request, out *Result) error {
	card := ErrorCard(req.Frame)
	for _, backdrop := range req.Backdrops {
		written, err := p.emitImage(ctx, req.JobID, backdrop.ID, KindErrorCard, backdrop.Background, card, backdrop.Format, backdrop.Quality)
		if err != nil {
			return fmt.Errorf("emit error card backdrop=%s: %w", backdrop.ID, err)
		}
		out.Outputs = append(out.Outputs, written)
	}
	return nil
}

func (p *Processor) emitImage(ctx context.Context, jobID, id, kind, background string, img image.Image, format string, quality int) (Output, error) {
	format = normalizeOutputFormat(strings.ToLower(strings.TrimSpace(format)))
	data, err := encodeImage(img, format, quality)
	if err != nil {
		return Output{}, err
	}
	bounds := img.Bounds()
	return p.emitter.Emit(ctx, jobID, Artifact{
		ID:         id,
		Kind:       kind,
		Background: background,
		Format:     format,
		Data:       data,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	})
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", key, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, jobID string, a Artifact) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(a.ID) == "" {
		return Output{}, errors.New("output id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputFilename(a))
	if err := os.WriteFile(fullPath, a.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return outputFor(a, fullPath), nil
}

func outputFilename(a Artifact) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(a.ID), normalizeOutputFormat(a.Format))
}

func outputFor(a Artifact, path string) Output {
	return Output{
		ID:         a.ID,
		Kind:       a.Kind,
		Background: a.Background,
		Format:     normalizeOutputFormat(a.Format),
		Path:       path,
		Bytes:      len(a.Data),
		Width:      a.Width,
		Height:     a.Height,
	}
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
