// Command compose runs the backdrop pipeline once against local files.
//
//	compose -in photo.jpg -bg beach.jpg,color:#1e90ff -out ./out
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dunamismax/backdrop/internal/config"
	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/id"
	"github.com/dunamismax/backdrop/internal/pipeline"
	"github.com/dunamismax/backdrop/internal/removal"
	"github.com/dunamismax/backdrop/internal/telemetry"
)

func main() {
	cfg := config.Load()

	var (
		in          = flag.String("in", "", "source photo (or an existing cutout with -skip-removal)")
		bg          = flag.String("bg", "", "comma-separated backgrounds: file paths, http(s) URLs or color:#RRGGBB")
		out         = flag.String("out", cfg.Worker.LocalOutputDir, "output directory")
		width       = flag.Int("width", cfg.Canvas.Width, "frame width")
		height      = flag.Int("height", cfg.Canvas.Height, "frame height")
		format      = flag.String("format", "png", "output format: png, jpeg or webp")
		quality     = flag.Int("quality", 0, "jpeg/webp quality, 0 for the encoder default")
		skipRemoval = flag.Bool("skip-removal", cfg.Removal.Disabled, "treat -in as a cutout and skip the removal service")
		errorCard   = flag.Bool("error-card", cfg.Worker.ErrorCard, "write placeholder images when removal fails")
	)
	flag.Parse()

	logger, logCloser := telemetry.NewLogger("compose", cfg.Log)
	defer logCloser.Close()

	if strings.TrimSpace(*in) == "" || strings.TrimSpace(*bg) == "" {
		flag.Usage()
		os.Exit(2)
	}

	backdrops, err := parseBackdrops(*bg, *format, *quality)
	if err != nil {
		logger.Fatalf("invalid -bg: %v", err)
	}

	var remover removal.Remover = removal.NewClient(cfg.Removal)
	if *skipRemoval {
		remover = removal.Passthrough{}
	}

	processor, err := pipeline.NewLocalProcessor(*out, remover)
	if err != nil {
		logger.Fatalf("processor init failed: %v", err)
	}
	defer pipeline.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := pipeline.Request{
		JobID:       id.New(),
		SourceType:  domain.SourceTypeLocalFile,
		ObjectKey:   *in,
		Frame:       fit.Frame{Width: *width, Height: *height},
		Backdrops:   backdrops,
		SkipRemoval: *skipRemoval,
		ErrorCard:   *errorCard,
	}
	logger.Printf("composing job_id=%s in=%s backdrops=%d frame=%dx%d", req.JobID, *in, len(backdrops), *width, *height)

	result, err := processor.Process(ctx, req)
	if len(result.Outputs) > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"job_id":    req.JobID,
			"placement": result.Placement,
			"outputs":   result.Outputs,
		})
	}
	if err != nil {
		logger.Fatalf("compose failed: %v", err)
	}
}

// parseBackdrops names each backdrop after its background: the file stem,
// or its position for colors and URLs.
func parseBackdrops(list, format string, quality int) ([]domain.Backdrop, error) {
	var backdrops []domain.Backdrop
	for i, ref := range strings.Split(list, ",") {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		backdrops = append(backdrops, domain.Backdrop{
			ID:         backdropID(i, ref),
			Background: ref,
			Format:     format,
			Quality:    quality,
		})
	}
	if err := domain.ValidateBackdrops(backdrops); err != nil {
		return nil, err
	}
	return backdrops, nil
}

func backdropID(i int, ref string) string {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "color:") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return fmt.Sprintf("backdrop-%d", i+1)
	}
	stem := strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
	if stem == "" || stem == "." || strings.EqualFold(stem, domain.CutoutOutputID) {
		return fmt.Sprintf("backdrop-%d", i+1)
	}
	return fmt.Sprintf("%d-%s", i+1, stem)
}
