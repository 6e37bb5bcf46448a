package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"golang.org/x/sync/errgroup"
)

const (
	colorPrefix         = "color:"
	maxBackgroundBytes  = 32 << 20
	backgroundFetchSlot = 4
)

// BackgroundResolver loads every distinct background of a request and
// stretches it to the frame.
type BackgroundResolver struct {
	fetcher    Fetcher
	httpClient *http.Client
}

func NewBackgroundResolver(fetcher Fetcher, httpClient *http.Client) *BackgroundResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &BackgroundResolver{fetcher: fetcher, httpClient: httpClient}
}

// Resolve returns frame-sized backgrounds keyed by Backdrop.Background.
func (r *BackgroundResolver) Resolve(ctx context.Context, frame fit.Frame, backdrops []domain.Backdrop) (map[string]image.Image, error) {
	var (
		mu     sync.Mutex
		out    = make(map[string]image.Image, len(backdrops))
		queued = make(map[string]struct{}, len(backdrops))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(backgroundFetchSlot)
	for _, backdrop := range backdrops {
		ref := backdrop.Background
		if _, ok := queued[ref]; ok {
			continue
		}
		queued[ref] = struct{}{}

		g.Go(func() error {
			img, err := r.load(ctx, frame, ref)
			if err != nil {
				return fmt.Errorf("background %q: %w", ref, err)
			}
			mu.Lock()
			out[ref] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BackgroundResolver) load(ctx context.Context, frame fit.Frame, ref string) (image.Image, error) {
	ref = strings.TrimSpace(ref)

	if strings.HasPrefix(ref, colorPrefix) {
		c, err := parseHexColor(strings.TrimPrefix(ref, colorPrefix))
		if err != nil {
			return nil, err
		}
		return imaging.New(frame.Width, frame.Height, c), nil
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err = r.download(ctx, ref)
	} else {
		data, err = r.fetcher.Fetch(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	return StretchToFrame(img, frame), nil
}

func (r *BackgroundResolver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build background request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download background: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download background: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackgroundBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read background: %w", err)
	}
	if len(data) > maxBackgroundBytes {
		return nil, fmt.Errorf("background exceeds %d bytes", maxBackgroundBytes)
	}
	return data, nil
}

// parseHexColor accepts #RGB, #RRGGBB and #RRGGBBAA.
func parseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: b[0], G: b[1], B: b[2], A: b[3]}, nil
}
