package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/dunamismax/backdrop/internal/removal"
)

var testFrame = fit.Frame{Width: 90, Height: 60}

func TestLocalProcessor_FileInCompositeFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "portrait.png")
	backgroundPath := filepath.Join(tmp, "meadow.png")
	outputDir := filepath.Join(tmp, "out")

	writeFile(t, inputPath, buildCutoutPNG(t, 60, 40))
	writeFile(t, backgroundPath, buildSolidPNG(t, 30, 20, color.NRGBA{G: 255, A: 255}))

	processor, err := NewLocalProcessor(outputDir, removal.Passthrough{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Frame:      testFrame,
		Backdrops: []domain.Backdrop{
			{ID: "solid", Background: "color:#0000ff"},
			{ID: "meadow", Background: backgroundPath, Format: "png"},
		},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.RemovalCalls != 1 {
		t.Fatalf("expected one removal call, got %d", result.RemovalCalls)
	}
	if result.Placement == nil || result.Placement.Align != fit.AlignIdentity {
		t.Fatalf("expected identity placement, got %+v", result.Placement)
	}
	if len(result.Outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(result.Outputs))
	}

	cutout := result.Outputs[0]
	if cutout.Kind != KindCutout || cutout.Path != result.CutoutPath {
		t.Fatalf("expected cutout output first, got %+v", cutout)
	}
	if cutout.Width != 60 || cutout.Height != 40 {
		t.Fatalf("expected cutout at natural size, got %dx%d", cutout.Width, cutout.Height)
	}

	solid := readPNG(t, result.Outputs[1].Path)
	if solid.Bounds() != image.Rect(0, 0, 90, 60) {
		t.Fatalf("expected frame-sized composite, got %v", solid.Bounds())
	}
	assertColor(t, solid, 10, 30, color.NRGBA{B: 255, A: 255})
	assertColor(t, solid, 80, 30, color.NRGBA{R: 255, A: 255})

	meadow := readPNG(t, result.Outputs[2].Path)
	assertColor(t, meadow, 10, 30, color.NRGBA{G: 255, A: 255})
	assertColor(t, meadow, 80, 30, color.NRGBA{R: 255, A: 255})
}

func TestLocalProcessor_RerenderSkipsRemoval(t *testing.T) {
	tmp := t.TempDir()
	cutoutPath := filepath.Join(tmp, "cutout.png")
	writeFile(t, cutoutPath, buildCutoutPNG(t, 40, 60))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), failingRemover{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:       "job-rerender",
		SourceType:  SourceTypeLocalFile,
		ObjectKey:   cutoutPath,
		Frame:       testFrame,
		SkipRemoval: true,
		Backdrops:   []domain.Backdrop{{ID: "night", Background: "color:#000", Format: "jpeg", Quality: 70}},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.RemovalCalls != 0 {
		t.Fatalf("expected no removal calls, got %d", result.RemovalCalls)
	}
	if result.CutoutPath != cutoutPath {
		t.Fatalf("expected cutout path to be reused, got %s", result.CutoutPath)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].Format != "jpeg" {
		t.Fatalf("expected a single jpeg composite, got %+v", result.Outputs)
	}
	if result.Placement.Align != fit.AlignHorizontal {
		t.Fatalf("expected horizontal placement for portrait cutout, got %s", result.Placement.Align)
	}
}

func TestLocalProcessor_RemovalFailureRendersErrorCards(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	writeFile(t, inputPath, buildSolidPNG(t, 30, 20, color.NRGBA{R: 200, A: 255}))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), failingRemover{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-failed",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Frame:      fit.Frame{Width: 300, Height: 200},
		ErrorCard:  true,
		Backdrops: []domain.Backdrop{
			{ID: "a", Background: "color:#ffffff"},
			{ID: "b", Background: "color:#ffffff"},
		},
	})
	if !errors.Is(err, ErrRemovalFailed) {
		t.Fatalf("expected ErrRemovalFailed, got %v", err)
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("expected an error card per backdrop, got %d outputs", len(result.Outputs))
	}
	for _, out := range result.Outputs {
		if out.Kind != KindErrorCard {
			t.Fatalf("expected error card output, got %s", out.Kind)
		}
	}

	card := readPNG(t, result.Outputs[0].Path)
	assertColor(t, card, 0, 0, color.NRGBA{A: 255})
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), removal.Passthrough{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: "s3_presigned",
		ObjectKey:  "uploads/job/source",
		Frame:      testFrame,
		Backdrops:  []domain.Backdrop{{ID: "a", Background: "color:#fff"}},
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected ErrUnsupportedSourceType, got %v", err)
	}
}

func TestObjectStoreProcessor_WritesUnderOutputPrefix(t *testing.T) {
	store := newMemoryObjectStore()
	store.objects["uploads/job-obj/source"] = buildCutoutPNG(t, 90, 60)
	store.objects["backgrounds/sunset.png"] = buildSolidPNG(t, 10, 10, color.NRGBA{R: 255, G: 128, A: 255})

	processor, err := NewObjectStoreProcessor(
		ObjectStoreFetcher{Storage: store},
		ObjectStoreEmitter{Storage: store, OutputPrefix: "renders"},
		removal.Passthrough{},
	)
	if err != nil {
		t.Fatalf("new object store processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-obj",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-obj/source",
		Frame:      testFrame,
		Backdrops:  []domain.Backdrop{{ID: "sunset", Background: "backgrounds/sunset.png"}},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.CutoutPath != "renders/job-obj/cutout.png" {
		t.Fatalf("unexpected cutout key %s", result.CutoutPath)
	}
	if _, ok := store.get("renders/job-obj/sunset.png"); !ok {
		t.Fatal("expected composite to be written to the object store")
	}
	if store.contentTypes["renders/job-obj/sunset.png"] != "image/png" {
		t.Fatalf("unexpected content type %q", store.contentTypes["renders/job-obj/sunset.png"])
	}
}

type failingRemover struct{}

func (failingRemover) Remove(context.Context, []byte, string) ([]byte, error) {
	return nil, removal.ErrRejected
}

type memoryObjectStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (s *memoryObjectStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *memoryObjectStore) ReadObject(_ context.Context, key string) ([]byte, error) {
	data, ok := s.get(key)
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (s *memoryObjectStore) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

// buildCutoutPNG is transparent on the left half and opaque red on the right.
func buildCutoutPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	return encodeTestPNG(t, img)
}

func buildSolidPNG(t testing.TB, w, h int, c color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return encodeTestPNG(t, img)
}

func encodeTestPNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	return img
}

func assertColor(t *testing.T, img image.Image, x, y int, want color.NRGBA) {
	t.Helper()

	got := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	if absDiff(got.R, want.R) > 2 || absDiff(got.G, want.G) > 2 || absDiff(got.B, want.B) > 2 || absDiff(got.A, want.A) > 2 {
		t.Fatalf("pixel (%d,%d): expected %v, got %v", x, y, want, got)
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
