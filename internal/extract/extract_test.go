package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

type fakeVision struct {
	calls     int
	mimeTypes []string
	response  string
	err       error
	// failFirst makes only the first call fail
	failFirst bool
}

func (f *fakeVision) GenerateWithData(_ context.Context, prompt string, data []byte, mimeType string) (string, error) {
	f.calls++
	f.mimeTypes = append(f.mimeTypes, mimeType)
	if f.err != nil && (!f.failFirst || f.calls == 1) {
		return "", f.err
	}
	if f.response != "" {
		return f.response, nil
	}
	return fmt.Sprintf("ocr page %d", f.calls), nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, 4, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	e := New(&fakeVision{}, 0)

	text, err := e.Extract(context.Background(), []byte("hello world"), "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestExtractUnsupportedType(t *testing.T) {
	e := New(&fakeVision{}, 0)

	if _, err := e.Extract(context.Background(), []byte("x"), "report.docx"); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestExtractBrokenPDFFallsBackToOCR(t *testing.T) {
	vision := &fakeVision{response: "scanned lab results"}
	e := New(vision, 0)

	// Not a parsable PDF, so the text layer yields nothing and the
	// whole document goes to OCR.
	text, err := e.Extract(context.Background(), []byte("%PDF-1.4 garbage"), "scan.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if text != "scanned lab results" {
		t.Errorf("unexpected text %q", text)
	}
	if vision.calls != 1 || vision.mimeTypes[0] != "application/pdf" {
		t.Errorf("expected one PDF OCR call, got %d (%v)", vision.calls, vision.mimeTypes)
	}
}

func TestExtractPDFOCRFailure(t *testing.T) {
	vision := &fakeVision{err: errors.New("model unavailable")}
	e := New(vision, 0)

	if _, err := e.Extract(context.Background(), []byte("%PDF-1.4 garbage"), "scan.pdf"); err == nil {
		t.Fatal("expected OCR failure to surface")
	}
}

func TestExtractImage(t *testing.T) {
	vision := &fakeVision{response: "prescription text"}
	e := New(vision, 0)

	text, err := e.Extract(context.Background(), testPNG(t), "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	if text != "prescription text" {
		t.Errorf("unexpected text %q", text)
	}
	// Preprocessing re-encodes to PNG before OCR.
	if vision.mimeTypes[0] != "image/png" {
		t.Errorf("unexpected mime type %q", vision.mimeTypes[0])
	}
}

func TestExtractImageUndecodable(t *testing.T) {
	vision := &fakeVision{response: "still readable"}
	e := New(vision, 0)

	// Preprocessing fails, the original bytes are OCRed as-is.
	text, err := e.Extract(context.Background(), []byte("not an image"), "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if text != "still readable" {
		t.Errorf("unexpected text %q", text)
	}
	if vision.mimeTypes[0] != "image/jpeg" {
		t.Errorf("expected original mime type, got %q", vision.mimeTypes[0])
	}
}

func TestOCRImagesJoinsPages(t *testing.T) {
	vision := &fakeVision{}
	e := New(vision, 0)

	pages := [][]byte{testPNG(t), testPNG(t), testPNG(t)}
	text, err := e.OCRImages(context.Background(), pages, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(text, "\n\n"); got != 2 {
		t.Errorf("expected 3 joined pages, got %q", text)
	}
}

func TestOCRImagesPageCap(t *testing.T) {
	vision := &fakeVision{}
	e := New(vision, 2)

	pages := [][]byte{testPNG(t), testPNG(t), testPNG(t), testPNG(t)}
	if _, err := e.OCRImages(context.Background(), pages, "image/png"); err != nil {
		t.Fatal(err)
	}
	if vision.calls != 2 {
		t.Errorf("expected OCR capped at 2 pages, got %d calls", vision.calls)
	}
}

func TestOCRImagesToleratesPartialFailure(t *testing.T) {
	vision := &fakeVision{err: errors.New("flaky"), failFirst: true}
	e := New(vision, 0)

	text, err := e.OCRImages(context.Background(), [][]byte{testPNG(t), testPNG(t)}, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "ocr page 2") {
		t.Errorf("expected surviving page text, got %q", text)
	}
}

func TestOCRImagesAllPagesFail(t *testing.T) {
	vision := &fakeVision{err: errors.New("down")}
	e := New(vision, 0)

	if _, err := e.OCRImages(context.Background(), [][]byte{testPNG(t)}, "image/png"); err == nil {
		t.Fatal("expected error when every page fails")
	}
}

func TestCountPrintable(t *testing.T) {
	if got := countPrintable("ab c\n\t d"); got != 4 {
		t.Errorf("countPrintable = %d, want 4", got)
	}
	if got := countPrintable("   \n\n"); got != 0 {
		t.Errorf("countPrintable whitespace = %d, want 0", got)
	}
}

func TestPreprocessImageUpscales(t *testing.T) {
	processed, err := preprocessImage(testPNG(t))
	if err != nil {
		t.Fatal(err)
	}

	img, _, err := image.Decode(bytes.NewReader(processed))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Errorf("expected 2x upscale, got %v", img.Bounds())
	}
}
