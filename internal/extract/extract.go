// Package extract pulls plain text out of uploaded documents. PDFs are
// read through their text layer first; scanned PDFs and images fall
// back to vision OCR.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
)

const (
	// minPrintableChars is the threshold below which a PDF text layer
	// is considered empty (scanned document) and OCR kicks in.
	minPrintableChars = 100

	// DefaultMaxOCRPages caps how many images are OCRed per upload.
	DefaultMaxOCRPages = 10

	ocrPrompt = "Extract all text from this document exactly as it appears. " +
		"Preserve the reading order. Return only the extracted text, with no commentary."
)

// VisionModel performs OCR by sending the raw document to a multimodal
// model.
type VisionModel interface {
	GenerateWithData(ctx context.Context, prompt string, data []byte, mimeType string) (string, error)
}

// Extractor converts uploads into plain text.
type Extractor struct {
	vision      VisionModel
	maxOCRPages int
}

// New creates an extractor. maxOCRPages <= 0 uses the default cap.
func New(vision VisionModel, maxOCRPages int) *Extractor {
	if maxOCRPages <= 0 {
		maxOCRPages = DefaultMaxOCRPages
	}
	return &Extractor{vision: vision, maxOCRPages: maxOCRPages}
}

// Extract returns the plain text of a document. fileName is used to
// pick the extraction strategy by extension.
func (e *Extractor) Extract(ctx context.Context, data []byte, fileName string) (string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return e.extractPDF(ctx, data)
	case ".png":
		return e.OCRImages(ctx, [][]byte{data}, "image/png")
	case ".jpg", ".jpeg":
		return e.OCRImages(ctx, [][]byte{data}, "image/jpeg")
	case ".txt", ".md", ".csv":
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", fileName)
	}
}

// extractPDF reads the text layer and falls back to OCR when the layer
// is missing or too sparse to be real content.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	text, err := pdfTextLayer(data)
	if err != nil {
		log.Printf("Warning: PDF text layer unreadable, falling back to OCR: %v", err)
		text = ""
	}

	if countPrintable(text) >= minPrintableChars {
		return text, nil
	}

	ocrText, err := e.vision.GenerateWithData(ctx, ocrPrompt, data, "application/pdf")
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	return ocrText, nil
}

func pdfTextLayer(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read text layer: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(textReader); err != nil {
		return "", fmt.Errorf("failed to read text layer: %w", err)
	}
	return buf.String(), nil
}

// ocrImage preprocesses a single image for legibility and OCRs it.
func (e *Extractor) ocrImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	processed, err := preprocessImage(data)
	if err != nil {
		log.Printf("Warning: image preprocessing failed, OCRing original: %v", err)
		processed = data
	} else {
		mimeType = "image/png"
	}

	text, err := e.vision.GenerateWithData(ctx, ocrPrompt, processed, mimeType)
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	return text, nil
}

// OCRImages extracts text from a series of page images, up to the page
// cap. Individual page failures are tolerated as long as at least one
// page yields text.
func (e *Extractor) OCRImages(ctx context.Context, pages [][]byte, mimeType string) (string, error) {
	if len(pages) > e.maxOCRPages {
		log.Printf("Warning: OCR limited to first %d of %d pages", e.maxOCRPages, len(pages))
		pages = pages[:e.maxOCRPages]
	}

	var parts []string
	var lastErr error
	for i, page := range pages {
		text, err := e.ocrImage(ctx, page, mimeType)
		if err != nil {
			log.Printf("Warning: OCR failed for page %d: %v", i+1, err)
			lastErr = err
			continue
		}
		parts = append(parts, text)
	}

	if len(parts) == 0 {
		if lastErr != nil {
			return "", fmt.Errorf("OCR failed for all pages: %w", lastErr)
		}
		return "", nil
	}
	return strings.Join(parts, "\n\n"), nil
}

// preprocessImage upscales and sharpens a scan so small print survives
// OCR. Returns PNG bytes.
func preprocessImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	upscaled := imaging.Resize(img, bounds.Dx()*2, bounds.Dy()*2, imaging.Lanczos)
	adjusted := imaging.AdjustContrast(upscaled, 25)
	sharpened := imaging.Sharpen(adjusted, 1.5)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sharpened, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// countPrintable counts non-space printable characters.
func countPrintable(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsPrint(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
