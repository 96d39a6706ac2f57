// Package extract turns uploaded documents into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pavelanni/smartgrader/internal/model"
)

// ErrExtraction matches every *ExtractionError.
var ErrExtraction = errors.New("text extraction failed")

// ExtractionError reports why a document produced no usable text.
type ExtractionError struct {
	Kind   model.DocumentKind
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "extract " + string(e.Kind) + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

var extensionKinds = map[string]model.DocumentKind{
	".txt":  model.KindText,
	".md":   model.KindText,
	".pdf":  model.KindPDF,
	".png":  model.KindImage,
	".jpg":  model.KindImage,
	".jpeg": model.KindImage,
	".gif":  model.KindImage,
	".bmp":  model.KindImage,
	".tif":  model.KindImage,
	".tiff": model.KindImage,
}

// KindFromFilename returns the document kind implied by a file extension.
func KindFromFilename(name string) (model.DocumentKind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	kind, ok := extensionKinds[ext]
	if !ok {
		return "", &ExtractionError{Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	return kind, nil
}

// ContentType returns a MIME type suitable for storing a document.
func ContentType(kind model.DocumentKind, filename string) string {
	switch kind {
	case model.KindPDF:
		return "application/pdf"
	case model.KindText:
		return "text/plain; charset=utf-8"
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

// Config controls the external extraction backends.
type Config struct {
	TesseractPath string
	OCRLanguage   string
	OCRTimeout    time.Duration
}

// Extractor dispatches documents to the backend for their kind.
type Extractor struct {
	ocr *tesseract
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "tesseract"
	}
	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = "eng"
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 60 * time.Second
	}
	return &Extractor{ocr: &tesseract{path: cfg.TesseractPath, lang: cfg.OCRLanguage, timeout: cfg.OCRTimeout}}
}

// Text extracts and normalises the text of a document. An empty result is
// an ExtractionError.
func (x *Extractor) Text(ctx context.Context, kind model.DocumentKind, data []byte) (string, error) {
	var (
		raw string
		err error
	)
	switch kind {
	case model.KindText:
		raw, err = decodeText(data)
	case model.KindPDF:
		raw, err = pdfText(data)
	case model.KindImage:
		raw, err = x.ocr.run(ctx, data)
	default:
		return "", &ExtractionError{Kind: kind, Reason: "unsupported document kind"}
	}
	if err != nil {
		var xerr *ExtractionError
		if errors.As(err, &xerr) {
			return "", err
		}
		return "", &ExtractionError{Kind: kind, Reason: "backend failed", Err: err}
	}
	text := Normalize(raw)
	if text == "" {
		return "", &ExtractionError{Kind: kind, Reason: "no text found"}
	}
	return text, nil
}

// Normalize trims every line and drops blank lines.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
