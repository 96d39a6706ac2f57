package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/pavelanni/smartgrader/internal/model"
)

func TestKindFromFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    model.DocumentKind
		wantErr bool
	}{
		{"exam.txt", model.KindText, false},
		{"EXAM.PDF", model.KindPDF, false},
		{"scan.jpeg", model.KindImage, false},
		{"scan.tiff", model.KindImage, false},
		{"answers.docx", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KindFromFilename(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrExtraction) {
				t.Errorf("expected ErrExtraction, got %v", err)
			}
			if got != tt.want {
				t.Errorf("KindFromFilename(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "  Question 1: foo  \r\n\r\n\tbar\n   \nbaz"
	want := "Question 1: foo\nbar\nbaz"
	if got := Normalize(in); got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}

func TestTextPlain(t *testing.T) {
	x := New(Config{})
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf8", []byte("Réponse 1: oui\n"), "Réponse 1: oui"},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...), "hello"},
		{"latin1", []byte{'c', 'a', 'f', 0xE9}, "café"},
		{"cp1252 quotes", []byte{0x93, 'h', 'i', 0x94}, "“hi”"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'h', 0, 'i', 0}, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Text(context.Background(), model.KindText, tt.data)
			if err != nil {
				t.Fatalf("Text: %v", err)
			}
			if got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextEmptyIsExtractionError(t *testing.T) {
	x := New(Config{})
	_, err := x.Text(context.Background(), model.KindText, []byte("  \n\t\n"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	var xerr *ExtractionError
	if !errors.As(err, &xerr) || xerr.Kind != model.KindText {
		t.Errorf("expected *ExtractionError for text, got %#v", err)
	}
}

func TestTextInvalidPDF(t *testing.T) {
	x := New(Config{})
	_, err := x.Text(context.Background(), model.KindPDF, []byte("definitely not a pdf"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestTextMissingTesseract(t *testing.T) {
	x := New(Config{TesseractPath: "/nonexistent/tesseract-binary"})
	_, err := x.Text(context.Background(), model.KindImage, []byte{0x89, 'P', 'N', 'G'})
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestTextUnsupportedKind(t *testing.T) {
	x := New(Config{})
	_, err := x.Text(context.Background(), model.DocumentKind("docx"), []byte("x"))
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}
