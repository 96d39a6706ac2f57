package extract

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/pavelanni/smartgrader/internal/model"
)

type tesseract struct {
	path    string
	lang    string
	timeout time.Duration
}

// run feeds the image on stdin and reads recognised text from stdout.
func (t *tesseract) run(ctx context.Context, image []byte) (string, error) {
	bin, err := exec.LookPath(t.path)
	if err != nil {
		return "", &ExtractionError{Kind: model.KindImage, Reason: "tesseract not found in PATH", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout", "-l", t.lang)
	cmd.Stdin = bytes.NewReader(image)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ExtractionError{Kind: model.KindImage, Reason: "ocr timed out", Err: ctx.Err()}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "tesseract failed"
		}
		return "", &ExtractionError{Kind: model.KindImage, Reason: msg, Err: err}
	}
	return out.String(), nil
}
