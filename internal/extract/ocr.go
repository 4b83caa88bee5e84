package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loanmatch-backend/internal/shared/telemetry"
)

// Runner executes external commands; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and captures its output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	fields := map[string]any{
		"cmd":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		fields["stderr"] = truncate(errb.String(), 8<<10)
		telemetry.Error("extract.exec.failed", fields)
	} else {
		fields["stdout_bytes"] = out.Len()
		telemetry.Debug("extract.exec.ok", fields)
	}
	return out.Bytes(), errb.Bytes(), err
}

// OCR rasterizes PDF pages with pdftoppm and reads them with tesseract.
type OCR struct {
	Runner    Runner
	Pdftoppm  string
	Tesseract string
	DPI       int
	MaxPages  int
}

// NewOCR returns an OCR using binaries from PATH.
func NewOCR() *OCR {
	return &OCR{
		Runner:    ExecRunner{},
		Pdftoppm:  "pdftoppm",
		Tesseract: "tesseract",
		DPI:       300,
		MaxPages:  20,
	}
}

// PDF returns the OCR text of every rendered page, separated by form feeds.
func (o *OCR) PDF(ctx context.Context, data []byte) (string, error) {
	tmpDir, err := os.MkdirTemp("", "loanmatch-ocr-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	input := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return "", err
	}

	prefix := filepath.Join(tmpDir, "page")
	if _, errb, err := o.Runner.Run(ctx, o.Pdftoppm, "-r", fmt.Sprintf("%d", o.DPI), "-png", input, prefix); err != nil {
		return "", fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}

	pages, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(pages)
	if o.MaxPages > 0 && len(pages) > o.MaxPages {
		pages = pages[:o.MaxPages]
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("pdftoppm produced no images")
	}

	var b strings.Builder
	for _, img := range pages {
		out, _, err := o.Runner.Run(ctx, o.Tesseract, img, "stdout")
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			telemetry.Warn("extract.ocr.page_failed", map[string]any{"page": filepath.Base(img), "error": err})
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.Write(bytes.TrimSpace(out))
	}
	return b.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
