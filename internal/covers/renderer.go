package covers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Renderer rasterizes the first page of a source document to a JPEG file.
// Implementations must honor ctx cancellation; the service applies a hard
// per-attempt timeout around each call.
type Renderer interface {
	RenderFirstPage(ctx context.Context, sourcePath, targetPath string) error
}

// PopplerRenderer shells out to pdftoppm. Page-rendering libraries are
// flaky under load; an external process is killed cleanly when the attempt
// deadline fires instead of wedging the worker.
type PopplerRenderer struct {
	Tool string // pdftoppm binary, resolvable via PATH
	DPI  int
}

// NewPopplerRenderer builds a renderer for the given binary and resolution.
func NewPopplerRenderer(tool string, dpi int) *PopplerRenderer {
	if tool == "" {
		tool = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &PopplerRenderer{Tool: tool, DPI: dpi}
}

// RenderFirstPage writes page one of sourcePath to targetPath as JPEG.
func (r *PopplerRenderer) RenderFirstPage(ctx context.Context, sourcePath, targetPath string) error {
	prefix := strings.TrimSuffix(targetPath, ".jpg")
	cmd := exec.CommandContext(ctx, r.Tool,
		"-f", "1", "-l", "1",
		"-r", strconv.Itoa(r.DPI),
		"-jpeg", "-singlefile",
		sourcePath, prefix,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("render timed out: %w", ctx.Err())
		}
		return fmt.Errorf("%s: %w (%s)", r.Tool, err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(targetPath); err != nil {
		return fmt.Errorf("%s produced no output: %w", r.Tool, err)
	}
	return nil
}
