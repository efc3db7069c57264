package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotRunning is returned when the server cannot be reached.
var ErrNotRunning = errors.New("ollama is not running (start it with: ollama serve)")

// EnsureModel checks that the server is up and pulls model if it is
// missing, writing progress to w.
func EnsureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	last := ""
	err := c.PullModel(ctx, model, func(p PullProgress) {
		line := p.Status
		if p.Total > 0 {
			line = fmt.Sprintf("%s %d%%", p.Status, p.Completed*100/p.Total)
		}
		if line != last {
			fmt.Fprintf(w, "  %s\n", line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
