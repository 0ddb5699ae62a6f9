package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
)

// jobPoller is the polling surface of the service.
type jobPoller interface {
	JobStatus(jobID string, key instance.ResourceKey) (orchestrator.JobView, error)
}

// waitForJob polls until the job is terminal or ctx ends.
func waitForJob(ctx context.Context, p jobPoller, jobID string, key instance.ResourceKey, interval time.Duration) (orchestrator.JobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := p.JobStatus(jobID, key)
		if err != nil {
			return orchestrator.JobView{}, err
		}
		if view.Status.Terminal() {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
