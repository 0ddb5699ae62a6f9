package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/instance"
	"github.com/chiquitav2/vnas-orchestrator/internal/orchestrator/jobs"
	apperrors "github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/chiquitav2/vnas-orchestrator/pkg/logger"
)

type scriptedPoller struct {
	views []orchestrator.JobView
	calls int
	err   error
}

func (p *scriptedPoller) JobStatus(jobID string, key instance.ResourceKey) (orchestrator.JobView, error) {
	if p.err != nil {
		return orchestrator.JobView{}, p.err
	}
	v := p.views[min(p.calls, len(p.views)-1)]
	p.calls++
	return v, nil
}

func TestWaitForJob_PollsUntilTerminal(t *testing.T) {
	p := &scriptedPoller{views: []orchestrator.JobView{
		{Status: jobs.StatusProcessing},
		{Status: jobs.StatusProcessing},
		{Status: jobs.StatusCompleted, Result: instance.OutcomeRebootInitiated},
	}}

	view, err := waitForJob(context.Background(), p, "alice.x", "alice", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, view.Status)
	assert.Equal(t, 3, p.calls)
}

func TestWaitForJob_StopsOnContext(t *testing.T) {
	p := &scriptedPoller{views: []orchestrator.JobView{{Status: jobs.StatusProcessing}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	view, err := waitForJob(ctx, p, "alice.x", "alice", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, jobs.StatusProcessing, view.Status)
}

func TestWaitForJob_PropagatesLookupError(t *testing.T) {
	p := &scriptedPoller{err: apperrors.NewNotFoundError(apperrors.DomainJob, "job not found")}
	_, err := waitForJob(context.Background(), p, "alice.x", "alice", time.Millisecond)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, orchestrator.JobView{Status: jobs.StatusFailed, Error: "boom"}))
	assert.JSONEq(t, `{"status":"failed","error":"boom"}`, buf.String())
}

func TestResourceKeyFlag(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "missing", args: nil, wantErr: true},
		{name: "invalid", args: []string{"--key", "a/b"}, wantErr: true},
		{name: "valid", args: []string{"--key", "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &cobra.Command{Use: "delete"}
			c.Flags().String("key", "", "")
			require.NoError(t, c.Flags().Parse(tt.args))

			key, err := resourceKey(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, instance.ResourceKey("alice"), key)
		})
	}
}

func TestRootPreRunTagsRequestID(t *testing.T) {
	c := &cobra.Command{Use: "status"}
	c.SetContext(context.Background())
	rootCmd.PersistentPreRun(c, nil)

	var buf bytes.Buffer
	log := logger.New(logger.LoggerConfig{Format: logger.FormatJSON, Output: &buf})
	log.WithContext(c.Context()).Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	id, _ := entry["request_id"].(string)
	assert.Len(t, id, 36)
}
