package commands

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/app"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/utils"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := utils.Output
	utils.Output = buf
	t.Cleanup(func() { utils.Output = prev })
	return buf
}

func runCLI(application *app.App, args ...string) error {
	cliApp := &cli.App{
		Name:           "stsync",
		Commands:       []*cli.Command{SyncCommand(), MigrateCommand()},
		ExitErrHandler: func(*cli.Context, error) {},
		Metadata:       map[string]interface{}{},
	}
	if application != nil {
		cliApp.Metadata["app"] = application
	}
	return cliApp.Run(append([]string{"stsync"}, args...))
}

func TestSyncCommandTree(t *testing.T) {
	cmd := SyncCommand()

	var names []string
	for _, sub := range cmd.Subcommands {
		names = append(names, sub.Name)
	}
	assert.Equal(t, []string{"run", "status", "logs", "conflicts", "resolve"}, names)
}

func TestSyncActionsRequireEngine(t *testing.T) {
	loggy.NewNoopLogger()
	captureOutput(t)

	for _, args := range [][]string{
		{"sync", "run"},
		{"sync", "status"},
		{"sync", "logs"},
		{"sync", "conflicts"},
		{"sync", "resolve", "--use-remote", "cf-1"},
	} {
		err := runCLI(&app.App{}, args...)
		assert.True(t, errors.Is(err, sync.ErrEngineUnavailable), "args %v: %v", args, err)
	}
}

func TestSyncActionsWithoutApp(t *testing.T) {
	captureOutput(t)

	err := runCLI(nil, "sync", "logs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app instance not found")
}

func TestSyncResolveValidatesArguments(t *testing.T) {
	captureOutput(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing id", []string{"sync", "resolve", "--use-remote"}, "conflict id is required"},
		{"no resolution", []string{"sync", "resolve", "cf-1"}, "exactly one of"},
		{"both resolutions", []string{"sync", "resolve", "--use-remote", "--keep-local", "cf-1"}, "exactly one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runCLI(&app.App{}, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMigrateDownRejectsZeroSteps(t *testing.T) {
	captureOutput(t)

	err := runCLI(nil, "migrate", "down", "--steps", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps must be at least 1")
}

func TestPrintResult(t *testing.T) {
	out := captureOutput(t)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	result := &sync.SyncResult{
		ID:       "sync-01TEST",
		SyncType: sync.SyncTypeFull,
		Status:   sync.SyncStatusPartial,
		Totals:   sync.Counts{Fetched: 3, Created: 2, Errors: 1},
		Entities: []sync.EntityStats{
			{EntityType: sync.EntityTechnicians, Counts: sync.Counts{Fetched: 3, Created: 2, Errors: 1}, DurationMS: 1500},
		},
		Errors: []sync.SyncError{
			{EntityType: sync.EntityTechnicians, RemoteID: "42", Action: sync.ActionCreate, Message: "constraint failed"},
		},
		StartedAt:  started,
		DurationMS: 1500,
	}

	printResult(result)

	text := out.String()
	assert.Contains(t, text, "sync-01TEST")
	assert.Contains(t, text, "technicians")
	assert.Contains(t, text, "total")
	assert.Contains(t, text, "create technicians 42: constraint failed")
	assert.Contains(t, text, "partial")
}

func TestCountsRow(t *testing.T) {
	row := countsRow("zones", sync.Counts{Fetched: 5, Updated: 1, Unchanged: 4}, 250)
	assert.Equal(t, []string{"zones", "5", "0", "1", "0", "4", "0", "0", "0", "250ms"}, row)
}
