package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/app"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
	"github.com/tildaslashalef/stsync/internal/utils"
)

// SyncCommand returns the CLI command for running and inspecting syncs
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync ServiceTitan entities into the local database",
		Description: "Run syncs on demand and inspect their history and conflicts",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a sync now and wait for it to finish",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "full",
						Usage: "Fetch everything and soft-delete records missing remotely",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Compare only, write nothing",
					},
					&cli.StringFlag{
						Name:  "group",
						Usage: "Entity group: all, scheduling or pricebook",
						Value: string(sync.GroupAll),
					},
					&cli.StringSliceFlag{
						Name:    "entity",
						Aliases: []string{"e"},
						Usage:   "Entity type to sync, repeatable (overrides --group)",
					},
				},
				Action: syncRunAction,
			},
			{
				Name:   "status",
				Usage:  "Show local record counts and the latest run",
				Action: syncStatusAction,
			},
			{
				Name:  "logs",
				Usage: "List recent sync runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show",
						Value: 20,
					},
				},
				Action: syncLogsAction,
			},
			{
				Name:  "conflicts",
				Usage: "List pricebook conflicts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status: unresolved or resolved",
						Value: string(sync.ConflictUnresolved),
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 50,
					},
				},
				Action: syncConflictsAction,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a conflict",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "use-remote",
						Usage: "Overwrite the local row with the remote version",
					},
					&cli.BoolFlag{
						Name:  "keep-local",
						Usage: "Keep the local values",
					},
					&cli.StringFlag{
						Name:  "by",
						Usage: "Name recorded as the resolver",
						Value: "cli",
					},
				},
				Action: syncResolveAction,
			},
		},
	}
}

func syncRunAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	if _, err := application.RequireEngine(); err != nil {
		utils.PrintError(err.Error())
		return err
	}

	group, err := sync.ParseGroup(c.String("group"))
	if err != nil {
		return err
	}
	opts := sync.Options{Group: group, DryRun: c.Bool("dry-run"), TriggeredBy: "cli"}
	for _, raw := range c.StringSlice("entity") {
		t, err := sync.ParseEntityType(raw)
		if err != nil {
			return err
		}
		opts.EntityTypes = append(opts.EntityTypes, t)
	}

	kind := scheduler.KindIncremental
	if c.Bool("full") {
		kind = scheduler.KindFull
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	label := string(kind)
	if opts.DryRun {
		label += " (dry run)"
	}
	utils.PrintInfo(fmt.Sprintf("Starting %s sync", label))

	result, runErr := application.Scheduler.RunNow(ctx, kind, opts)
	if result == nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", runErr))
		return runErr
	}

	printResult(result)

	if runErr != nil {
		return runErr
	}
	if result.Status == sync.SyncStatusPartial {
		return cli.Exit("sync finished with errors", 2)
	}
	return nil
}

func printResult(result *sync.SyncResult) {
	rows := make([][]string, 0, len(result.Entities)+1)
	for _, e := range result.Entities {
		rows = append(rows, countsRow(string(e.EntityType), e.Counts, e.DurationMS))
	}
	rows = append(rows, countsRow("total", result.Totals, result.DurationMS))

	utils.PrintTable(fmt.Sprintf("Sync %s", result.ID),
		[]string{"Entity", "Fetched", "Created", "Updated", "Deleted", "Unchanged", "Skipped", "Conflicts", "Errors", "Duration"},
		rows)

	for _, e := range result.Errors {
		target := string(e.EntityType)
		if e.RemoteID != "" {
			target += " " + e.RemoteID
		}
		utils.PrintWarning(fmt.Sprintf("%s %s: %s", e.Action, target, e.Message))
	}

	status := utils.ColoredStatus(string(result.Status))
	switch result.Status {
	case sync.SyncStatusCompleted:
		utils.PrintSuccess("Sync " + status)
	case sync.SyncStatusPartial:
		utils.PrintWarning("Sync " + status)
	default:
		utils.PrintError("Sync " + status + ": " + result.Error)
	}
}

func countsRow(label string, c sync.Counts, durationMS int64) []string {
	return []string{
		label,
		strconv.Itoa(c.Fetched),
		strconv.Itoa(c.Created),
		strconv.Itoa(c.Updated),
		strconv.Itoa(c.Deleted),
		strconv.Itoa(c.Unchanged),
		strconv.Itoa(c.Skipped),
		strconv.Itoa(c.Conflicts),
		strconv.Itoa(c.Errors),
		utils.FormatDurationMS(durationMS),
	}
}

func syncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	engine, err := application.RequireEngine()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}

	status, err := engine.GetStatus(c.Context)
	if err != nil {
		return fmt.Errorf("failed to load sync status: %w", err)
	}

	rows := make([][]string, 0, len(status.Entities))
	for _, e := range status.Entities {
		rows = append(rows, []string{string(e.EntityType), strconv.Itoa(e.TotalCount), strconv.Itoa(e.ActiveCount)})
	}
	utils.PrintTable("Local records", []string{"Entity", "Total", "Active"}, rows)

	if run := status.LatestRun; run != nil {
		utils.PrintHeading("Latest run")
		utils.PrintKeyValue("ID", run.ID)
		utils.PrintKeyValue("Type", string(run.SyncType))
		utils.PrintKeyValueWithColor("Status", string(run.Status), utils.StatusColor(string(run.Status)))
		utils.PrintKeyValue("Started", utils.FormatTime(&run.StartedAt))
		utils.PrintKeyValue("Completed", utils.FormatTime(run.CompletedAt))
		if status.LatestRunStale {
			utils.PrintWarning("The latest run is marked running but no process owns it")
		}
	} else {
		utils.PrintInfo("No sync has run yet")
	}

	if status.UnresolvedConflicts > 0 {
		utils.PrintWarning(fmt.Sprintf("%d unresolved conflict(s), see %s", status.UnresolvedConflicts, utils.Command("stsync sync conflicts")))
	}

	sched := application.Scheduler.Status()
	utils.PrintHeading("Schedules")
	utils.PrintKeyValue("Enabled", strconv.FormatBool(sched.Enabled))
	utils.PrintKeyValue("Incremental", sched.Schedules.IncrementalSync)
	utils.PrintKeyValue("Full", sched.Schedules.FullSync)
	return nil
}

func syncLogsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	engine, err := application.RequireEngine()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}

	logs, err := engine.ListLogs(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list sync logs: %w", err)
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			l.ID,
			string(l.SyncType),
			utils.ColoredStatus(string(l.Status)),
			l.TriggeredBy,
			utils.FormatTime(&l.StartedAt),
			utils.FormatDurationMS(l.DurationMS),
			fmt.Sprintf("%d/%d/%d", l.Created, l.Updated, l.Deleted),
			strconv.Itoa(l.Errors),
		})
	}

	utils.PrintTable("Sync Logs",
		[]string{"ID", "Type", "Status", "Trigger", "Started", "Duration", "C/U/D", "Errors"},
		rows)
	return nil
}

func syncConflictsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	engine, err := application.RequireEngine()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}

	status := sync.ConflictStatus(strings.ToLower(c.String("status")))
	if status == "all" {
		status = ""
	}

	conflicts, err := engine.ListConflicts(c.Context, status, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	rows := make([][]string, 0, len(conflicts))
	for _, cf := range conflicts {
		rows = append(rows, []string{
			cf.ID,
			string(cf.EntityType),
			cf.RemoteID,
			utils.Truncate(strings.Join(cf.ChangedFields, ", "), 40),
			utils.ColoredStatus(string(cf.Status)),
			string(cf.Resolution),
			utils.FormatTime(&cf.DetectedAt),
		})
	}

	utils.PrintTable("Conflicts",
		[]string{"ID", "Entity", "Remote ID", "Changed", "Status", "Resolution", "Detected"},
		rows)
	return nil
}

func syncResolveAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("conflict id is required", 1)
	}

	useRemote, keepLocal := c.Bool("use-remote"), c.Bool("keep-local")
	if useRemote == keepLocal {
		return cli.Exit("pass exactly one of --use-remote or --keep-local", 1)
	}
	resolution := sync.ResolutionKeepLocal
	if useRemote {
		resolution = sync.ResolutionUseRemote
	}

	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	engine, err := application.RequireEngine()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}

	conflict, err := engine.ResolveConflict(c.Context, id, resolution, c.String("by"))
	switch {
	case errors.Is(err, sync.ErrNotFound):
		utils.PrintError(fmt.Sprintf("Conflict %s not found", id))
		return err
	case errors.Is(err, sync.ErrConflictResolved):
		utils.PrintWarning(fmt.Sprintf("Conflict %s is already resolved", id))
		return err
	case err != nil:
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	utils.PrintSuccess(fmt.Sprintf("Resolved %s %s with %s", conflict.EntityType, conflict.RemoteID, conflict.Resolution))
	return nil
}
