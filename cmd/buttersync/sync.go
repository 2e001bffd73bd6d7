package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/canonical/buttersync/internal/config"
	"github.com/canonical/buttersync/internal/estimate"
	"github.com/canonical/buttersync/internal/humanize"
	"github.com/canonical/buttersync/internal/lock"
	"github.com/canonical/buttersync/internal/planner"
	"github.com/canonical/buttersync/internal/prune"
	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/transfer"
	"github.com/canonical/buttersync/internal/volume"
)

// cmdSync is the root command: `buttersync [options] <src> [<dst>]`. With
// a single argument it lists the snapshots already in that store instead
// of syncing.
type cmdSync struct {
	global *cmdGlobal

	flagDryRun     bool
	flagDelete     bool
	flagEstimate   int
	flagPartSize   int64
	flagExclude    []string
	flagSingleDest bool
	flagSSHUser    string
}

func (c *cmdSync) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buttersync <src> [<dst>]",
		Short: "Synchronize btrfs snapshots between two snapshot stores",
		Long: `Description:
  Synchronize btrfs snapshots between two snapshot stores

  <src>, <dst>: [btrfs://]/path/to/directory/[snapshot]
                s3://host/bucket/prefix/[snapshot]
                ssh://[user@]host/path/to/directory/[snapshot]

  If only <dst> is supplied, this lists the snapshots already there instead
  of syncing. The trailing "/" is significant: without it, a URI names one
  snapshot rather than a directory of snapshots.
`,
		Args: cobra.RangeArgs(1, 2),
		RunE: c.run,
	}

	cmd.Flags().BoolVarP(&c.flagDryRun, "dry-run", "n", false, "Display what would be transferred, but don't do it")
	cmd.Flags().BoolVarP(&c.flagDelete, "delete", "d", false, "Delete any snapshots in <dst> that are not in <src>")
	cmd.Flags().CountVarP(&c.flagEstimate, "estimate", "e", "Use estimated size instead of measuring diffs; twice disables quota reliance too")
	cmd.Flags().Int64Var(&c.flagPartSize, "part-size", 0, "Size of object-store upload chunks, in MiB (default 20)")
	cmd.Flags().StringArrayVar(&c.flagExclude, "exclude", nil, "Regular expression excluding matching subvolume paths; may be repeated")
	cmd.Flags().BoolVar(&c.flagSingleDest, "single-dest", false, "Treat <dst> as a single snapshot rather than a directory, even without a trailing slash")
	cmd.Flags().StringVar(&c.flagSSHUser, "ssh-user", "", "Username for ssh:// stores (defaults to the URI's user@ or $USER)")

	return cmd
}

func (c *cmdSync) run(cmd *cobra.Command, args []string) error {
	if c.global.flagServer {
		return (&cmdServer{global: c.global}).run(args)
	}

	log, closeLog, err := c.global.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	opts := config.Options{
		DryRun:      c.flagDryRun,
		Delete:      c.flagDelete,
		EstimateRaw: c.flagEstimate,
		Quiet:       c.global.flagQuiet,
		Debug:       c.global.flagLogDebug,
		LogFile:     c.global.flagLogFile,
		PartSizeMiB: c.flagPartSize,
		Exclude:     c.flagExclude,
		SSHUser:     c.flagSSHUser,
	}

	if err := config.LoadFileDefaults(c.global.flagConfig, &opts); err != nil {
		return err
	}

	excludeFilters, err := opts.ExcludeFilters()
	if err != nil {
		return newUsageError("%w", err)
	}

	var srcRaw, dstRaw string
	if len(args) == 2 {
		srcRaw, dstRaw = args[0], args[1]
	} else {
		dstRaw = args[0]
	}

	dstURI, err := config.ParseURI(dstRaw)
	if err != nil {
		return newUsageError("%w", err)
	}

	dstURI.NormalizeDest(c.flagSingleDest)

	dstMode := store.ModeAppend
	if opts.Delete {
		dstMode = store.ModeWrite
	}

	dst, err := config.OpenStore(dstURI, dstMode, opts)
	if err != nil {
		return diagnoseRootError(err)
	}
	defer dst.Close()

	if dstURI.IsLocal() {
		l, err := lock.Acquire(cmd.Context(), dstURI.FilePath())
		if err != nil {
			return fmt.Errorf("acquire destination lock: %w", err)
		}

		defer l.Unlock()
	}

	if srcRaw == "" {
		return runList(cmd.Context(), dst, opts)
	}

	srcURI, err := config.ParseURI(srcRaw)
	if err != nil {
		return newUsageError("%w", err)
	}

	src, err := config.OpenStore(srcURI, store.ModeRead, opts)
	if err != nil {
		return diagnoseRootError(err)
	}
	defer src.Close()

	return runSync(cmd.Context(), src, dst, opts, excludeFilters, log)
}

// runList implements the list-only mode: `buttersync <dst>` with no source.
func runList(ctx context.Context, dst store.Store, opts config.Options) error {
	volumes, err := dst.ListVolumes(ctx)
	if err != nil {
		return err
	}

	sort.Slice(volumes, func(i, j int) bool { return volume.Less(volumes[i], volumes[j]) })

	for _, v := range volumes {
		fmt.Printf("%s\t%s\t%s\n", v.UUID, v.OTime.Format("2006-01-02 15:04:05"), v.Path())
	}

	if opts.Delete {
		return dst.DeletePartials(ctx)
	}

	return nil
}

// runSync drives one full sync invocation: an upfront plan printed as a
// summary, then the transfer driver's plan/pick/transfer loop, then
// pruning when requested and the run fully succeeded.
func runSync(parent context.Context, src, dst store.Store, opts config.Options, excludeFilters []*regexp.Regexp, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	est := opts.Estimator()

	if est.Policy == estimate.Quota {
		if err := src.RescanSizes(ctx); err != nil {
			log.WithField("err", err).Warn("Failed to rescan source sizes; estimates may be stale")
		}
	}

	driver := transfer.NewDriver(src, dst, transfer.Options{
		DryRun:    opts.DryRun,
		Estimator: est,
		Log:       log,
		Exclude:   excludeFilters,
		Progress:  progressPrinter(),
	})

	preview, err := driver.Plan(ctx)
	if err != nil {
		return err
	}

	printSummary(dst.Name(), preview)

	result, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	for _, v := range result.Unreachable {
		log.WithField("volume", v.UUID).Warn("No path found to materialize this volume on the destination")
	}

	log.WithFields(logrus.Fields{
		"transfers": result.TransfersDone,
		"bytes":     humanize.Bytes(result.BytesMoved),
	}).Info("Sync complete")

	if opts.Delete && len(result.Unreachable) == 0 {
		if err := runPrune(ctx, src, dst, log); err != nil {
			log.WithField("err", err).Warn("Pruning failed")
		}
	}

	if len(result.Unreachable) > 0 {
		return fmt.Errorf("%d volume(s) unreachable", len(result.Unreachable))
	}

	return nil
}

// progressPrinter returns a live byte counter for stderr, gated on stdout
// being a TTY. It returns nil (no progress output) otherwise.
func progressPrinter() store.ProgressFunc {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}

	return func(bytesDone int64) {
		fmt.Fprintf(os.Stderr, "\r%s transferred", humanize.Bytes(bytesDone))
	}
}

// printSummary prints the per-sink transfer summary before transfers
// begin: how many volumes, and how many bytes, each store will end up
// supplying.
func printSummary(destName string, plan *planner.Plan) {
	summary := plan.Summary()

	total := summary[""]
	if total.Count == 0 {
		fmt.Printf("Nothing to transfer to %s\n", destName)
		return
	}

	fmt.Printf("Plan: %d volume(s) to transfer to %s (%s)\n", total.Count, destName, humanize.Bytes(total.TotalSize))

	sinks := make([]string, 0, len(summary))
	for sink := range summary {
		if sink != "" {
			sinks = append(sinks, sink)
		}
	}

	sort.Strings(sinks)

	for _, sink := range sinks {
		s := summary[sink]
		fmt.Printf("  from %s: %d volume(s), %s\n", sink, s.Count, humanize.Bytes(s.TotalSize))
	}

	if len(plan.Unreachable) > 0 {
		fmt.Printf("  %d volume(s) have no path to %s and will be skipped\n", len(plan.Unreachable), destName)
	}
}

func runPrune(ctx context.Context, src, dst store.Store, log *logrus.Entry) error {
	srcVolumes, err := src.ListVolumes(ctx)
	if err != nil {
		return err
	}

	dstVolumes, err := dst.ListVolumes(ctx)
	if err != nil {
		return err
	}

	all := append(append([]volume.Volume(nil), srcVolumes...), dstVolumes...)
	eq := volume.NewEquivalence(all)

	result, err := prune.Run(ctx, dst, srcVolumes, dstVolumes, eq, log)

	log.WithFields(logrus.Fields{"deleted": result.Deleted, "kept": result.Kept}).Info("Pruning complete")

	return err
}
