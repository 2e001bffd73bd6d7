package main

import (
	"github.com/spf13/cobra"

	"github.com/canonical/buttersync/internal/config"
	"github.com/canonical/buttersync/internal/store"
)

// cmdList implements `buttersync list <dst>`, an explicit subcommand
// equivalent to the single-positional-argument list mode `cmdSync` also
// offers. It exists so a script can discover a store's contents
// without risking cobra's range-args parsing mistaking a typo'd source for
// the only argument supplied.
type cmdList struct {
	global *cmdGlobal

	flagDelete bool
}

func (c *cmdList) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <store>",
		Short: "List the snapshots held by a store",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}

	cmd.Flags().BoolVarP(&c.flagDelete, "delete", "d", false, "Also delete any partial snapshots left by an aborted transfer")

	return cmd
}

func (c *cmdList) run(cmd *cobra.Command, args []string) error {
	_, closeLog, err := c.global.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	opts := config.Options{Delete: c.flagDelete}
	if err := config.LoadFileDefaults(c.global.flagConfig, &opts); err != nil {
		return err
	}

	u, err := config.ParseURI(args[0])
	if err != nil {
		return newUsageError("%w", err)
	}

	mode := store.ModeRead
	if c.flagDelete {
		mode = store.ModeWrite
	}

	s, err := config.OpenStore(u, mode, opts)
	if err != nil {
		return diagnoseRootError(err)
	}
	defer s.Close()

	return runList(cmd.Context(), s, opts)
}
