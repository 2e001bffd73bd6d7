// Command buttersync synchronizes btrfs snapshots between a source and a
// destination store, transferring incremental diffs wherever a suitable
// ancestor already exists on the destination.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// usageError signals exit code 2: the user invoked the tool wrong, as
// opposed to a run that started correctly and then failed.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func newUsageError(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// cmdGlobal carries the flags shared by every invocation: one struct of
// flag values, threaded into every subcommand that needs them.
type cmdGlobal struct {
	flagLogDebug bool
	flagQuiet    bool
	flagLogFile  string
	flagConfig   string

	// flagServer and flagMode are internal: btrfsremote.Dial invokes the
	// binary on the remote host as `buttersync --server --mode <mode>
	// <path>` to get a peer process speaking the wire protocol over
	// stdin/stdout.
	flagServer bool
	flagMode   string
}

func main() {
	global := &cmdGlobal{}

	syncCmd := cmdSync{global: global}
	app := syncCmd.command()
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	app.PersistentFlags().BoolVar(&global.flagLogDebug, "debug", false, "Show all debugging output")
	app.PersistentFlags().BoolVarP(&global.flagQuiet, "quiet", "q", false, "Only display error messages")
	app.PersistentFlags().StringVarP(&global.flagLogFile, "logfile", "l", "", "Log debugging information to file")
	app.PersistentFlags().StringVar(&global.flagConfig, "config", "", "Path to a config file (default ~/.config/buttersync/config.yaml)")
	app.PersistentFlags().BoolVar(&global.flagServer, "server", false, "Run as the remote peer process (internal use)")
	app.PersistentFlags().StringVar(&global.flagMode, "mode", "", "Store mode to open as, when --server is set (internal use)")
	_ = app.PersistentFlags().MarkHidden("server")
	_ = app.PersistentFlags().MarkHidden("mode")

	listCmd := cmdList{global: global}
	app.AddCommand(listCmd.command())

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run's terminal error onto an exit code: 1 for a
// fatal run or unreachable volumes, 2 for a usage error.
func exitCodeFor(err error) int {
	var uerr *usageError
	if errors.As(err, &uerr) {
		return 2
	}

	return 1
}
