package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/canonical/buttersync/internal/logging"
)

// setupLogging builds the run's logger from the global flags.
func (g *cmdGlobal) setupLogging() (*logrus.Entry, func() error, error) {
	return logging.Setup(logging.Options{
		Debug:   g.flagLogDebug,
		Quiet:   g.flagQuiet,
		LogFile: g.flagLogFile,
		Server:  g.flagServer,
	})
}

// diagnoseRootError rewrites a permission failure against a btrfs mount:
// a confusing "permission denied" becomes an actionable "you must be
// root" when running unprivileged.
func diagnoseRootError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, syscall.EPERM) && os.Geteuid() != 0 {
		return fmt.Errorf("you must be root to access a btrfs filesystem; use sudo: %w", err)
	}

	return err
}
