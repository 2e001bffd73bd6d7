package main

import (
	"context"
	"fmt"
	"os"

	"github.com/canonical/buttersync/internal/config"
	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/store/btrfsremote"
)

// cmdServer is the peer-process side of the remote protocol: invoked over
// SSH by btrfsremote.Dial as `buttersync --server --mode <mode> <path>`.
// It opens the given path as a local store and serves RPCs over
// stdin/stdout until the driving process hangs up.
type cmdServer struct {
	global *cmdGlobal
}

func (c *cmdServer) run(args []string) error {
	if len(args) != 1 {
		return newUsageError("--server requires exactly one path argument, got %d", len(args))
	}

	log, closeLog, err := c.global.setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	mode, err := parseServerMode(c.global.flagMode)
	if err != nil {
		return newUsageError("%w", err)
	}

	local, err := config.OpenStore(&config.URI{Method: "btrfs", Path: trimLeadingSlash(args[0])}, mode, config.Options{})
	if err != nil {
		return diagnoseRootError(err)
	}
	defer local.Close()

	return btrfsremote.Serve(context.Background(), local, os.Stdin, os.Stdout, log)
}

func parseServerMode(raw string) (store.Mode, error) {
	switch raw {
	case "read", "":
		return store.ModeRead, nil
	case "append":
		return store.ModeAppend, nil
	case "write":
		return store.ModeWrite, nil
	default:
		return 0, fmt.Errorf("unknown --mode %q", raw)
	}
}

func trimLeadingSlash(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}

	return path
}
