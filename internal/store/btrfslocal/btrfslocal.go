// Package btrfslocal implements store.Store over a local btrfs mount,
// shelling out to the btrfs-progs CLI: one exec.Command per operation,
// its combined output checked on failure. The store's root path is a
// directory whose immediate children are read-only snapshot subvolumes,
// one per volume.
package btrfslocal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

const partialMarkerName = ".buttersync.partial"

// Store is a btrfs backend rooted at a local directory.
type Store struct {
	root string
	mode store.Mode
}

// Open verifies the btrfs tool is available and returns a Store rooted at
// path. path must already exist and be a directory.
func Open(path string, mode store.Mode) (*Store, error) {
	if _, err := exec.LookPath("btrfs"); err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "open", fmt.Errorf("btrfs tool not found in PATH: %w", err))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "open", err)
	}

	if !info.IsDir() {
		return nil, store.NewError(store.KindStoreUnreachable, "open", fmt.Errorf("%s is not a directory", path))
	}

	return &Store{root: path, mode: mode}, nil
}

// Name identifies this store as its root path.
func (s *Store) Name() string { return s.root }

// Mode reports the capability level this store was opened with.
func (s *Store) Mode() store.Mode { return s.mode }

func (s *Store) subvolPath(name string) string {
	return filepath.Join(s.root, name)
}

// ListVolumes enumerates every immediate subdirectory of the root as a
// subvolume, parsing its identity with `btrfs subvolume show`.
func (s *Store) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "list volumes", err)
	}

	var volumes []volume.Volume

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == partialMarkerName {
			continue
		}

		v, err := s.show(ctx, entry.Name())
		if err != nil {
			continue
		}

		volumes = append(volumes, v)
	}

	return volumes, nil
}

// show runs `btrfs subvolume show` on the named child and parses its
// UUID, Parent UUID, Received UUID and creation time.
func (s *Store) show(ctx context.Context, name string) (volume.Volume, error) {
	path := s.subvolPath(name)

	out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "show", path).CombinedOutput()
	if err != nil {
		return volume.Volume{}, store.NewError(store.KindVolumeNotFound, "subvolume show", fmt.Errorf("%s: %w", string(out), err))
	}

	v := volume.Volume{Paths: []string{name}}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "UUID:"):
			v.UUID, _ = uuid.Parse(strings.TrimSpace(strings.TrimPrefix(line, "UUID:")))
		case strings.HasPrefix(line, "Parent UUID:"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "Parent UUID:"))
			if id != "-" {
				v.ParentUUID, _ = uuid.Parse(id)
			}
		case strings.HasPrefix(line, "Received UUID:"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "Received UUID:"))
			if id != "-" {
				v.ReceivedUUID, _ = uuid.Parse(id)
			}
		case strings.HasPrefix(line, "Creation time:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Creation time:"))
			if t, err := time.Parse("2006-01-02 15:04:05 -0700", raw); err == nil {
				v.OTime = t
			}
		}
	}

	if info, err := os.Stat(path); err == nil {
		// Best-effort logical size; exact cost comes from MeasureSize.
		v.Size = info.Size()
	}

	return v, nil
}

// GetEdges offers a full-send edge, plus an incremental edge from v's
// parent when that parent is itself resident in this store.
func (s *Store) GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error) {
	diffs := []volume.Diff{{FromUUID: uuid.Nil, ToUUID: v.UUID, Size: v.Size}}

	if !v.HasParent() {
		return diffs, nil
	}

	volumes, err := s.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}

	for _, candidate := range volumes {
		if candidate.UUID == v.ParentUUID {
			diffs = append(diffs, volume.Diff{FromUUID: v.ParentUUID, ToUUID: v.UUID, Size: v.Size})

			break
		}
	}

	return diffs, nil
}

// HasVolume is a presence test by UUID.
func (s *Store) HasVolume(ctx context.Context, id uuid.UUID) (bool, error) {
	volumes, err := s.ListVolumes(ctx)
	if err != nil {
		return false, err
	}

	for _, v := range volumes {
		if v.UUID == id {
			return true, nil
		}
	}

	return false, nil
}

// MeasureSize runs a --no-data send and counts the bytes it produces,
// without writing them anywhere but a counter.
func (s *Store) MeasureSize(ctx context.Context, d volume.Diff) (int64, error) {
	childPath, err := s.pathForUUID(ctx, d.ToUUID)
	if err != nil {
		return 0, err
	}

	args := []string{"send", "--no-data"}
	if d.FromUUID != uuid.Nil {
		parentPath, err := s.pathForUUID(ctx, d.FromUUID)
		if err != nil {
			return 0, err
		}

		args = append(args, "-p", parentPath)
	}

	args = append(args, childPath)

	cmd := exec.CommandContext(ctx, "btrfs", args...)

	counter := &countingWriter{}
	cmd.Stdout = counter

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, store.NewError(store.KindTransferFatal, "measure size", fmt.Errorf("%s: %w", stderr.String(), err))
	}

	return counter.n, nil
}

// EstimateSize reads the child's exclusive byte count from btrfs quota
// data. Quotas may not be enabled on the filesystem, in which case it
// falls back to the child's logical size.
func (s *Store) EstimateSize(ctx context.Context, d volume.Diff) (int64, error) {
	path, err := s.pathForUUID(ctx, d.ToUUID)
	if err != nil {
		return 0, err
	}

	if exclusive, err := s.qgroupExclusive(ctx, path); err == nil {
		return exclusive, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, store.NewError(store.KindVolumeNotFound, "estimate size", err)
	}

	return info.Size(), nil
}

// qgroupExclusive parses `btrfs qgroup show` for the subvolume's exclusive
// byte count, the closest cheap proxy for an incremental diff's size.
func (s *Store) qgroupExclusive(ctx context.Context, path string) (int64, error) {
	out, err := exec.CommandContext(ctx, "btrfs", "qgroup", "show", "-e", "--raw", "-f", path).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("qgroup show %s: %s: %w", path, string(out), err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "0/") {
			continue
		}

		exclusive, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}

		if exclusive < 0 {
			exclusive = 0
		}

		return exclusive, nil
	}

	return 0, fmt.Errorf("qgroup show %s: no qgroup row found", path)
}

type receiveContext struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	partialTag string
	store      *Store
}

func (rc *receiveContext) Write(p []byte) (int, error) { return rc.stdin.Write(p) }

func (rc *receiveContext) Close() error {
	if err := rc.stdin.Close(); err != nil {
		return err
	}

	if err := rc.cmd.Wait(); err != nil {
		return store.NewError(store.KindTransferFatal, "btrfs receive", err)
	}

	return os.Remove(filepath.Join(rc.store.root, partialMarkerName))
}

func (rc *receiveContext) Abort() error {
	_ = rc.stdin.Close()
	_ = rc.cmd.Process.Kill()
	_ = rc.cmd.Wait()

	return rc.store.DeletePartials(context.Background())
}

// Receive starts `btrfs receive` against the store root and returns a
// handle wired to its stdin. A marker file records the in-flight receive
// so DeletePartials can clean it up if the process is interrupted before
// Close runs.
func (s *Store) Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (store.ReceiveContext, error) {
	if !s.mode.CanReceive() {
		return nil, store.NewError(store.KindStoreReadonly, "receive", fmt.Errorf("store %s is opened %s", s.root, s.mode))
	}

	if err := os.WriteFile(filepath.Join(s.root, partialMarkerName), []byte(path), 0o644); err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "receive", err)
	}

	cmd := exec.CommandContext(ctx, "btrfs", "receive", s.root)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "receive", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "receive", err)
	}

	return &receiveContext{cmd: cmd, stdin: stdin, partialTag: path, store: s}, nil
}

// Send streams the diff for toUUID (incremental from fromUUID, or a full
// send if fromUUID is uuid.Nil) into rc.
func (s *Store) Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	childPath, err := s.pathForUUID(ctx, toUUID)
	if err != nil {
		return err
	}

	args := []string{"send"}
	if fromUUID != uuid.Nil {
		parentPath, err := s.pathForUUID(ctx, fromUUID)
		if err != nil {
			return err
		}

		args = append(args, "-p", parentPath)
	}

	args = append(args, childPath)

	cmd := exec.CommandContext(ctx, "btrfs", args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return store.NewError(store.KindTransferFatal, "btrfs send", err)
	}

	if err := cmd.Start(); err != nil {
		return store.NewError(store.KindTransferFatal, "btrfs send", err)
	}

	writer := io.Writer(rc)
	if progress != nil {
		writer = &progressWriter{w: rc, report: progress}
	}

	if _, err := io.Copy(writer, stdout); err != nil {
		_ = cmd.Wait()

		return store.NewError(store.KindTransferTransient, "btrfs send", err)
	}

	if err := cmd.Wait(); err != nil {
		return store.NewError(store.KindTransferFatal, "btrfs send", fmt.Errorf("%s: %w", stderr.String(), err))
	}

	return nil
}

// DeleteVolume removes a subvolume by UUID.
func (s *Store) DeleteVolume(ctx context.Context, id uuid.UUID) error {
	if !s.mode.CanDelete() {
		return store.NewError(store.KindStoreReadonly, "delete volume", fmt.Errorf("store %s is opened %s", s.root, s.mode))
	}

	path, err := s.pathForUUID(ctx, id)
	if err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "delete", path).CombinedOutput()
	if err != nil {
		return store.NewError(store.KindTransferFatal, "delete volume", fmt.Errorf("%s: %w", string(out), err))
	}

	return nil
}

// DeletePartials removes any subvolume left behind by an interrupted receive.
func (s *Store) DeletePartials(ctx context.Context) error {
	markerPath := filepath.Join(s.root, partialMarkerName)

	data, err := os.ReadFile(markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	path := s.subvolPath(strings.TrimSpace(string(data)))
	_, _ = exec.CommandContext(ctx, "btrfs", "subvolume", "delete", path).CombinedOutput()

	return os.Remove(markerPath)
}

// RescanSizes triggers a quota rescan so subsequent EstimateSize calls see
// fresh numbers.
func (s *Store) RescanSizes(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "btrfs", "quota", "rescan", "-w", s.root).CombinedOutput()
	if err != nil {
		return store.NewError(store.KindStoreUnreachable, "rescan sizes", fmt.Errorf("%s: %w", string(out), err))
	}

	return nil
}

// GetPaths returns the volume's relative path.
func (s *Store) GetPaths(ctx context.Context, v volume.Volume) ([]string, error) {
	return v.Paths, nil
}

// Close is a no-op: the local backend holds no long-lived handles beyond
// the per-call exec.Cmd instances.
func (s *Store) Close() error { return nil }

func (s *Store) pathForUUID(ctx context.Context, id uuid.UUID) (string, error) {
	volumes, err := s.ListVolumes(ctx)
	if err != nil {
		return "", err
	}

	for _, v := range volumes {
		if v.UUID == id {
			return s.subvolPath(v.Path()), nil
		}
	}

	return "", store.NewError(store.KindVolumeNotFound, "resolve path", fmt.Errorf("volume %s not found in %s", id, s.root))
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))

	return len(p), nil
}

type progressWriter struct {
	w      io.Writer
	done   int64
	report store.ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.report(p.done)

	return n, err
}
