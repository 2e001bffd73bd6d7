// Package transfer implements the transfer driver: the state machine that
// alternates between planning and moving exactly one diff at a time,
// re-planning after every success so a newly materialized volume can serve
// as a cheaper parent for its descendants.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/buttersync/internal/estimate"
	"github.com/canonical/buttersync/internal/planner"
	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// Options configures one Driver run.
type Options struct {
	// DryRun walks the full PLAN/PICK/TRANSFER state machine but simulates
	// each transfer instead of touching the destination store.
	DryRun bool
	// Estimator fills in diff costs before each planning round.
	Estimator estimate.Estimator
	// MaxRetries bounds transient-error retries per diff. Zero means the
	// default of 3.
	MaxRetries int
	// Backoff is the base delay before the first retry; it doubles on each
	// subsequent attempt. Zero uses a 1 second default.
	Backoff time.Duration
	Log     *logrus.Entry
	// Exclude drops any source volume with a path matching one of these
	// patterns before planning.
	Exclude []*regexp.Regexp
	// Progress, if set, is called with cumulative bytes moved during each
	// transfer. The CLI wires this to a terminal progress line and leaves
	// it nil when stdout isn't a TTY.
	Progress store.ProgressFunc
}

func (o Options) excluded(v volume.Volume) bool {
	for _, path := range v.Paths {
		for _, re := range o.Exclude {
			if re.MatchString(path) {
				return true
			}
		}
	}

	return false
}

func (o Options) maxRetries() int {
	if o.MaxRetries <= 0 {
		return 3
	}

	return o.MaxRetries
}

func (o Options) backoff() time.Duration {
	if o.Backoff <= 0 {
		return time.Second
	}

	return o.Backoff
}

// Result summarizes one completed or aborted Driver run.
type Result struct {
	TransfersDone  int
	BytesMoved     int64
	Unreachable    []volume.Volume
	FirstFatalKind store.Kind
}

// Driver drives diffs from Src onto Dst until the plan is empty or a fatal
// error is reached.
type Driver struct {
	Src  store.Store
	Dst  store.Store
	Opts Options
}

// NewDriver constructs a Driver.
func NewDriver(src, dst store.Store, opts Options) *Driver {
	return &Driver{Src: src, Dst: dst, Opts: opts}
}

// Run executes the plan/pick/transfer loop and returns once the plan is
// empty or a diff cannot proceed. The caller is responsible for pruning
// afterward when delete mode is enabled and Run returns a nil error.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	log := d.Opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var simulated []volume.Volume

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("transfer interrupted: %w", err)
		}

		plan, resident, err := d.planRound(ctx, simulated)
		if err != nil {
			return res, err
		}

		if plan.IsEmpty() {
			res.Unreachable = plan.Unreachable
			return res, nil
		}

		ready := plan.Ready(resident)
		if len(ready) == 0 {
			res.Unreachable = plan.Unreachable
			return res, fmt.Errorf("transfer failed: %d volume(s) pending with no ready diff and %d unreachable",
				len(plan.Nodes), len(plan.Unreachable))
		}

		sort.Slice(ready, func(i, j int) bool { return volume.Less(ready[i].Volume, ready[j].Volume) })
		node := ready[0]

		node, err = d.transferWithRetry(ctx, node, log)
		if err != nil {
			var serr *store.Error
			if errors.As(err, &serr) {
				res.FirstFatalKind = serr.Kind
			}

			return res, err
		}

		res.TransfersDone++
		res.BytesMoved += node.Size

		if d.Opts.DryRun {
			simulated = append(simulated, node.Volume)
		}
	}
}

// Plan runs a single planning round without transferring anything, so a
// caller can print a summary before transfers begin. The Driver discards
// this plan immediately after: the real run always re-plans from scratch
// at the start of Run, and no state carries across rounds.
func (d *Driver) Plan(ctx context.Context) (*planner.Plan, error) {
	plan, _, err := d.planRound(ctx, nil)

	return plan, err
}

// planRound lists both stores, annotates every candidate diff the source
// can offer, and invokes the planner. extra carries dry-run simulated
// arrivals that never actually reached Dst.
func (d *Driver) planRound(ctx context.Context, extra []volume.Volume) (*planner.Plan, map[uuid.UUID]bool, error) {
	allSrcVolumes, err := d.Src.ListVolumes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list volumes on %s: %w", d.Src.Name(), err)
	}

	srcVolumes := allSrcVolumes[:0:0]

	for _, v := range allSrcVolumes {
		if d.Opts.excluded(v) {
			continue
		}

		srcVolumes = append(srcVolumes, v)
	}

	dstVolumes, err := d.Dst.ListVolumes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list volumes on %s: %w", d.Dst.Name(), err)
	}

	dstVolumes = append(dstVolumes, extra...)

	// A received volume carries its own fresh UUID plus the ReceivedUUID of
	// the source volume it mirrors; a chain's next diff names its parent by
	// the latter, so both must count as resident.
	resident := make(map[uuid.UUID]bool, len(dstVolumes))
	for _, v := range dstVolumes {
		resident[v.UUID] = true
		if v.IsReceived() {
			resident[v.ReceivedUUID] = true
		}
	}

	allVolumes := make([]volume.Volume, 0, len(srcVolumes)+len(dstVolumes))
	allVolumes = append(allVolumes, srcVolumes...)
	allVolumes = append(allVolumes, dstVolumes...)

	edges := make(map[uuid.UUID][]planner.Candidate)

	for _, v := range srcVolumes {
		diffs, err := d.Src.GetEdges(ctx, v)
		if err != nil {
			return nil, nil, fmt.Errorf("enumerate edges for %s on %s: %w", v.UUID, d.Src.Name(), err)
		}

		for _, diff := range diffs {
			annotated, err := d.Opts.Estimator.Annotate(ctx, d.Src, diff, v)
			if err != nil {
				return nil, nil, err
			}

			edges[v.UUID] = append(edges[v.UUID], planner.Candidate{Diff: annotated, Sink: d.Src.Name()})
		}
	}

	in := planner.Input{
		SourceVolumes: srcVolumes,
		AllVolumes:    allVolumes,
		Resident:      resident,
		Edges:         edges,
		DestSink:      d.Dst.Name(),
		Log:           d.Opts.Log,
	}

	plan, err := planner.BestDiffs(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	return plan, resident, nil
}

// transferWithRetry drives one diff, retrying TRANSFER_TRANSIENT failures
// with exponential back-off up to Options.MaxRetries.
func (d *Driver) transferWithRetry(ctx context.Context, node planner.Node, log *logrus.Entry) (planner.Node, error) {
	delay := d.Opts.backoff()

	for attempt := 1; ; attempt++ {
		err := d.transferOne(ctx, node)
		if err == nil {
			return node, nil
		}

		var serr *store.Error

		transient := errors.As(err, &serr) && serr.Kind == store.KindTransferTransient
		if !transient || attempt > d.Opts.maxRetries() {
			return node, err
		}

		log.WithFields(logrus.Fields{
			"volume":  node.Volume.UUID,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Transient transfer error, retrying")

		select {
		case <-ctx.Done():
			return node, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}
}

// transferOne moves a single diff. In dry-run mode it performs no I/O.
func (d *Driver) transferOne(ctx context.Context, node planner.Node) error {
	if d.Opts.DryRun {
		return nil
	}

	v := node.Volume

	rc, err := d.Dst.Receive(ctx, v.UUID, node.Previous, v.Path())
	if err != nil {
		return fmt.Errorf("open receive for %s on %s: %w", v.UUID, d.Dst.Name(), err)
	}

	if err := pipeDiff(ctx, d.Src, v.UUID, node.Previous, rc, d.Opts.Progress); err != nil {
		if abortErr := rc.Abort(); abortErr != nil {
			return fmt.Errorf("%w (abort also failed: %v)", err, abortErr)
		}

		return err
	}

	if err := rc.Close(); err != nil {
		return fmt.Errorf("finalize receive for %s on %s: %w", v.UUID, d.Dst.Name(), err)
	}

	return nil
}

// pipeDiff runs the sending and receiving halves of one transfer
// concurrently. An io.Pipe connects them and supplies back-pressure; an
// errgroup ties the two goroutines' lifetimes together so a failure on
// either side cancels the other and unblocks its I/O.
func pipeDiff(ctx context.Context, src store.Store, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	pr, pw := io.Pipe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := src.Send(gctx, toUUID, fromUUID, pipeWriteCloser{pw}, progress); err != nil {
			_ = pw.CloseWithError(err)

			return fmt.Errorf("send %s from %s: %w", toUUID, src.Name(), err)
		}

		return pw.Close()
	})

	g.Go(func() error {
		_, err := io.Copy(rc, pr)
		if err != nil {
			_ = pr.CloseWithError(err)

			return fmt.Errorf("receive %s: %w", toUUID, err)
		}

		return nil
	})

	return g.Wait()
}

// pipeWriteCloser adapts an *io.PipeWriter to store.ReceiveContext so Send
// can write into the pipe without knowing it isn't the real destination.
type pipeWriteCloser struct {
	*io.PipeWriter
}

func (pipeWriteCloser) Close() error { return nil }
func (pipeWriteCloser) Abort() error { return nil }
