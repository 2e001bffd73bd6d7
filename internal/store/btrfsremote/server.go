package btrfsremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// chunkSize bounds how much of a send stream one send_chunk response
// carries, so a single diff never forces an unbounded JSON payload.
const chunkSize = 1 << 20

// Serve runs the peer-process side of the remote protocol: it reads one
// framed request at a time from in, dispatches it against local, and
// writes the framed response to out. It returns when in is closed (the
// driving process hung up) or a fatal I/O error occurs. This is the other
// half of what Dial's --server peer runs: the local side here is
// ordinarily a *btrfslocal.Store, but any store.Store works, which is
// what makes a local store remotely servable without a second
// implementation.
func Serve(ctx context.Context, local store.Store, in io.Reader, out io.Writer, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	d := &dispatcher{local: local, log: log, sends: make(map[string]*sendSession), recvs: make(map[string]store.ReceiveContext)}

	reader := frameReader{in}
	writer := frameWriter{out}

	for {
		var req request

		if err := reader.recv(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			var serr *store.Error
			if errors.As(err, &serr) && errors.Is(serr.Err, io.ErrClosedPipe) {
				return nil
			}

			return fmt.Errorf("peer read: %w", err)
		}

		resp := d.dispatch(ctx, req)

		if err := writer.send(resp); err != nil {
			return fmt.Errorf("peer write: %w", err)
		}

		if req.Op == "close" {
			return nil
		}
	}
}

type dispatcher struct {
	local store.Store
	log   *logrus.Entry

	mu    sync.Mutex
	sends map[string]*sendSession
	recvs map[string]store.ReceiveContext
}

type sendSession struct {
	pr   *io.PipeReader
	done chan error
}

func (d *dispatcher) dispatch(ctx context.Context, req request) response {
	resp, err := d.handle(ctx, req)
	if err != nil {
		kind := store.KindTransferFatal

		var serr *store.Error
		if errors.As(err, &serr) {
			kind = serr.Kind
		}

		d.log.WithFields(logrus.Fields{"op": req.Op, "err": err}).Warn("Peer operation failed")

		return response{Error: err.Error(), Kind: string(kind)}
	}

	return resp
}

func (d *dispatcher) handle(ctx context.Context, req request) (response, error) {
	switch req.Op {
	case "list_volumes":
		volumes, err := d.local.ListVolumes(ctx)
		if err != nil {
			return response{}, err
		}

		return response{Volumes: volumes}, nil

	case "get_edges":
		if req.Volume == nil {
			return response{}, fmt.Errorf("get_edges: missing volume")
		}

		diffs, err := d.local.GetEdges(ctx, *req.Volume)
		if err != nil {
			return response{}, err
		}

		return response{Diffs: diffs}, nil

	case "has_volume":
		id, err := parseUUID(req.ToUUID)
		if err != nil {
			return response{}, err
		}

		present, err := d.local.HasVolume(ctx, id)
		if err != nil {
			return response{}, err
		}

		return response{Present: present}, nil

	case "measure_size", "estimate_size":
		diff, err := diffFromRequest(req)
		if err != nil {
			return response{}, err
		}

		var size int64

		if req.Op == "measure_size" {
			size, err = d.local.MeasureSize(ctx, diff)
		} else {
			size, err = d.local.EstimateSize(ctx, diff)
		}

		if err != nil {
			return response{}, err
		}

		return response{Size: size}, nil

	case "send_chunk":
		return d.sendChunk(ctx, req)

	case "receive_chunk":
		return d.receiveChunk(req)

	case "receive_commit":
		return d.receiveFinish(req, true)

	case "receive_abort":
		return d.receiveFinish(req, false)

	case "delete_volume":
		id, err := parseUUID(req.ToUUID)
		if err != nil {
			return response{}, err
		}

		return response{}, d.local.DeleteVolume(ctx, id)

	case "delete_partials":
		return response{}, d.local.DeletePartials(ctx)

	case "rescan_sizes":
		return response{}, d.local.RescanSizes(ctx)

	case "get_paths":
		if req.Volume == nil {
			return response{}, fmt.Errorf("get_paths: missing volume")
		}

		paths, err := d.local.GetPaths(ctx, *req.Volume)
		if err != nil {
			return response{}, err
		}

		return response{Paths: paths}, nil

	case "close":
		return response{}, d.local.Close()

	default:
		return response{}, fmt.Errorf("unknown op %q", req.Op)
	}
}

func diffFromRequest(req request) (volume.Diff, error) {
	to, err := parseUUID(req.ToUUID)
	if err != nil {
		return volume.Diff{}, err
	}

	from := uuid.Nil

	if req.FromUUID != "" {
		from, err = parseUUID(req.FromUUID)
		if err != nil {
			return volume.Diff{}, err
		}
	}

	return volume.Diff{FromUUID: from, ToUUID: to}, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, store.NewError(store.KindMetadataCorrupt, "parse uuid", err)
	}

	return id, nil
}

// sendChunk lazily starts the local Send into a pipe on the first call for
// a given (to, from) pair, then drains up to chunkSize bytes per request.
// The driving side calls this in a tight loop until Done is set, so the
// session only needs to live for the duration of one diff.
func (d *dispatcher) sendChunk(ctx context.Context, req request) (response, error) {
	key := req.ToUUID + "|" + req.FromUUID

	d.mu.Lock()
	sess, ok := d.sends[key]

	if !ok {
		to, err := parseUUID(req.ToUUID)
		if err != nil {
			d.mu.Unlock()
			return response{}, err
		}

		from, err := parseUUID(req.FromUUID)
		if err != nil {
			d.mu.Unlock()
			return response{}, err
		}

		pr, pw := io.Pipe()
		sess = &sendSession{pr: pr, done: make(chan error, 1)}
		d.sends[key] = sess

		go func() {
			err := d.local.Send(ctx, to, from, pipeReceiveContext{pw}, nil)
			if err != nil {
				_ = pw.CloseWithError(err)
			} else {
				_ = pw.Close()
			}

			sess.done <- err
		}()
	}
	d.mu.Unlock()

	buf := make([]byte, chunkSize)

	n, readErr := sess.pr.Read(buf)
	if n > 0 {
		data := append([]byte(nil), buf[:n]...)

		if readErr == nil {
			return response{Data: data}, nil
		}
	}

	d.mu.Lock()
	delete(d.sends, key)
	d.mu.Unlock()

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return response{}, readErr
	}

	if err := <-sess.done; err != nil {
		return response{}, err
	}

	if n > 0 {
		return response{Data: append([]byte(nil), buf[:n]...), Done: true}, nil
	}

	return response{Done: true}, nil
}

// pipeReceiveContext adapts an *io.PipeWriter to store.ReceiveContext so a
// local store's Send can write into the session pipe without knowing the
// real sink lives on the other end of an SSH connection.
type pipeReceiveContext struct{ *io.PipeWriter }

func (pipeReceiveContext) Abort() error { return nil }

func (d *dispatcher) receiveChunk(req request) (response, error) {
	d.mu.Lock()
	rc, ok := d.recvs[req.ToUUID]
	d.mu.Unlock()

	if !ok {
		to, err := parseUUID(req.ToUUID)
		if err != nil {
			return response{}, err
		}

		from, err := parseUUID(req.FromUUID)
		if err != nil {
			return response{}, err
		}

		rc, err = d.local.Receive(context.Background(), to, from, req.Path)
		if err != nil {
			return response{}, err
		}

		d.mu.Lock()
		d.recvs[req.ToUUID] = rc
		d.mu.Unlock()
	}

	if len(req.Data) > 0 {
		if _, err := rc.Write(req.Data); err != nil {
			return response{}, err
		}
	}

	return response{}, nil
}

func (d *dispatcher) receiveFinish(req request, commit bool) (response, error) {
	d.mu.Lock()
	rc, ok := d.recvs[req.ToUUID]
	delete(d.recvs, req.ToUUID)
	d.mu.Unlock()

	if !ok {
		return response{}, fmt.Errorf("%s: no open receive for %s", req.Op, req.ToUUID)
	}

	if commit {
		return response{}, rc.Close()
	}

	return response{}, rc.Abort()
}
