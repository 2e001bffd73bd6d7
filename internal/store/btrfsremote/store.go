package btrfsremote

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// Store drives a btrfs store on a remote host through a peer process
// started once per connection and kept alive for the run's duration.
type Store struct {
	name       string
	remotePath string
	client     *ssh.Client
	session    *ssh.Session
	out        frameWriter
	in         frameReader
	mode       store.Mode
	mu         sync.Mutex

	// sftpClient is an optional second channel over the same connection,
	// used only as a fast path for HasVolume: a stat over SFTP avoids a
	// full request/response round trip through the peer process for the
	// common case of probing a single, already-resolved path. It is nil
	// when the remote's SSH server has no SFTP subsystem; HasVolume falls
	// back to the RPC call in that case.
	sftpClient *sftp.Client
}

// Dial connects to addr, starts the peer process in --server mode against
// remotePath, and returns a ready Store. shellquote builds the remote
// command line so a path containing spaces or shell metacharacters
// survives the round trip to the remote shell intact.
func Dial(addr string, config *ssh.ClientConfig, remotePath string, mode store.Mode) (*Store, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "dial", err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()

		return nil, store.NewError(store.KindStoreUnreachable, "open session", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()

		return nil, store.NewError(store.KindStoreUnreachable, "open session stdin", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()

		return nil, store.NewError(store.KindStoreUnreachable, "open session stdout", err)
	}

	remoteCmd := shellquote.Join("buttersync", "--server", "--mode", mode.String(), remotePath)

	if err := session.Start(remoteCmd); err != nil {
		_ = session.Close()
		_ = client.Close()

		return nil, store.NewError(store.KindStoreUnreachable, "start peer", err)
	}

	// The SFTP subsystem is an optional convenience, not a requirement: a
	// remote sshd without it still works, just without the HasVolume fast
	// path.
	sftpClient, _ := sftp.NewClient(client)

	return &Store{
		name:       fmt.Sprintf("ssh://%s/%s", addr, remotePath),
		remotePath: remotePath,
		client:     client,
		session:    session,
		out:        frameWriter{stdin},
		in:         frameReader{stdout},
		mode:       mode,
		sftpClient: sftpClient,
	}, nil
}

func (s *Store) Name() string     { return s.name }
func (s *Store) Mode() store.Mode { return s.mode }

func (s *Store) call(req request) (response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.out.send(req); err != nil {
		return response{}, err
	}

	var resp response
	if err := s.in.recv(&resp); err != nil {
		return response{}, err
	}

	if resp.Error != "" {
		kind := store.Kind(resp.Kind)
		if kind == "" {
			kind = store.KindTransferFatal
		}

		return resp, store.NewError(kind, req.Op, fmt.Errorf("%s", resp.Error))
	}

	return resp, nil
}

func (s *Store) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	resp, err := s.call(request{Op: "list_volumes"})
	if err != nil {
		return nil, err
	}

	return resp.Volumes, nil
}

func (s *Store) GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error) {
	resp, err := s.call(request{Op: "get_edges", Volume: &v})
	if err != nil {
		return nil, err
	}

	return resp.Diffs, nil
}

// HasVolume stats the subvolume path directly over SFTP when that channel
// is available, falling back to the full RPC round trip otherwise or when
// the stat is inconclusive (e.g. the remote root isn't laid out as one
// directory per UUID, as with a reparented or --server-proxied store).
func (s *Store) HasVolume(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.sftpClient != nil {
		info, err := s.sftpClient.Lstat(path.Join(s.remotePath, id.String()))
		if err == nil && info.IsDir() {
			return true, nil
		}
	}

	resp, err := s.call(request{Op: "has_volume", ToUUID: id.String()})
	if err != nil {
		return false, err
	}

	return resp.Present, nil
}

func (s *Store) MeasureSize(ctx context.Context, d volume.Diff) (int64, error) {
	resp, err := s.call(request{Op: "measure_size", ToUUID: d.ToUUID.String(), FromUUID: d.FromUUID.String()})
	if err != nil {
		return 0, err
	}

	return resp.Size, nil
}

func (s *Store) EstimateSize(ctx context.Context, d volume.Diff) (int64, error) {
	resp, err := s.call(request{Op: "estimate_size", ToUUID: d.ToUUID.String(), FromUUID: d.FromUUID.String()})
	if err != nil {
		return 0, err
	}

	return resp.Size, nil
}

// receiveContext streams Write calls to the peer as receive_chunk
// requests, each a full round trip: the length-prefixed framing gives
// this its back-pressure, since the sender blocks until the peer
// acknowledges the previous chunk.
type receiveContext struct {
	store    *Store
	toUUID   string
	fromUUID string
	path     string
}

func (rc *receiveContext) Write(p []byte) (int, error) {
	_, err := rc.store.call(request{
		Op:       "receive_chunk",
		ToUUID:   rc.toUUID,
		FromUUID: rc.fromUUID,
		Path:     rc.path,
		Data:     p,
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (rc *receiveContext) Close() error {
	_, err := rc.store.call(request{Op: "receive_commit", ToUUID: rc.toUUID, FromUUID: rc.fromUUID, Path: rc.path, Final: true})

	return err
}

func (rc *receiveContext) Abort() error {
	_, err := rc.store.call(request{Op: "receive_abort", ToUUID: rc.toUUID})

	return err
}

func (s *Store) Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (store.ReceiveContext, error) {
	if !s.mode.CanReceive() {
		return nil, store.NewError(store.KindStoreReadonly, "receive", fmt.Errorf("store %s is opened %s", s.name, s.mode))
	}

	return &receiveContext{store: s, toUUID: toUUID.String(), fromUUID: fromUUID.String(), path: path}, nil
}

// Send pulls the diff from the peer in chunks and writes each into rc,
// reporting cumulative progress as it goes.
func (s *Store) Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	var done int64

	for {
		resp, err := s.call(request{Op: "send_chunk", ToUUID: toUUID.String(), FromUUID: fromUUID.String()})
		if err != nil {
			return err
		}

		if len(resp.Data) > 0 {
			if _, err := rc.Write(resp.Data); err != nil {
				return store.NewError(store.KindTransferTransient, "write received chunk", err)
			}

			done += int64(len(resp.Data))

			if progress != nil {
				progress(done)
			}
		}

		if resp.Done {
			return nil
		}
	}
}

func (s *Store) DeleteVolume(ctx context.Context, id uuid.UUID) error {
	if !s.mode.CanDelete() {
		return store.NewError(store.KindStoreReadonly, "delete volume", fmt.Errorf("store %s is opened %s", s.name, s.mode))
	}

	_, err := s.call(request{Op: "delete_volume", ToUUID: id.String()})

	return err
}

func (s *Store) DeletePartials(ctx context.Context) error {
	_, err := s.call(request{Op: "delete_partials"})

	return err
}

func (s *Store) RescanSizes(ctx context.Context) error {
	_, err := s.call(request{Op: "rescan_sizes"})

	return err
}

func (s *Store) GetPaths(ctx context.Context, v volume.Volume) ([]string, error) {
	resp, err := s.call(request{Op: "get_paths", Volume: &v})
	if err != nil {
		return nil, err
	}

	return resp.Paths, nil
}

// Close ends the peer process and the underlying SSH connection.
func (s *Store) Close() error {
	_, callErr := s.call(request{Op: "close"})

	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
	}

	sessionErr := s.session.Close()
	if sessionErr == io.EOF {
		sessionErr = nil
	}

	clientErr := s.client.Close()

	switch {
	case callErr != nil:
		return callErr
	case sessionErr != nil:
		return sessionErr
	default:
		return clientErr
	}
}
