package btrfsremote

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

// memStore is a minimal in-memory store.Store, just enough to drive Serve
// end to end over an in-process pipe.
type memStore struct {
	mu      sync.Mutex
	mode    store.Mode
	volumes map[uuid.UUID]volume.Volume
	bytes   map[uuid.UUID][]byte
}

func newMemStore(vols ...volume.Volume) *memStore {
	m := &memStore{mode: store.ModeWrite, volumes: make(map[uuid.UUID]volume.Volume), bytes: make(map[uuid.UUID][]byte)}
	for _, v := range vols {
		m.volumes[v.UUID] = v
	}

	return m
}

func (m *memStore) Name() string     { return "mem" }
func (m *memStore) Mode() store.Mode { return m.mode }

func (m *memStore) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []volume.Volume
	for _, v := range m.volumes {
		out = append(out, v)
	}

	return out, nil
}

func (m *memStore) GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error) {
	return []volume.Diff{{FromUUID: uuid.Nil, ToUUID: v.UUID, Size: v.Size}}, nil
}

func (m *memStore) HasVolume(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.volumes[id]

	return ok, nil
}

func (m *memStore) MeasureSize(ctx context.Context, d volume.Diff) (int64, error) { return d.Size, nil }
func (m *memStore) EstimateSize(ctx context.Context, d volume.Diff) (int64, error) {
	return d.Size, nil
}

type memReceiveContext struct {
	store  *memStore
	toUUID uuid.UUID
	buf    bytes.Buffer
}

func (rc *memReceiveContext) Write(p []byte) (int, error) { return rc.buf.Write(p) }

func (rc *memReceiveContext) Close() error {
	rc.store.mu.Lock()
	defer rc.store.mu.Unlock()

	rc.store.bytes[rc.toUUID] = append([]byte(nil), rc.buf.Bytes()...)
	rc.store.volumes[rc.toUUID] = volume.Volume{UUID: rc.toUUID}

	return nil
}

func (rc *memReceiveContext) Abort() error { return nil }

func (m *memStore) Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (store.ReceiveContext, error) {
	return &memReceiveContext{store: m, toUUID: toUUID}, nil
}

func (m *memStore) Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	m.mu.Lock()
	data := m.bytes[toUUID]
	m.mu.Unlock()

	_, err := rc.Write(data)

	return err
}

func (m *memStore) DeleteVolume(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.volumes, id)

	return nil
}

func (m *memStore) DeletePartials(ctx context.Context) error { return nil }
func (m *memStore) RescanSizes(ctx context.Context) error     { return nil }

func (m *memStore) GetPaths(ctx context.Context, v volume.Volume) ([]string, error) {
	return v.Paths, nil
}

func (m *memStore) Close() error { return nil }

func TestServeListVolumesAndHasVolume(t *testing.T) {
	a := uuid.New()
	local := newMemStore(volume.Volume{UUID: a, Size: 42})

	clientSide, peerSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close(); _ = peerSide.Close() })

	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), local, peerSide, peerSide, logrus.NewEntry(logrus.New())) }()

	client := &Store{name: "test", out: frameWriter{clientSide}, in: frameReader{clientSide}, mode: store.ModeAppend}

	volumes, err := client.ListVolumes(context.Background())
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, a, volumes[0].UUID)

	present, err := client.HasVolume(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, present)

	missing, err := client.HasVolume(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, missing)

	_, err = client.call(request{Op: "close"})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestServeSendReceiveRoundTrip(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	local := newMemStore(volume.Volume{UUID: a, Size: 9})
	local.bytes[a] = []byte("snapshot-bytes")

	clientSide, peerSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close(); _ = peerSide.Close() })

	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), local, peerSide, peerSide, nil) }()

	client := &Store{name: "test", out: frameWriter{clientSide}, in: frameReader{clientSide}, mode: store.ModeAppend}

	var received bytes.Buffer
	rc := &captureReceiveContext{buf: &received}

	err := client.Send(context.Background(), a, uuid.Nil, rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", received.String())

	// Drive a receive into the peer's local store too, exercising
	// receive_chunk/receive_commit.
	peerRC, err := client.Receive(context.Background(), b, uuid.Nil, "b")
	require.NoError(t, err)
	_, err = peerRC.Write([]byte("more-bytes"))
	require.NoError(t, err)
	require.NoError(t, peerRC.Close())

	local.mu.Lock()
	gotB := local.bytes[b]
	_, hasB := local.volumes[b]
	local.mu.Unlock()
	assert.Equal(t, "more-bytes", string(gotB))
	assert.True(t, hasB)

	_, err = client.call(request{Op: "close"})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

type captureReceiveContext struct{ buf *bytes.Buffer }

func (c *captureReceiveContext) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c *captureReceiveContext) Close() error                { return nil }
func (c *captureReceiveContext) Abort() error                { return nil }
