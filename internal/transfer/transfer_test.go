package transfer_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/buttersync/internal/estimate"
	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/transfer"
	"github.com/canonical/buttersync/internal/volume"
)

// memStore is an in-memory store.Store used to exercise the transfer
// driver without a real btrfs filesystem.
type memStore struct {
	mu      sync.Mutex
	name    string
	mode    store.Mode
	volumes map[uuid.UUID]volume.Volume
	// failSends, if set, causes Send for the given toUUID to fail once
	// with the given error before succeeding.
	failSends map[uuid.UUID]error
	// freshUUIDs makes Receive materialize volumes under a new UUID with
	// ReceivedUUID set to the sender's, the way a real btrfs receive does.
	freshUUIDs bool
	// noFullSend makes GetEdges omit the full-send edge, modelling a store
	// that can only offer incremental diffs.
	noFullSend bool
}

func newMemStore(name string, mode store.Mode, vols ...volume.Volume) *memStore {
	m := &memStore{name: name, mode: mode, volumes: make(map[uuid.UUID]volume.Volume), failSends: make(map[uuid.UUID]error)}
	for _, v := range vols {
		m.volumes[v.UUID] = v
	}

	return m
}

func (m *memStore) Name() string    { return m.name }
func (m *memStore) Mode() store.Mode { return m.mode }

func (m *memStore) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]volume.Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}

	return out, nil
}

func (m *memStore) GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var diffs []volume.Diff

	if !m.noFullSend {
		diffs = append(diffs, volume.Diff{FromUUID: uuid.Nil, ToUUID: v.UUID, Size: v.Size})
	}

	if v.HasParent() {
		if _, ok := m.volumes[v.ParentUUID]; ok {
			diffs = append(diffs, volume.Diff{FromUUID: v.ParentUUID, ToUUID: v.UUID, Size: v.Size / 10})
		}
	}

	return diffs, nil
}

func (m *memStore) HasVolume(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.volumes[id]

	return ok, nil
}

func (m *memStore) MeasureSize(ctx context.Context, d volume.Diff) (int64, error) {
	return d.Size, nil
}

func (m *memStore) EstimateSize(ctx context.Context, d volume.Diff) (int64, error) {
	return d.Size, nil
}

type memReceiveContext struct {
	buf    bytes.Buffer
	toUUID uuid.UUID
	parent uuid.UUID
	path   string
	store  *memStore
}

func (rc *memReceiveContext) Write(p []byte) (int, error) { return rc.buf.Write(p) }

func (rc *memReceiveContext) Close() error {
	rc.store.mu.Lock()
	defer rc.store.mu.Unlock()

	if rc.store.freshUUIDs {
		id := uuid.New()
		rc.store.volumes[id] = volume.Volume{UUID: id, ReceivedUUID: rc.toUUID, Paths: []string{rc.path}}

		return nil
	}

	rc.store.volumes[rc.toUUID] = volume.Volume{UUID: rc.toUUID, ParentUUID: rc.parent, Paths: []string{rc.path}}

	return nil
}

func (rc *memReceiveContext) Abort() error { return nil }

func (m *memStore) Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (store.ReceiveContext, error) {
	return &memReceiveContext{toUUID: toUUID, parent: fromUUID, path: path, store: m}, nil
}

func (m *memStore) Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	m.mu.Lock()
	if err, ok := m.failSends[toUUID]; ok {
		delete(m.failSends, toUUID)
		m.mu.Unlock()

		return err
	}
	m.mu.Unlock()

	_, err := rc.Write([]byte("diffbytes"))

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

func TestDriverRunLinearChain(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	volA := volume.Volume{UUID: a, Size: 100}
	volB := volume.Volume{UUID: b, ParentUUID: a, Size: 100}
	volC := volume.Volume{UUID: c, ParentUUID: b, Size: 100}

	src := newMemStore("src", store.ModeRead, volA, volB, volC)
	dst := newMemStore("dst", store.ModeAppend, volA)

	driver := transfer.NewDriver(src, dst, transfer.Options{Estimator: estimate.Estimator{Policy: estimate.Measured}})

	result, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.TransfersDone)
	assert.Empty(t, result.Unreachable)

	_, hasB := dst.volumes[b]
	_, hasC := dst.volumes[c]
	assert.True(t, hasB)
	assert.True(t, hasC)
}

// A chain must keep advancing when the destination assigns received
// volumes fresh UUIDs, with the sender's UUID only in ReceivedUUID.
func TestDriverRunChainAcrossReceivedUUIDs(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	volA := volume.Volume{UUID: a, Size: 100}
	volB := volume.Volume{UUID: b, ParentUUID: a, Size: 100}
	volC := volume.Volume{UUID: c, ParentUUID: b, Size: 100}

	src := newMemStore("src", store.ModeRead, volA, volB, volC)
	dst := newMemStore("dst", store.ModeAppend)
	dst.freshUUIDs = true

	mirrorA := volume.Volume{UUID: uuid.New(), ReceivedUUID: a}
	dst.volumes[mirrorA.UUID] = mirrorA

	driver := transfer.NewDriver(src, dst, transfer.Options{Estimator: estimate.Estimator{Policy: estimate.Measured}})

	result, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.TransfersDone)
	assert.Empty(t, result.Unreachable)
}

// X's parent Y is unknown to both stores and the source offers no
// full-send edge, so no path to X exists.
func TestDriverRunReportsUnreachable(t *testing.T) {
	x := uuid.New()
	y := uuid.New()
	volX := volume.Volume{UUID: x, ParentUUID: y, Size: 50}

	src := newMemStore("src", store.ModeRead, volX)
	src.noFullSend = true
	dst := newMemStore("dst", store.ModeAppend)

	driver := transfer.NewDriver(src, dst, transfer.Options{Estimator: estimate.Estimator{Policy: estimate.Measured}})

	result, err := driver.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Unreachable, 1)
	assert.Equal(t, x, result.Unreachable[0].UUID)
}

func TestDriverRetriesTransientErrors(t *testing.T) {
	a := uuid.New()
	volA := volume.Volume{UUID: a, Size: 10}

	src := newMemStore("src", store.ModeRead, volA)
	dst := newMemStore("dst", store.ModeAppend)
	src.failSends[a] = store.NewError(store.KindTransferTransient, "send", assert.AnError)

	driver := transfer.NewDriver(src, dst, transfer.Options{
		Estimator: estimate.Estimator{Policy: estimate.Measured},
		Backoff:   1,
	})

	result, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransfersDone)
}

func TestDriverAbortsOnFatalError(t *testing.T) {
	a := uuid.New()
	volA := volume.Volume{UUID: a, Size: 10}

	src := newMemStore("src", store.ModeRead, volA)
	dst := newMemStore("dst", store.ModeAppend)
	src.failSends[a] = store.NewError(store.KindTransferFatal, "send", assert.AnError)

	driver := transfer.NewDriver(src, dst, transfer.Options{Estimator: estimate.Estimator{Policy: estimate.Measured}})

	result, err := driver.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, store.KindTransferFatal, result.FirstFatalKind)
}

func TestDriverDryRunTouchesNothing(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	volA := volume.Volume{UUID: a, Size: 10}
	volB := volume.Volume{UUID: b, ParentUUID: a, Size: 5}

	src := newMemStore("src", store.ModeRead, volA, volB)
	dst := newMemStore("dst", store.ModeAppend, volA)

	driver := transfer.NewDriver(src, dst, transfer.Options{
		DryRun:    true,
		Estimator: estimate.Estimator{Policy: estimate.Measured},
	})

	result, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransfersDone)

	_, hasB := dst.volumes[b]
	assert.False(t, hasB)
}
