package objectstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/buttersync/internal/volume"
)

func TestSidecarRoundTripFull(t *testing.T) {
	v := volume.Volume{
		UUID:  uuid.New(),
		OTime: time.Now().Round(time.Second).UTC(),
		Size:  1234,
		Paths: []string{"weekly/2026-07-01"},
	}

	got, err := decodeSidecar(encodeSidecar(v))
	require.NoError(t, err)

	assert.Equal(t, v.UUID, got.UUID)
	assert.True(t, got.ParentUUID == uuid.Nil)
	assert.Equal(t, v.Size, got.Size)
	assert.True(t, v.OTime.Equal(got.OTime))
	assert.Equal(t, v.Paths, got.Paths)
}

func TestSidecarRoundTripIncremental(t *testing.T) {
	v := volume.Volume{
		UUID:       uuid.New(),
		ParentUUID: uuid.New(),
		OTime:      time.Now().Round(time.Second).UTC(),
		Size:       42,
	}

	got, err := decodeSidecar(encodeSidecar(v))
	require.NoError(t, err)

	assert.Equal(t, v.ParentUUID, got.ParentUUID)
	assert.True(t, got.HasParent())
}

func TestDecodeSidecarRejectsMalformedUUID(t *testing.T) {
	_, err := decodeSidecar([]byte("to_uuid=not-a-uuid\n"))
	assert.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	s := &Store{prefix: "snapshots"}
	id := uuid.New()

	assert.Equal(t, "snapshots/"+id.String(), s.key(id))
	assert.Equal(t, "snapshots/"+id.String()+".info", s.infoKey(id))
}
