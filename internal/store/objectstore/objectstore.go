// Package objectstore implements store.Store over an S3-compatible
// bucket: one object per materialized diff under <prefix>/<to_uuid>, plus
// a sidecar <prefix>/<to_uuid>.info holding the metadata the diff's own
// bytes don't carry (parent, size, otime, paths).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/volume"
)

const defaultPartSize = 20 * 1024 * 1024

// Store is an S3-compatible object-storage backend.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	mode     store.Mode
	partSize int64
}

// Config carries the connection and layout parameters for Open.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Prefix          string
	// PartSizeMiB is the multipart upload chunk size. Defaults to 20.
	PartSizeMiB int64
}

// Open connects to the bucket and returns a ready Store.
func Open(cfg Config, mode store.Mode) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, store.NewError(store.KindStoreUnreachable, "open", err)
	}

	partSize := cfg.PartSizeMiB
	if partSize <= 0 {
		partSize = defaultPartSize / (1024 * 1024)
	}

	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		mode:     mode,
		partSize: partSize * 1024 * 1024,
	}, nil
}

func (s *Store) Name() string     { return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix) }
func (s *Store) Mode() store.Mode { return s.mode }

func (s *Store) key(id uuid.UUID) string {
	if s.prefix == "" {
		return id.String()
	}

	return fmt.Sprintf("%s/%s", s.prefix, id)
}

// listPrefix is the key prefix handed to bucket-wide listings.
func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}

	return s.prefix + "/"
}

func (s *Store) infoKey(id uuid.UUID) string {
	return s.key(id) + ".info"
}

// ListVolumes reads every sidecar object under the prefix.
func (s *Store) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	var volumes []volume.Volume

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.listPrefix(), Recursive: true}) {
		if obj.Err != nil {
			return nil, store.NewError(store.KindStoreUnreachable, "list volumes", obj.Err)
		}

		if !strings.HasSuffix(obj.Key, ".info") {
			continue
		}

		v, err := s.readSidecar(ctx, obj.Key)
		if err != nil {
			continue
		}

		volumes = append(volumes, v)
	}

	return volumes, nil
}

func (s *Store) readSidecar(ctx context.Context, key string) (volume.Volume, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return volume.Volume{}, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return volume.Volume{}, err
	}

	return decodeSidecar(data)
}

// GetEdges offers a full send, plus the single incremental edge this
// object actually holds (recorded by its own sidecar's from_uuid at
// receive time), if that parent is itself present in the bucket.
func (s *Store) GetEdges(ctx context.Context, v volume.Volume) ([]volume.Diff, error) {
	diffs := []volume.Diff{{FromUUID: uuid.Nil, ToUUID: v.UUID, Size: v.Size}}

	if !v.HasParent() {
		return diffs, nil
	}

	if ok, err := s.HasVolume(ctx, v.ParentUUID); err == nil && ok {
		diffs = append(diffs, volume.Diff{FromUUID: v.ParentUUID, ToUUID: v.UUID, Size: v.Size})
	}

	return diffs, nil
}

func (s *Store) HasVolume(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.infoKey(id), minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// MeasureSize and EstimateSize both report the stored object's exact
// content length: an object-store diff, once uploaded, has a fixed size.
func (s *Store) MeasureSize(ctx context.Context, d volume.Diff) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(d.ToUUID), minio.StatObjectOptions{})
	if err != nil {
		return 0, store.NewError(store.KindVolumeNotFound, "measure size", err)
	}

	return info.Size, nil
}

func (s *Store) EstimateSize(ctx context.Context, d volume.Diff) (int64, error) {
	return s.MeasureSize(ctx, d)
}

type receiveContext struct {
	store    *Store
	toUUID   uuid.UUID
	fromUUID uuid.UUID
	path     string
	pw       *io.PipeWriter
	done     chan error
}

func (rc *receiveContext) Write(p []byte) (int, error) { return rc.pw.Write(p) }

func (rc *receiveContext) Close() error {
	if err := rc.pw.Close(); err != nil {
		return err
	}

	if err := <-rc.done; err != nil {
		return store.NewError(store.KindTransferFatal, "put object", err)
	}

	info, err := rc.store.client.StatObject(context.Background(), rc.store.bucket, rc.store.key(rc.toUUID), minio.StatObjectOptions{})
	if err != nil {
		return store.NewError(store.KindTransferFatal, "stat uploaded object", err)
	}

	sidecar := encodeSidecar(volume.Volume{
		UUID:       rc.toUUID,
		ParentUUID: rc.fromUUID,
		Paths:      []string{rc.path},
		OTime:      time.Now(),
		Size:       info.Size,
	})

	_, err = rc.store.client.PutObject(context.Background(), rc.store.bucket, rc.store.infoKey(rc.toUUID),
		bytes.NewReader(sidecar), int64(len(sidecar)), minio.PutObjectOptions{})
	if err != nil {
		return store.NewError(store.KindTransferFatal, "put sidecar", err)
	}

	return nil
}

func (rc *receiveContext) Abort() error {
	_ = rc.pw.CloseWithError(fmt.Errorf("receive aborted"))
	<-rc.done

	return rc.store.client.RemoveObject(context.Background(), rc.store.bucket, rc.store.key(rc.toUUID), minio.RemoveObjectOptions{})
}

// Receive streams the incoming diff straight into a multipart upload: the
// PipeWriter the caller writes into is the PutObject reader's other end,
// so back-pressure comes from the HTTP upload itself.
func (s *Store) Receive(ctx context.Context, toUUID, fromUUID uuid.UUID, path string) (store.ReceiveContext, error) {
	if !s.mode.CanReceive() {
		return nil, store.NewError(store.KindStoreReadonly, "receive", fmt.Errorf("store %s is opened %s", s.Name(), s.mode))
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, s.key(toUUID), pr, -1, minio.PutObjectOptions{PartSize: uint64(s.partSize)})
		done <- err
	}()

	return &receiveContext{store: s, toUUID: toUUID, fromUUID: fromUUID, path: path, pw: pw, done: done}, nil
}

// Send reads the stored diff object back out into rc.
func (s *Store) Send(ctx context.Context, toUUID, fromUUID uuid.UUID, rc store.ReceiveContext, progress store.ProgressFunc) error {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(toUUID), minio.GetObjectOptions{})
	if err != nil {
		return store.NewError(store.KindTransferFatal, "get object", err)
	}
	defer obj.Close()

	var writer io.Writer = rc
	if progress != nil {
		writer = &progressWriter{w: rc, report: progress}
	}

	if _, err := io.Copy(writer, obj); err != nil {
		return store.NewError(store.KindTransferTransient, "stream object", err)
	}

	return nil
}

func (s *Store) DeleteVolume(ctx context.Context, id uuid.UUID) error {
	if !s.mode.CanDelete() {
		return store.NewError(store.KindStoreReadonly, "delete volume", fmt.Errorf("store %s is opened %s", s.Name(), s.mode))
	}

	if err := s.client.RemoveObject(ctx, s.bucket, s.key(id), minio.RemoveObjectOptions{}); err != nil {
		return store.NewError(store.KindTransferFatal, "delete volume", err)
	}

	return s.client.RemoveObject(ctx, s.bucket, s.infoKey(id), minio.RemoveObjectOptions{})
}

// DeletePartials aborts any multipart upload left incomplete by an
// interrupted receive.
func (s *Store) DeletePartials(ctx context.Context) error {
	for upload := range s.client.ListIncompleteUploads(ctx, s.bucket, s.listPrefix(), true) {
		if upload.Err != nil {
			continue
		}

		_ = s.client.RemoveIncompleteUpload(ctx, s.bucket, upload.Key)
	}

	return nil
}

// RescanSizes is a no-op: object sizes are exact content lengths, not
// quota-derived estimates.
func (s *Store) RescanSizes(ctx context.Context) error { return nil }

func (s *Store) GetPaths(ctx context.Context, v volume.Volume) ([]string, error) {
	return v.Paths, nil
}

func (s *Store) Close() error { return nil }

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

// encodeSidecar renders a volume in a stable key=value form.
func encodeSidecar(v volume.Volume) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "to_uuid=%s\n", v.UUID)

	if v.HasParent() {
		fmt.Fprintf(&b, "from_uuid=%s\n", v.ParentUUID)
	} else {
		b.WriteString("from_uuid=\n")
	}

	fmt.Fprintf(&b, "size=%d\n", v.Size)
	fmt.Fprintf(&b, "otime=%s\n", v.OTime.Format(time.RFC3339Nano))

	for _, p := range v.Paths {
		fmt.Fprintf(&b, "path=%s\n", p)
	}

	return []byte(b.String())
}

func decodeSidecar(data []byte) (volume.Volume, error) {
	var v volume.Volume

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "to_uuid":
			id, err := uuid.Parse(value)
			if err != nil {
				return volume.Volume{}, fmt.Errorf("parse to_uuid: %w", err)
			}

			v.UUID = id
		case "from_uuid":
			if value != "" {
				id, err := uuid.Parse(value)
				if err != nil {
					return volume.Volume{}, fmt.Errorf("parse from_uuid: %w", err)
				}

				v.ParentUUID = id
			}
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return volume.Volume{}, fmt.Errorf("parse size: %w", err)
			}

			v.Size = size
		case "otime":
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return volume.Volume{}, fmt.Errorf("parse otime: %w", err)
			}

			v.OTime = t
		case "path":
			v.Paths = append(v.Paths, value)
		}
	}

	return v, nil
}
