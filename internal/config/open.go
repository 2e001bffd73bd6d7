package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/canonical/buttersync/internal/store"
	"github.com/canonical/buttersync/internal/store/btrfslocal"
	"github.com/canonical/buttersync/internal/store/btrfsremote"
	"github.com/canonical/buttersync/internal/store/objectstore"
)

// OpenStore resolves a parsed URI to a concrete store.Store. The SSH user
// defaults to the OS user the way ssh(1) does when a URI's host carries
// none.
func OpenStore(u *URI, mode store.Mode, opts Options) (store.Store, error) {
	switch u.Method {
	case "btrfs":
		return btrfslocal.Open(u.FilePath(), mode)

	case "ssh":
		user := opts.SSHUser
		host := u.Host

		if idx := strings.Index(host, "@"); idx >= 0 {
			user = host[:idx]
			host = host[idx+1:]
		}

		if user == "" {
			user = os.Getenv("USER")
		}

		cfg, err := buildSSHConfig(user)
		if err != nil {
			return nil, store.NewError(store.KindStoreUnreachable, "open", err)
		}

		return btrfsremote.Dial(sshAddr(host), cfg, "/"+u.Path, mode)

	case "s3":
		bucket := firstPathSegment(u.Path)
		prefix := strings.TrimPrefix(strings.TrimPrefix(u.Path, bucket), "/")

		return objectstore.Open(objectstore.Config{
			Endpoint:        u.Host,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UseSSL:          os.Getenv("BUTTERSYNC_S3_INSECURE") == "",
			Bucket:          bucket,
			Prefix:          prefix,
			PartSizeMiB:     opts.PartSizeMiB,
		}, mode)

	default:
		return nil, fmt.Errorf("open store %s: unknown method %q", u, u.Method)
	}
}

// firstPathSegment splits off an object-store URI's bucket name from the
// key prefix that follows it: s3://host/bucket/prefix addresses bucket
// "bucket" with diffs stored under "prefix".
func firstPathSegment(path string) string {
	if idx := strings.Index(path, "/"); idx >= 0 {
		return path[:idx]
	}

	return path
}
