// Package config turns the CLI's flags and positional URIs into opened
// stores and a populated run configuration. It is the only package that
// knows how to resolve a buttersync URI to a concrete backend; the
// planner, estimator, and transfer driver never see a URI, only a
// store.Store.
package config

import (
	"fmt"
	"strings"
)

// URI is a parsed `[method://]host/path[/snapshot]` reference.
type URI struct {
	// Method is one of "btrfs", "s3", "ssh". Defaults to "btrfs" when the
	// scheme is omitted.
	Method string
	// Host is empty for a local btrfs path, or the remote/bucket host
	// otherwise.
	Host string
	// Path is the store-relative path. A trailing slash in the raw URI
	// is significant (see HasTrailingSlash) and is stripped here.
	Path string
	// HasTrailingSlash records whether the raw URI ended in "/": without
	// it, the URI denotes a single snapshot rather than a directory of
	// snapshots.
	HasTrailingSlash bool
}

// ParseURI parses raw. An empty path is legal (it denotes the host's
// root).
func ParseURI(raw string) (*URI, error) {
	if raw == "" {
		return nil, fmt.Errorf("parse uri: empty")
	}

	method := "btrfs"
	rest := raw
	schemeGiven := false

	if idx := strings.Index(raw, "://"); idx >= 0 {
		method = raw[:idx]
		rest = raw[idx+3:]
		schemeGiven = true
	}

	switch method {
	case "btrfs", "s3", "ssh":
	default:
		return nil, fmt.Errorf("parse uri %q: unknown method %q", raw, method)
	}

	trailingSlash := strings.HasSuffix(rest, "/")

	var host, path string

	switch {
	case method == "btrfs":
		// A local filesystem path has no host component: "btrfs:///a/b"
		// and the bare path "/a/b" are equivalent, and a scheme-less
		// relative path like "snaps/a" must not be split on its first
		// "/" the way a host-bearing URI is.
		path = strings.TrimPrefix(rest, "/")
	case !schemeGiven:
		path = rest
	default:
		host = rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			host = rest[:idx]
			path = rest[idx+1:]
		}
	}

	path = strings.TrimSuffix(path, "/")

	return &URI{Method: method, Host: host, Path: path, HasTrailingSlash: trailingSlash}, nil
}

// NormalizeDest reinterprets a destination without a trailing slash as a
// directory of snapshots. A caller that really wants a single-volume
// destination passes explicitSingle (the --single-dest flag) to skip the
// normalization.
func (u *URI) NormalizeDest(explicitSingle bool) {
	if explicitSingle {
		return
	}

	u.HasTrailingSlash = true
}

// String renders the URI back to its canonical textual form.
func (u *URI) String() string {
	sep := ""
	if u.HasTrailingSlash {
		sep = "/"
	}

	if u.Path == "" {
		return fmt.Sprintf("%s://%s%s", u.Method, u.Host, sep)
	}

	return fmt.Sprintf("%s://%s/%s%s", u.Method, u.Host, u.Path, sep)
}

// IsLocal reports whether this URI addresses the local filesystem directly
// (a bare btrfs path with no host).
func (u *URI) IsLocal() bool {
	return u.Method == "btrfs"
}

// FilePath renders the URI's path as an absolute local filesystem path,
// valid only when IsLocal is true.
func (u *URI) FilePath() string {
	return "/" + u.Path
}
