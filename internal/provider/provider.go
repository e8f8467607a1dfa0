// Package provider defines the capability contract all image hosting
// backends implement, the closed enumeration of supported backends, and the
// registry resolving a Kind to a constructed instance.
package provider

import (
	"context"
	"io"
	"strings"
	"time"
)

// Capability is a bitmask of the operations a provider instance supports.
// The set can depend on credentials: an imgur instance without an account
// token can push anonymously but cannot list. The orchestrator checks
// capabilities before building tasks, never after a failed call.
type Capability uint8

const (
	CapList Capability = 1 << iota
	CapFetch
	CapPush
	CapDelete
)

// CapAll is the full capability set of a blob-store backend.
const CapAll = CapList | CapFetch | CapPush | CapDelete

// Has reports whether c includes all capabilities in want.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c.Has(CapList) {
		parts = append(parts, "list")
	}
	if c.Has(CapFetch) {
		parts = append(parts, "fetch")
	}
	if c.Has(CapPush) {
		parts = append(parts, "push")
	}
	if c.Has(CapDelete) {
		parts = append(parts, "delete")
	}
	return strings.Join(parts, ",")
}

// RemoteObject is an immutable snapshot of one remote image at listing time.
type RemoteObject struct {
	// Key is the provider-scoped identity (object key, image id, repo path).
	Key string
	// Name is the preferred local file name; derived from Key when empty.
	// Variants whose keys carry no extension (imgur image ids) set it.
	Name string
	// URL is a direct download location when the backend exposes one.
	URL string
	// Size in bytes; zero when the backend does not report it.
	Size int64
	// ModTime is the remote modification time; zero when unknown.
	ModTime time.Time
	// Hash is a remote content hash when available (etag, sha). Opaque;
	// not comparable across providers.
	Hash string
}

// Filename derives the local file name for the object.
func (o RemoteObject) Filename() string {
	if o.Name != "" {
		return o.Name
	}
	key := strings.TrimRight(o.Key, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	if key == "" {
		return o.Key
	}
	return key
}

// ListOptions selects a page of a listing. Cursor is the opaque value
// returned by the previous page; empty starts from the beginning.
type ListOptions struct {
	Prefix   string
	Cursor   string
	PageSize int // 0 means provider default
}

// ListPage is one page of remote objects. NextCursor is empty at the end.
// Repeated calls with the same cursor return the same page (modulo the
// backend's eventual consistency window).
type ListPage struct {
	Objects    []RemoteObject
	NextCursor string
}

// Description reports a provider's identity and connectivity without
// transferring data.
type Description struct {
	Name         string
	Enabled      bool
	Capabilities Capability
	Reachable    bool
	// Detail is human-oriented: bucket/account info, or the probe error.
	Detail string
}

// Provider is the capability contract for one hosting backend. Variants
// implement the subset declared by Capabilities; invoking anything else
// returns a CapabilityUnsupported error.
type Provider interface {
	// Name returns the backend identifier (e.g. "oss", "smms").
	Name() string

	// Capabilities returns the operations this instance supports.
	Capabilities() Capability

	// List returns one page of remote image objects.
	List(ctx context.Context, opts ListOptions) (ListPage, error)

	// Fetch opens the object's content for reading. The caller closes it.
	Fetch(ctx context.Context, obj RemoteObject) (io.ReadCloser, error)

	// Push uploads a local file under key and returns the resulting object.
	Push(ctx context.Context, localPath, key string) (RemoteObject, error)

	// Delete removes the remote object.
	Delete(ctx context.Context, key string) error

	// Describe probes connectivity and reports the instance's surface.
	Describe(ctx context.Context) Description
}
