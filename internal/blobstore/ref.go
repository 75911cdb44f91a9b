package blobstore

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Ref identifies an object in the storage service.
type Ref struct {
	Container string
	Path      string
}

// ParseRef accepts "container/dir/name", "/container/dir/name" or a full blob URL
// such as "https://account.blob.core.windows.net/container/dir/name".
func ParseRef(s string) (Ref, error) {
	raw := strings.TrimSpace(s)

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid blob url %q: %w", s, err)
		}

		raw = u.Path
	}

	container, p, ok := strings.Cut(strings.TrimPrefix(raw, "/"), "/")
	if !ok || container == "" || strings.Trim(p, "/") == "" {
		return Ref{}, fmt.Errorf("invalid blob path %q: expected <container>/<path>", s)
	}

	return Ref{Container: container, Path: strings.TrimPrefix(p, "/")}, nil
}

// ParseRefIn parses s with ParseRef and scopes it to container. A bare blob name
// with no "/" resolves into container; a ref naming another container is rejected.
// An empty container disables both rules.
func ParseRefIn(s, container string) (Ref, error) {
	if container == "" {
		return ParseRef(s)
	}

	name := strings.TrimPrefix(strings.TrimSpace(s), "/")
	if name != "" && !strings.Contains(name, "/") && !strings.Contains(name, "://") {
		return Ref{Container: container, Path: name}, nil
	}

	ref, err := ParseRef(s)
	if err != nil {
		return Ref{}, err
	}

	if ref.Container != container {
		return Ref{}, fmt.Errorf("blob %s is outside container %q", ref, container)
	}

	return ref, nil
}

func (r Ref) String() string {
	return r.Container + "/" + r.Path
}

// Name returns the last path element.
func (r Ref) Name() string {
	return path.Base(r.Path)
}

// WithSuffix returns a sibling ref whose path has suffix appended, e.g. ".error".
func (r Ref) WithSuffix(suffix string) Ref {
	return Ref{Container: r.Container, Path: r.Path + suffix}
}

// WithPath returns a ref in the same container.
func (r Ref) WithPath(p string) Ref {
	return Ref{Container: r.Container, Path: p}
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r.Container == "" && r.Path == ""
}
