package mover

import (
	"path"
	"strings"

	"github.com/italolelis/blob_ingest/internal/blobstore"
)

// Layout names the tier folders inside a container.
type Layout struct {
	RawFolder      string
	DatasetsFolder string
}

// Destination maps a raw-tier blob to its dataset location: the first path segment
// equal to RawFolder becomes DatasetsFolder, and the blob lands in a directory named
// after itself, e.g. raw/2024/scene.tif -> datasets/2024/scene.tif/scene.tif.
func (l Layout) Destination(src blobstore.Ref) blobstore.Ref {
	segments := strings.Split(src.Path, "/")

	for i, s := range segments {
		if s == l.RawFolder {
			segments[i] = l.DatasetsFolder

			break
		}
	}

	dir := strings.Join(segments, "/")

	return src.WithPath(dir + "/" + path.Base(src.Path))
}
