package ingest

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/logctx"
)

// Uploader streams a local file to a blob.
type Uploader interface {
	UploadFile(ctx context.Context, ref blobstore.Ref, localPath string, overwrite bool) (int64, error)
}

// PublishProcessor publishes the downloaded file unchanged to its output location.
// It stands in for the transcoding stage, which lives outside this service.
type PublishProcessor struct {
	uploader Uploader
	output   func(blobstore.Ref) blobstore.Ref
}

func NewPublishProcessor(uploader Uploader, output func(blobstore.Ref) blobstore.Ref) *PublishProcessor {
	return &PublishProcessor{uploader: uploader, output: output}
}

func (p *PublishProcessor) Process(ctx context.Context, src blobstore.Ref, localPath string) error {
	dst := p.output(src)

	n, err := p.uploader.UploadFile(ctx, dst, localPath, true)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", dst, err)
	}

	logctx.LoggerFromContext(ctx).Info("published dataset", "destination", dst.String(), "size", humanize.IBytes(uint64(n)))

	return nil
}
