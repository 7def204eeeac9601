package osmview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// userAgent identifies the proxy to upstream tile services, required
// by the OSM tile usage policy.
const userAgent = "osmview/1.0 (+https://github.com/osmview/osmview)"

// ErrTileNotFound indicates the source has no tile at the requested
// coordinates.
var ErrTileNotFound = errors.New("tile not found")

// LayerMetadata describes one tile layer.
type LayerMetadata struct {
	Name        string
	Format      string // png, jpg, webp or pbf
	Attribution string
	MinZoom     uint8
	MaxZoom     uint8
	Bounds      []float64
	Center      []float64
}

// TileSource delivers tile data for slippy map coordinates.
type TileSource interface {
	Tile(ctx context.Context, z uint8, x, y uint32) ([]byte, error)
	Metadata() LayerMetadata
	Close() error
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "pbf", "mvt":
		return "application/x-protobuf"
	}
	return "application/octet-stream"
}

// extMatchesFormat maps request path extensions onto layer formats,
// tolerating the jpg/jpeg and pbf/mvt aliases.
func extMatchesFormat(ext, format string) bool {
	if ext == format {
		return true
	}
	switch format {
	case "jpg", "jpeg":
		return ext == "jpg" || ext == "jpeg"
	case "pbf", "mvt":
		return ext == "pbf" || ext == "mvt"
	}
	return false
}

func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == 31 && data[1] == 139
}

// UpstreamSource proxies a templated {z}/{x}/{y} HTTP tile endpoint.
type UpstreamSource struct {
	template string
	meta     LayerMetadata
	client   *http.Client
}

func NewUpstreamSource(template string, meta LayerMetadata) *UpstreamSource {
	return &UpstreamSource{
		template: template,
		meta:     meta,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (s *UpstreamSource) Tile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, TileURL(s.template, z, x, y), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound, http.StatusNoContent:
		return nil, ErrTileNotFound
	}
	return nil, fmt.Errorf("upstream returned status %d for %d/%d/%d", resp.StatusCode, z, x, y)
}

func (s *UpstreamSource) Metadata() LayerMetadata {
	return s.meta
}

func (s *UpstreamSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// BucketSource serves a z/x/y tree of pre-rendered tiles from a
// gocloud bucket (file://, s3://, gs:// or azblob:// depending on the
// drivers linked into the binary).
type BucketSource struct {
	bucket *blob.Bucket
	meta   LayerMetadata
}

func OpenBucketSource(ctx context.Context, bucketURL string, meta LayerMetadata) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BucketSource{bucket: bucket, meta: meta}, nil
}

func (s *BucketSource) Tile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	key := fmt.Sprintf("%d/%d/%d.%s", z, x, y, s.meta.Format)
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrTileNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *BucketSource) Metadata() LayerMetadata {
	return s.meta
}

func (s *BucketSource) Close() error {
	return s.bucket.Close()
}
