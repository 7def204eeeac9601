package osmview

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type cacheKey struct {
	layer string
	z     uint8
	x, y  uint32
}

type cachedTile struct {
	data     []byte
	etag     string
	notFound bool
	ok       bool
}

type request struct {
	key   cacheKey
	value chan cachedTile
}

type response struct {
	key   cacheKey
	value cachedTile
	size  int
	ok    bool
}

// Server proxies and caches tiles from the configured layer sources
// and renders TileJSON. Handlers return a status/headers/body triple
// so the same code serves net/http and the caddy middleware.
type Server struct {
	reqs      chan request
	sources   map[string]TileSource
	logger    *zap.Logger
	cacheSize int // megabytes
	publicURL string
	metrics   *metrics
}

func NewServer(sources map[string]TileSource, logger *zap.Logger, cacheSize int, publicURL string) *Server {
	return &Server{
		reqs:      make(chan request, 8),
		sources:   sources,
		logger:    logger,
		cacheSize: cacheSize,
		publicURL: publicURL,
		metrics:   createMetrics("tiles", logger),
	}
}

// Start runs the tile cache loop: an LRU bounded by total byte size,
// with deduplication of concurrent fetches for the same tile.
func (s *Server) Start() {
	go func() {
		ctx := context.Background()
		cache := make(map[cacheKey]*list.Element)
		inflight := make(map[cacheKey][]request)
		resps := make(chan response, 8)
		evictList := list.New()
		totalSize := 0
		s.metrics.initCacheStats(s.cacheSize * 1000 * 1000)

		for {
			select {
			case req := <-s.reqs:
				key := req.key
				if val, ok := cache[key]; ok {
					evictList.MoveToFront(val)
					req.value <- val.Value.(*response).value
					s.metrics.cacheRequest(key.layer, "hit")
				} else if _, ok := inflight[key]; ok {
					inflight[key] = append(inflight[key], req)
				} else {
					inflight[key] = []request{req}
					s.metrics.cacheRequest(key.layer, "miss")
					go s.fetchTile(ctx, key, resps)
				}
			case resp := <-resps:
				key := resp.key
				for _, v := range inflight[key] {
					v.value <- resp.value
				}
				delete(inflight, key)

				if resp.ok {
					ent := &resp
					cache[key] = evictList.PushFront(ent)
					totalSize += resp.size

					for totalSize > s.cacheSize*1000*1000 {
						oldest := evictList.Back()
						if oldest == nil {
							break
						}
						evictList.Remove(oldest)
						kv := oldest.Value.(*response)
						delete(cache, kv.key)
						totalSize -= kv.size
					}
					s.metrics.updateCacheStats(totalSize, len(cache))
				}
			}
		}
	}()
}

func (s *Server) fetchTile(ctx context.Context, key cacheKey, resps chan<- response) {
	source := s.sources[key.layer]
	tracker := s.metrics.startSourceRequest(key.layer)
	data, err := source.Tile(ctx, key.z, key.x, key.y)
	if err != nil {
		if errors.Is(err, ErrTileNotFound) {
			tracker.finish(ctx, "404")
			// cache the miss so repeated requests for empty tiles
			// don't hit the source again
			value := cachedTile{notFound: true, ok: true}
			resps <- response{key: key, value: value, size: 64, ok: true}
			return
		}
		tracker.finish(ctx, "error")
		s.logger.Warn("tile fetch failed",
			zap.String("layer", key.layer),
			zap.Uint8("z", key.z),
			zap.Uint32("x", key.x),
			zap.Uint32("y", key.y),
			zap.Error(err))
		resps <- response{key: key, value: cachedTile{}, ok: false}
		return
	}
	tracker.finish(ctx, "200")
	value := cachedTile{data: data, etag: generateEtag(data), ok: true}
	resps <- response{key: key, value: value, size: len(data) + 64, ok: true}
}

func generateEtag(data []byte) string {
	return fmt.Sprintf("\"%x\"", xxhash.Sum64(data))
}

var tilePattern = regexp.MustCompile(`^\/tiles\/([A-Za-z0-9_-]+)\/(\d+)\/(\d+)\/(\d+)\.([a-z]+)$`)
var tileJSONPattern = regexp.MustCompile(`^\/tiles\/([A-Za-z0-9_-]+)\.json$`)

func parseTilePath(path string) (bool, string, uint8, uint32, uint32, string) {
	if res := tilePattern.FindStringSubmatch(path); res != nil {
		z, errZ := strconv.ParseUint(res[2], 10, 8)
		x, errX := strconv.ParseUint(res[3], 10, 32)
		y, errY := strconv.ParseUint(res[4], 10, 32)
		if errZ != nil || errX != nil || errY != nil {
			return false, "", 0, 0, 0, ""
		}
		return true, res[1], uint8(z), uint32(x), uint32(y), res[5]
	}
	return false, "", 0, 0, 0, ""
}

func parseTileJSONPath(path string) (bool, string) {
	if res := tileJSONPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

// Get routes a request path to the tile or TileJSON handler and
// returns the response as a status/headers/body triple.
func (s *Server) Get(ctx context.Context, path string) (int, map[string]string, []byte) {
	httpHeaders := make(map[string]string)

	if ok, layer, z, x, y, ext := parseTilePath(path); ok {
		return s.getTile(ctx, httpHeaders, layer, z, x, y, ext)
	}
	if ok, layer := parseTileJSONPath(path); ok {
		return s.getTileJSON(httpHeaders, layer)
	}

	return 404, httpHeaders, []byte("Path not found")
}

func (s *Server) getTile(ctx context.Context, httpHeaders map[string]string, layer string, z uint8, x, y uint32, ext string) (int, map[string]string, []byte) {
	tracker := s.metrics.startRequest()

	source, ok := s.sources[layer]
	if !ok {
		tracker.finish(ctx, layer, "tile", 404, 0)
		return 404, httpHeaders, []byte("Layer not found")
	}
	meta := source.Metadata()

	if z < meta.MinZoom || z > meta.MaxZoom {
		tracker.finish(ctx, layer, "tile", 404, 0)
		return 404, httpHeaders, []byte("Tile not found")
	}
	if !extMatchesFormat(ext, meta.Format) {
		tracker.finish(ctx, layer, "tile", 400, 0)
		return 400, httpHeaders, []byte(fmt.Sprintf("path mismatch: layer format is %s", meta.Format))
	}

	req := request{key: cacheKey{layer: layer, z: z, x: x, y: y}, value: make(chan cachedTile, 1)}
	s.reqs <- req
	value := <-req.value

	if !value.ok {
		tracker.finish(ctx, layer, "tile", 500, 0)
		return 500, httpHeaders, []byte("Tile fetch failed")
	}
	if value.notFound {
		tracker.finish(ctx, layer, "tile", 204, 0)
		return 204, httpHeaders, nil
	}

	httpHeaders["Content-Type"] = contentTypeFor(meta.Format)
	httpHeaders["Cache-Control"] = "public, max-age=86400"
	httpHeaders["Etag"] = value.etag
	if meta.Format == "pbf" && isGzipped(value.data) {
		httpHeaders["Content-Encoding"] = "gzip"
	}
	tracker.finish(ctx, layer, "tile", 200, len(value.data))
	return 200, httpHeaders, value.data
}

func (s *Server) getTileJSON(httpHeaders map[string]string, layer string) (int, map[string]string, []byte) {
	source, ok := s.sources[layer]
	if !ok {
		return 404, httpHeaders, []byte("Layer not found")
	}
	if s.publicURL == "" {
		return 501, httpHeaders, []byte("public hostname must be set for TileJSON")
	}
	meta := source.Metadata()

	tileURL := fmt.Sprintf("%s/tiles/%s/{z}/{x}/{y}.%s", s.publicURL, layer, meta.Format)
	body, err := CreateTileJSON(meta, tileURL)
	if err != nil {
		return 500, httpHeaders, []byte("Error generating tilejson")
	}
	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, body
}
