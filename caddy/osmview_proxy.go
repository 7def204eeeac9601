package caddy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/osmview/osmview/osmview"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("osmview_proxy", parseCaddyfile)
}

// Middleware serves a Z/X/Y tile endpoint backed by an upstream tile
// server, a tile bucket or a local MBTiles archive.
type Middleware struct {
	Upstream  string `json:"upstream,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Mbtiles   string `json:"mbtiles,omitempty"`
	CacheSize int    `json:"cache_size"`
	PublicURL string `json:"public_url"`
	logger    *zap.Logger
	server    *osmview.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.osmview_proxy",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	var source osmview.TileSource
	var err error
	switch {
	case m.Mbtiles != "":
		source, err = osmview.OpenMBTiles(m.Mbtiles)
	case m.Bucket != "":
		source, err = osmview.OpenBucketSource(ctx, m.Bucket, osmview.LayerMetadata{
			Name:    "tiles",
			Format:  "png",
			MaxZoom: 19,
		})
	default:
		source = osmview.NewUpstreamSource(m.Upstream, osmview.LayerMetadata{
			Name:    "tiles",
			Format:  "png",
			MaxZoom: 19,
		})
	}
	if err != nil {
		return err
	}

	sources := map[string]osmview.TileSource{"tiles": source}
	m.server = osmview.NewServer(sources, m.logger, m.CacheSize, m.PublicURL)
	m.server.Start()
	return nil
}

func (m *Middleware) Validate() error {
	if m.Upstream == "" && m.Bucket == "" && m.Mbtiles == "" {
		return fmt.Errorf("one of upstream, bucket or mbtiles is required")
	}
	if m.CacheSize <= 0 {
		m.CacheSize = 64
	}
	return nil
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	statusCode, headers, body := m.server.Get(r.Context(), r.URL.Path)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	w.Write(body)
	m.logger.Info("response", zap.Int("status", statusCode), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))

	return next.ServeHTTP(w, r)
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "upstream":
				if !d.Args(&m.Upstream) {
					return d.ArgErr()
				}
			case "bucket":
				if !d.Args(&m.Bucket) {
					return d.ArgErr()
				}
			case "mbtiles":
				if !d.Args(&m.Mbtiles) {
					return d.ArgErr()
				}
			case "cache_size":
				var cacheSize string
				if !d.Args(&cacheSize) {
					return d.ArgErr()
				}
				num, err := strconv.Atoi(cacheSize)
				if err != nil {
					return d.ArgErr()
				}
				m.CacheSize = num
			case "public_url":
				if !d.Args(&m.PublicURL) {
					return d.ArgErr()
				}
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
