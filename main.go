package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/osmview/osmview/osmview"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultEmbedBase = "https://www.openstreetmap.org/export/embed.html"

var cli struct {
	Serve struct {
		Port           int    `default:"8080" env:"PORT"`
		Cors           string `help:"Comma-separated allowed CORS origins." env:"CORS_ORIGINS"`
		CacheSize      int    `default:"64" help:"Size of tile cache in Megabytes."`
		Mode           string `default:"raster" enum:"raster,vector,embed" help:"Overlay render mode."`
		BasemapURL     string `default:"https://tile.openstreetmap.org/{z}/{x}/{y}.png" env:"BASEMAP_URL" help:"Base map {z}/{x}/{y} endpoint."`
		OverlayURL     string `env:"OVERLAY_URL" help:"Overlay {z}/{x}/{y} endpoint (.png or .pbf)."`
		Bucket         string `env:"OVERLAY_BUCKET" help:"Bucket of pre-rendered overlay tiles (file://, s3://, gs://, azblob://)."`
		Mbtiles        string `env:"OVERLAY_MBTILES" help:"Local MBTiles archive for the overlay." type:"existingfile"`
		PublicHostname string `env:"PUBLIC_HOSTNAME" help:"Public hostname of the tile endpoint e.g. https://example.com"`
		EmbedBase      string `default:"${embed_base}" env:"EMBED_BASE" help:"Externally hosted map page for embed mode."`
		RedisAddr      string `env:"REDIS_ADDR" help:"Redis address for shared session state."`
		SessionTTL     time.Duration `default:"30m" help:"Idle session lifetime."`
	} `cmd:"" help:"Run the interactive map viewer server."`

	Tile struct {
		Lat     float64 `arg:"" help:"Latitude."`
		Lng     float64 `arg:"" help:"Longitude."`
		Zoom    float64 `arg:"" help:"Zoom level."`
		Mbtiles string  `env:"OVERLAY_MBTILES" help:"Local MBTiles archive to read from." type:"existingfile"`
		URL     string  `env:"BASEMAP_URL" default:"https://tile.openstreetmap.org/{z}/{x}/{y}.png" help:"Tile endpoint to fetch from."`
	} `cmd:"" help:"Fetch the tile under a coordinate and output it on stdout."`

	URL struct {
		Lat  float64 `arg:"" help:"Latitude."`
		Lng  float64 `arg:"" help:"Longitude."`
		Zoom float64 `arg:"" help:"Zoom level."`
	} `cmd:"" help:"Print the tile and embed page addresses for a view."`

	Show struct {
		Input string `arg:"" type:"existingfile" help:"MBTiles archive."`
	} `cmd:"" help:"Inspect a local MBTiles archive."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}
	// .env is optional; real env always wins
	_ = godotenv.Load()

	ctx := kong.Parse(&cli, kong.Vars{"embed_base": defaultEmbedBase})

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch ctx.Command() {
	case "serve":
		if err := runServe(logger); err != nil {
			logger.Fatal("serve failed", zap.Error(err))
		}
	case "tile <lat> <lng> <zoom>":
		if err := runTile(logger); err != nil {
			logger.Fatal("tile fetch failed", zap.Error(err))
		}
	case "url <lat> <lng> <zoom>":
		v := osmview.View{Lat: cli.URL.Lat, Lng: cli.URL.Lng, Zoom: cli.URL.Zoom}
		t := osmview.TileAt(v)
		fmt.Printf("tile: %d/%d/%d\n", uint32(t.Z), t.X, t.Y)
		fmt.Printf("raster: %s\n", osmview.TileURL("https://tile.openstreetmap.org/{z}/{x}/{y}.png", uint8(t.Z), t.X, t.Y))
		fmt.Printf("embed: %s\n", osmview.EmbedURL(defaultEmbedBase, v))
	case "show <input>":
		if err := osmview.ShowArchive(os.Stdout, cli.Show.Input); err != nil {
			logger.Fatal("show failed", zap.Error(err))
		}
	case "version":
		fmt.Printf("osmview %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

// overlaySource builds the overlay tile source from whichever of
// mbtiles/bucket/url is configured, in that order of precedence.
func overlaySource(ctx context.Context, format string) (osmview.TileSource, error) {
	switch {
	case cli.Serve.Mbtiles != "":
		return osmview.OpenMBTiles(cli.Serve.Mbtiles)
	case cli.Serve.Bucket != "":
		return osmview.OpenBucketSource(ctx, cli.Serve.Bucket, osmview.LayerMetadata{
			Name:    "overlay",
			Format:  format,
			MaxZoom: 19,
		})
	case cli.Serve.OverlayURL != "":
		return osmview.NewUpstreamSource(cli.Serve.OverlayURL, osmview.LayerMetadata{
			Name:    "overlay",
			Format:  format,
			MaxZoom: 19,
		}), nil
	}
	return nil, errors.New("overlay requires one of --mbtiles, --bucket or --overlay-url")
}

func runServe(logger *zap.Logger) error {
	osmview.SetBuildInfo(version, commit, date)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	basemap := osmview.NewUpstreamSource(cli.Serve.BasemapURL, osmview.LayerMetadata{
		Name:        "basemap",
		Format:      "png",
		Attribution: "© OpenStreetMap contributors",
		MaxZoom:     19,
	})
	sources := map[string]osmview.TileSource{"basemap": basemap}

	var renderer osmview.LayerRenderer
	switch cli.Serve.Mode {
	case "raster":
		overlay, err := overlaySource(rootCtx, "png")
		if err != nil {
			return err
		}
		sources["overlay"] = overlay
		renderer = osmview.RasterRenderer{Layer: "overlay", Source: overlay}
	case "vector":
		overlay, err := overlaySource(rootCtx, "pbf")
		if err != nil {
			return err
		}
		sources["overlay"] = overlay
		renderer = osmview.VectorRenderer{Layer: "overlay", Source: overlay}
	case "embed":
		renderer = osmview.EmbedRenderer{Base: cli.Serve.EmbedBase}
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	var store osmview.SessionStore
	if cli.Serve.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cli.Serve.RedisAddr})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		store = osmview.NewRedisStore(rdb, cli.Serve.SessionTTL)
		logger.Info("using redis session store", zap.String("addr", cli.Serve.RedisAddr))
	} else {
		store = osmview.NewMemoryStore(cli.Serve.SessionTTL)
	}
	defer store.Close()

	server := osmview.NewServer(sources, logger, cli.Serve.CacheSize, cli.Serve.PublicHostname)
	server.Start()

	viewer, err := osmview.NewViewer(renderer, store, "/tiles/basemap/{z}/{x}/{y}.png", basemap.Metadata().MaxZoom, logger)
	if err != nil {
		return err
	}
	api := osmview.NewViewAPI(store, logger)

	mux := http.NewServeMux()
	mux.Handle("/", viewer)
	api.Register(mux)
	mux.HandleFunc("/tiles/", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		statusCode, headers, body := server.Get(r.Context(), r.URL.Path)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(statusCode)
		w.Write(body)
		logger.Debug("served tile request",
			zap.Int("status", statusCode),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: splitComma(cli.Serve.Cors),
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(mux)
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cli.Serve.Port),
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("serving",
			zap.String("mode", cli.Serve.Mode),
			zap.Int("port", cli.Serve.Port),
			zap.Int("cache_mb", cli.Serve.CacheSize))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runTile(logger *zap.Logger) error {
	ctx := context.Background()
	v := osmview.View{Lat: cli.Tile.Lat, Lng: cli.Tile.Lng, Zoom: cli.Tile.Zoom}
	t := osmview.TileAt(v)

	var source osmview.TileSource
	if cli.Tile.Mbtiles != "" {
		src, err := osmview.OpenMBTiles(cli.Tile.Mbtiles)
		if err != nil {
			return err
		}
		source = src
	} else {
		source = osmview.NewUpstreamSource(cli.Tile.URL, osmview.LayerMetadata{MaxZoom: 22})
	}
	defer source.Close()

	logger.Info("fetching tile",
		zap.Uint32("z", uint32(t.Z)),
		zap.Uint32("x", t.X),
		zap.Uint32("y", t.Y))
	data, err := source.Tile(ctx, uint8(t.Z), t.X, t.Y)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
