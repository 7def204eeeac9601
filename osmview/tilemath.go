package osmview

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Slippy map tile zoom levels supported by the proxy.
const maxTileZoom = 22

// TileAt returns the slippy-map tile containing the view center at the
// view's (truncated) zoom level.
func TileAt(v View) maptile.Tile {
	z := v.Zoom
	if !isFinite(z) || z < 0 {
		z = 0
	}
	if z > maxTileZoom {
		z = maxTileZoom
	}
	return maptile.At(orb.Point{v.Lng, v.Lat}, maptile.Zoom(uint32(z)))
}

// TileURL expands a {z}/{x}/{y} URL template.
func TileURL(template string, z uint8, x, y uint32) string {
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(z), 10),
		"{x}", strconv.FormatUint(uint64(x), 10),
		"{y}", strconv.FormatUint(uint64(y), 10),
	)
	return r.Replace(template)
}

// EmbedURL builds the externally hosted map page address used by the
// iframe render mode. The bbox spans the tile under the view center so
// the embedded page opens at roughly the same zoom.
func EmbedURL(base string, v View) string {
	bound := TileAt(v).Bound()
	q := url.Values{}
	q.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]))
	q.Set("layer", "mapnik")
	q.Set("marker", fmt.Sprintf("%f,%f", v.Lat, v.Lng))
	return base + "?" + q.Encode()
}
