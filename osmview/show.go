package osmview

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// ShowArchive prints metadata and size statistics for a local MBTiles
// archive.
func ShowArchive(w io.Writer, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	src, err := OpenMBTiles(path)
	if err != nil {
		return err
	}
	defer src.Close()

	count, err := src.TileCount()
	if err != nil {
		return err
	}
	meta := src.Metadata()

	fmt.Fprintf(w, "name: %s\n", meta.Name)
	fmt.Fprintf(w, "format: %s\n", meta.Format)
	fmt.Fprintf(w, "zoom range: %d-%d\n", meta.MinZoom, meta.MaxZoom)
	if len(meta.Bounds) == 4 {
		fmt.Fprintf(w, "bounds: %s\n", joinFloats(meta.Bounds))
	}
	if len(meta.Center) == 3 {
		fmt.Fprintf(w, "center: %s\n", joinFloats(meta.Center))
	}
	if meta.Attribution != "" {
		fmt.Fprintf(w, "attribution: %s\n", meta.Attribution)
	}
	fmt.Fprintf(w, "tiles: %s\n", humanize.Comma(count))
	fmt.Fprintf(w, "archive size: %s\n", humanize.Bytes(uint64(fi.Size())))
	return nil
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatCoord(v)
	}
	return strings.Join(parts, ",")
}
