package osmview

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
)

// MBTilesSource serves tiles from a local MBTiles archive. MBTiles
// stores rows in TMS order, so the Y coordinate is flipped on read.
type MBTilesSource struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	meta LayerMetadata
}

func OpenMBTiles(path string) (*MBTilesSource, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, err
	}

	kv := make([]string, 0)
	stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		conn.Close()
		return nil, err
	}
	for {
		row, err := stmt.Step()
		if err != nil {
			stmt.Finalize()
			conn.Close()
			return nil, err
		}
		if !row {
			break
		}
		kv = append(kv, stmt.ColumnText(0), stmt.ColumnText(1))
	}
	stmt.Finalize()

	meta, err := parseMBTilesMetadata(kv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &MBTilesSource{conn: conn, meta: meta}, nil
}

// parseMBTilesMetadata interprets the flattened name/value rows of the
// metadata table.
func parseMBTilesMetadata(kv []string) (LayerMetadata, error) {
	meta := LayerMetadata{Format: "png"}
	for i := 0; i+1 < len(kv); i += 2 {
		name, value := kv[i], kv[i+1]
		switch name {
		case "name":
			meta.Name = value
		case "format":
			meta.Format = value
		case "attribution":
			meta.Attribution = value
		case "minzoom":
			z, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return meta, fmt.Errorf("invalid minzoom %q", value)
			}
			meta.MinZoom = uint8(z)
		case "maxzoom":
			z, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return meta, fmt.Errorf("invalid maxzoom %q", value)
			}
			meta.MaxZoom = uint8(z)
		case "bounds":
			bounds, err := parseFloatList(value, 4)
			if err != nil {
				return meta, fmt.Errorf("invalid bounds %q", value)
			}
			meta.Bounds = bounds
		case "center":
			center, err := parseFloatList(value, 3)
			if err != nil {
				return meta, fmt.Errorf("invalid center %q", value)
			}
			meta.Center = center
		}
	}
	return meta, nil
}

func parseFloatList(value string, n int) ([]float64, error) {
	parts := strings.Split(value, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (s *MBTilesSource) Tile(_ context.Context, z uint8, x, y uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, _, err := s.conn.PrepareTransient(
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		return nil, err
	}
	defer stmt.Finalize()

	flippedY := (uint32(1) << z) - 1 - y
	stmt.BindInt64(1, int64(z))
	stmt.BindInt64(2, int64(x))
	stmt.BindInt64(3, int64(flippedY))

	row, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !row {
		return nil, ErrTileNotFound
	}
	data := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, data)
	return data, nil
}

// TileCount reports the number of tiles stored in the archive.
func (s *MBTilesSource) TileCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, _, err := s.conn.PrepareTransient("SELECT count(*) FROM tiles")
	if err != nil {
		return 0, err
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !row {
		return 0, fmt.Errorf("count returned no rows")
	}
	return stmt.ColumnInt64(0), nil
}

func (s *MBTilesSource) Metadata() LayerMetadata {
	return s.meta
}

func (s *MBTilesSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
