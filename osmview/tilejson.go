package osmview

import (
	"encoding/json"
)

// TileJSON v3; only the fields the viewer cares about.
type TileJSON struct {
	TileJSON    string    `json:"tilejson"`
	Name        string    `json:"name,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	Scheme      string    `json:"scheme"`
	Tiles       []string  `json:"tiles"`
	MinZoom     uint8     `json:"minzoom"`
	MaxZoom     uint8     `json:"maxzoom"`
	Bounds      []float64 `json:"bounds,omitempty"`
	Center      []float64 `json:"center,omitempty"`
}

// CreateTileJSON renders a TileJSON document for a layer reachable at
// tileURL (a {z}/{x}/{y} template).
func CreateTileJSON(meta LayerMetadata, tileURL string) ([]byte, error) {
	doc := TileJSON{
		TileJSON:    "3.0.0",
		Name:        meta.Name,
		Attribution: meta.Attribution,
		Scheme:      "xyz",
		Tiles:       []string{tileURL},
		MinZoom:     meta.MinZoom,
		MaxZoom:     meta.MaxZoom,
		Bounds:      meta.Bounds,
		Center:      meta.Center,
	}
	return json.MarshalIndent(doc, "", "\t")
}
