package osmview

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

// LayerParams is everything the page template needs to set up the
// overlay for one render mode.
type LayerParams struct {
	OverlayURL  string // {z}/{x}/{y} template, raster and vector modes
	EmbedSrc    string // iframe address, embed mode only
	Attribution string
	MinZoom     uint8
	MaxZoom     uint8
}

// LayerRenderer selects how the overlay is rendered on the viewer
// page. The three modes are interchangeable; the coordinate form logic
// is identical across them.
type LayerRenderer interface {
	Mode() string
	RenderLayer(v View) LayerParams
}

// RasterRenderer overlays a pre-rendered image tile layer served
// through the proxy.
type RasterRenderer struct {
	Layer  string
	Source TileSource
}

func (r RasterRenderer) Mode() string { return "raster" }

func (r RasterRenderer) RenderLayer(View) LayerParams {
	meta := r.Source.Metadata()
	return LayerParams{
		OverlayURL:  "/tiles/" + r.Layer + "/{z}/{x}/{y}." + meta.Format,
		Attribution: meta.Attribution,
		MinZoom:     meta.MinZoom,
		MaxZoom:     meta.MaxZoom,
	}
}

// VectorRenderer overlays a protobuf vector tile layer, decoded and
// styled client-side by Leaflet.VectorGrid. Feature properties surface
// in a popup on click.
type VectorRenderer struct {
	Layer  string
	Source TileSource
}

func (r VectorRenderer) Mode() string { return "vector" }

func (r VectorRenderer) RenderLayer(View) LayerParams {
	meta := r.Source.Metadata()
	return LayerParams{
		OverlayURL:  "/tiles/" + r.Layer + "/{z}/{x}/{y}.pbf",
		Attribution: meta.Attribution,
		MinZoom:     meta.MinZoom,
		MaxZoom:     meta.MaxZoom,
	}
}

// EmbedRenderer swaps the map widget for an iframe pointed at an
// externally hosted map page built from the committed view. The page
// reloads after every commit so the frame follows navigation.
type EmbedRenderer struct {
	Base string
}

func (r EmbedRenderer) Mode() string { return "embed" }

func (r EmbedRenderer) RenderLayer(v View) LayerParams {
	return LayerParams{EmbedSrc: EmbedURL(r.Base, v)}
}

type pageData struct {
	Mode           string
	View           View
	Pending        map[string]string
	Layer          LayerParams
	BasemapURL     string
	BasemapMaxZoom uint8
	MinViewZoom    int
	MaxViewZoom    int
}

// Viewer serves the single-page map UI.
type Viewer struct {
	renderer       LayerRenderer
	store          SessionStore
	basemapURL     string
	basemapMaxZoom uint8
	tmpl           *template.Template
	logger         *zap.Logger
}

func NewViewer(renderer LayerRenderer, store SessionStore, basemapURL string, basemapMaxZoom uint8, logger *zap.Logger) (*Viewer, error) {
	tmpl, err := template.New("viewer").Parse(viewerHTML)
	if err != nil {
		return nil, err
	}
	return &Viewer{
		renderer:       renderer,
		store:          store,
		basemapURL:     basemapURL,
		basemapMaxZoom: basemapMaxZoom,
		tmpl:           tmpl,
		logger:         logger,
	}, nil
}

func (v *Viewer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	id, err := ensureSession(w, r)
	if err != nil {
		v.logger.Error("session id generation failed", zap.Error(err))
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}

	data := pageData{
		Mode:           v.renderer.Mode(),
		BasemapURL:     v.basemapURL,
		BasemapMaxZoom: v.basemapMaxZoom,
		MinViewZoom:    MinViewZoom,
		MaxViewZoom:    MaxViewZoom,
	}
	err = v.store.Update(r.Context(), id, func(c *Controller) error {
		data.View = c.Committed()
		// template index needs plain string keys
		data.Pending = make(map[string]string)
		for field, raw := range c.Pending().Raw() {
			data.Pending[string(field)] = raw
		}
		data.Layer = v.renderer.RenderLayer(c.Committed())
		return nil
	})
	if err != nil {
		v.logger.Error("viewer session load failed", zap.Error(err))
		http.Error(w, "session store error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := v.tmpl.Execute(w, data); err != nil {
		v.logger.Error("viewer template failed", zap.Error(err))
	}
}

var viewerHTML = `<!DOCTYPE html>
<html>
<head>
	<title>osmview</title>
	<meta charset="utf-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
{{- if ne .Mode "embed"}}
	<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
	<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
{{- end}}
{{- if eq .Mode "vector"}}
	<script src="https://unpkg.com/leaflet.vectorgrid@1.3.0/dist/Leaflet.VectorGrid.bundled.js"></script>
{{- end}}
	<style>
		body { margin: 0; font-family: Arial, sans-serif; }
		#layout { display: flex; height: 100vh; }
		#sidebar { width: 260px; padding: 12px; box-sizing: border-box;
			background: #f5f5f5; display: flex; flex-direction: column; gap: 10px; }
		#sidebar label { font-size: 13px; display: block; margin-bottom: 2px; }
		#sidebar input { width: 100%; box-sizing: border-box; padding: 6px; }
		.row { display: flex; gap: 6px; }
		.row button { flex: 1; padding: 6px; cursor: pointer; }
		#map, #embed { flex: 1; border: 0; }
		#toast { position: fixed; bottom: 16px; left: 50%; transform: translateX(-50%);
			background: #c0392b; color: #fff; padding: 8px 16px; border-radius: 4px;
			display: none; z-index: 1000; }
	</style>
</head>
<body>
<div id="layout">
	<div id="sidebar">
		<div>
			<label for="lat">Latitude</label>
			<input id="lat" value="{{index .Pending "lat"}}" oninput="pendingChanged('lat', this.value)">
		</div>
		<div>
			<label for="lng">Longitude</label>
			<input id="lng" value="{{index .Pending "lng"}}" oninput="pendingChanged('lng', this.value)">
		</div>
		<div>
			<label for="zoom">Zoom ({{.MinViewZoom}}&ndash;{{.MaxViewZoom}})</label>
			<input id="zoom" value="{{index .Pending "zoom"}}" oninput="pendingChanged('zoom', this.value)">
		</div>
		<div class="row">
			<button onclick="navigateView()">Go</button>
			<button onclick="zoomBy(1)">+</button>
			<button onclick="zoomBy(-1)">&minus;</button>
			<button onclick="resetView()">Reset</button>
		</div>
	</div>
{{- if eq .Mode "embed"}}
	<iframe id="embed" src="{{.Layer.EmbedSrc}}"></iframe>
{{- else}}
	<div id="map"></div>
{{- end}}
</div>
<div id="toast"></div>
<script>
	var mode = {{.Mode}};
	var map = null;

{{- if ne .Mode "embed"}}
	map = L.map('map').setView([{{.View.Lat}}, {{.View.Lng}}], {{.View.Zoom}});
	L.tileLayer({{.BasemapURL}}, {
		maxZoom: {{.MaxViewZoom}},
		maxNativeZoom: {{.BasemapMaxZoom}},
		attribution: '&copy; OpenStreetMap contributors'
	}).addTo(map);
{{- end}}

{{- if eq .Mode "raster"}}
	L.tileLayer({{.Layer.OverlayURL}}, {
		minZoom: {{.Layer.MinZoom}},
		maxZoom: {{.MaxViewZoom}},
		maxNativeZoom: {{.Layer.MaxZoom}},
		opacity: 0.8,
		attribution: {{.Layer.Attribution}}
	}).addTo(map);
	map.on('click', function(e) {
		L.popup().setLatLng(e.latlng)
			.setContent(e.latlng.lat.toFixed(6) + ', ' + e.latlng.lng.toFixed(6))
			.openOn(map);
	});
{{- end}}

{{- if eq .Mode "vector"}}
	var overlay = L.vectorGrid.protobuf({{.Layer.OverlayURL}}, {
		interactive: true,
		minZoom: {{.Layer.MinZoom}},
		maxZoom: {{.MaxViewZoom}},
		maxNativeZoom: {{.Layer.MaxZoom}},
		attribution: {{.Layer.Attribution}}
	}).addTo(map);
	overlay.on('click', function(e) {
		var props = e.layer.properties || {};
		var rows = Object.keys(props).map(function(k) {
			return '<tr><td><b>' + k + '</b></td><td>' + props[k] + '</td></tr>';
		});
		L.popup().setLatLng(e.latlng)
			.setContent('<table>' + (rows.join('') || '<tr><td>no properties</td></tr>') + '</table>')
			.openOn(map);
		L.DomEvent.stop(e);
	});
{{- end}}

	function toast(msg) {
		var el = document.getElementById('toast');
		el.textContent = msg;
		el.style.display = 'block';
		setTimeout(function() { el.style.display = 'none'; }, 3000);
	}

	async function api(path, body) {
		var res = await fetch(path, {
			method: 'POST',
			headers: {'Content-Type': 'application/json'},
			body: JSON.stringify(body || {})
		});
		var data = await res.json();
		if (!res.ok) {
			toast(data.error || 'request failed');
			return null;
		}
		return data;
	}

	// pending view follows every keystroke; validation waits for Go
	function pendingChanged(field, value) {
		fetch('/api/view/pending', {
			method: 'POST',
			headers: {'Content-Type': 'application/json'},
			body: JSON.stringify({field: field, value: value})
		});
	}

	function applyView(data) {
		document.getElementById('lat').value = data.pending.lat;
		document.getElementById('lng').value = data.pending.lng;
		document.getElementById('zoom').value = data.pending.zoom;
		if (mode === 'embed') {
			location.reload();
		} else {
			map.setView([data.view.lat, data.view.lng], data.view.zoom);
		}
	}

	async function navigateView() {
		var data = await api('/api/view/navigate', {
			lat: document.getElementById('lat').value,
			lng: document.getElementById('lng').value,
			zoom: document.getElementById('zoom').value
		});
		if (data) applyView(data);
	}

	async function zoomBy(delta) {
		var data = await api('/api/view/zoom', {delta: delta});
		if (data) applyView(data);
	}

	async function resetView() {
		var data = await api('/api/view/reset', {});
		if (data) applyView(data);
	}
</script>
</body>
</html>
`
