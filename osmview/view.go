package osmview

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// DefaultView is the camera position rendered before any navigation.
var DefaultView = View{Lat: -16.667295, Lng: -49.327279, Zoom: 17.15}

// Zoom increments are clamped to this range. Direct navigation is
// intentionally not clamped.
const (
	MinViewZoom = 10
	MaxViewZoom = 21
)

// ErrInvalidCoordinate is returned by Navigate when any pending field
// does not hold a finite number.
var ErrInvalidCoordinate = errors.New("invalid coordinate input")

// View is the camera position of the map: center plus zoom level.
type View struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom float64 `json:"zoom"`
}

// Valid reports whether all three components are finite numbers.
func (v View) Valid() bool {
	return isFinite(v.Lat) && isFinite(v.Lng) && isFinite(v.Zoom)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Field names one editable coordinate input.
type Field string

const (
	FieldLat  Field = "lat"
	FieldLng  Field = "lng"
	FieldZoom Field = "zoom"
)

// Input is the content of one form field. Value is NaN when Raw does
// not parse as a number.
type Input struct {
	Raw   string
	Value float64
}

// Pending mirrors the three coordinate form fields. Unlike the
// committed view it may transiently hold non-numeric text.
type Pending struct {
	Lat  Input
	Lng  Input
	Zoom Input
}

// Raw returns the form text of all three fields keyed by field name.
func (p Pending) Raw() map[Field]string {
	return map[Field]string{
		FieldLat:  p.Lat.Raw,
		FieldLng:  p.Lng.Raw,
		FieldZoom: p.Zoom.Raw,
	}
}

// Controller synchronizes the committed view (what the map renders)
// with the pending view (what the form fields show). The committed
// view only changes through Navigate, Zoom and Reset, each of which
// re-synchronizes the pending fields it touches.
type Controller struct {
	committed View
	pending   Pending
	onCommit  func(View)
}

// NewController returns a controller positioned at DefaultView.
func NewController() *Controller {
	c := &Controller{}
	c.Reset()
	return c
}

// RestoreController rebuilds a controller from persisted session
// state. Pending text is replayed through UpdatePending so values
// round-trip exactly as the user typed them.
func RestoreController(committed View, pendingRaw map[Field]string) *Controller {
	c := NewController()
	if committed.Valid() {
		c.committed = committed
	}
	for field, raw := range pendingRaw {
		c.UpdatePending(field, raw)
	}
	return c
}

// OnCommit registers an observer invoked with the new committed view
// after every successful Navigate, Zoom or Reset.
func (c *Controller) OnCommit(fn func(View)) {
	c.onCommit = fn
}

func (c *Controller) Committed() View {
	return c.committed
}

func (c *Controller) Pending() Pending {
	return c.pending
}

// UpdatePending stores raw form text into one pending field. A failed
// parse records NaN; validation is deferred to Navigate.
func (c *Controller) UpdatePending(field Field, raw string) {
	in := parseInput(raw)
	switch field {
	case FieldLat:
		c.pending.Lat = in
	case FieldLng:
		c.pending.Lng = in
	case FieldZoom:
		c.pending.Zoom = in
	}
}

// Navigate applies the pending view to the committed view. If any
// pending field is not a finite number it returns ErrInvalidCoordinate
// and leaves the committed view unchanged.
func (c *Controller) Navigate() (View, error) {
	next := View{
		Lat:  c.pending.Lat.Value,
		Lng:  c.pending.Lng.Value,
		Zoom: c.pending.Zoom.Value,
	}
	if !next.Valid() {
		return c.committed, ErrInvalidCoordinate
	}
	c.committed = next
	c.syncPending()
	c.commit()
	return c.committed, nil
}

// Zoom nudges the committed zoom by delta, clamped to
// [MinViewZoom, MaxViewZoom], and mirrors the result into the pending
// zoom field. It cannot fail.
func (c *Controller) Zoom(delta float64) View {
	z := clamp(c.committed.Zoom+delta, MinViewZoom, MaxViewZoom)
	c.committed.Zoom = z
	c.pending.Zoom = Input{Raw: formatCoord(z), Value: z}
	c.commit()
	return c.committed
}

// Reset restores both views to DefaultView.
func (c *Controller) Reset() View {
	c.committed = DefaultView
	c.syncPending()
	c.commit()
	return c.committed
}

func (c *Controller) syncPending() {
	c.pending = Pending{
		Lat:  Input{Raw: formatCoord(c.committed.Lat), Value: c.committed.Lat},
		Lng:  Input{Raw: formatCoord(c.committed.Lng), Value: c.committed.Lng},
		Zoom: Input{Raw: formatCoord(c.committed.Zoom), Value: c.committed.Zoom},
	}
}

func (c *Controller) commit() {
	if c.onCommit != nil {
		c.onCommit(c.committed)
	}
}

func parseInput(raw string) Input {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		v = math.NaN()
	}
	return Input{Raw: raw, Value: v}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
