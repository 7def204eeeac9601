package osmview

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControllerStartsAtDefault(t *testing.T) {
	c := NewController()
	assert.Equal(t, DefaultView, c.Committed())
	assert.Equal(t, "-16.667295", c.Pending().Lat.Raw)
	assert.Equal(t, "-49.327279", c.Pending().Lng.Raw)
	assert.Equal(t, "17.15", c.Pending().Zoom.Raw)
}

func TestNavigateValidTriple(t *testing.T) {
	c := NewController()
	c.UpdatePending(FieldLat, "51.5074")
	c.UpdatePending(FieldLng, "-0.1278")
	c.UpdatePending(FieldZoom, "12.5")
	v, err := c.Navigate()
	assert.NoError(t, err)
	assert.Equal(t, View{Lat: 51.5074, Lng: -0.1278, Zoom: 12.5}, v)
	assert.Equal(t, v, c.Committed())
	// pending re-synchronized to the committed values
	assert.Equal(t, "51.5074", c.Pending().Lat.Raw)
}

func TestNavigateInvalidLeavesCommittedUnchanged(t *testing.T) {
	c := NewController()
	before := c.Committed()
	c.UpdatePending(FieldLat, "abc")
	assert.True(t, math.IsNaN(c.Pending().Lat.Value))
	assert.Equal(t, "abc", c.Pending().Lat.Raw)
	v, err := c.Navigate()
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
	assert.Equal(t, before, v)
	assert.Equal(t, before, c.Committed())
	// input preserved so the user can correct it
	assert.Equal(t, "abc", c.Pending().Lat.Raw)
}

func TestNavigateRejectsEmptyAndInfinite(t *testing.T) {
	for _, raw := range []string{"", "  ", "Inf", "-Inf", "NaN", "1,5"} {
		c := NewController()
		c.UpdatePending(FieldZoom, raw)
		_, err := c.Navigate()
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "zoom=%q", raw)
	}
}

func TestNavigateNotClamped(t *testing.T) {
	// direct navigation may leave the increment-control zoom range
	c := NewController()
	c.UpdatePending(FieldZoom, "3")
	v, err := c.Navigate()
	assert.NoError(t, err)
	assert.Equal(t, 3.0, v.Zoom)
}

func TestZoomClampsBothViews(t *testing.T) {
	c := NewController()
	v := c.Zoom(1)
	assert.InDelta(t, 18.15, v.Zoom, 1e-9)
	assert.InDelta(t, 18.15, c.Pending().Zoom.Value, 1e-9)

	for i := 0; i < 5; i++ {
		v = c.Zoom(10)
	}
	assert.Equal(t, float64(MaxViewZoom), v.Zoom)
	assert.Equal(t, float64(MaxViewZoom), c.Pending().Zoom.Value)

	for i := 0; i < 5; i++ {
		v = c.Zoom(-10)
	}
	assert.Equal(t, float64(MinViewZoom), v.Zoom)
}

func TestZoomDoesNotTouchCoordinateFields(t *testing.T) {
	c := NewController()
	c.UpdatePending(FieldLat, "not a number")
	c.Zoom(-1)
	assert.Equal(t, "not a number", c.Pending().Lat.Raw)
	assert.Equal(t, DefaultView.Lat, c.Committed().Lat)
}

func TestResetRestoresDefault(t *testing.T) {
	c := NewController()
	c.UpdatePending(FieldLat, "10")
	c.UpdatePending(FieldLng, "20")
	c.UpdatePending(FieldZoom, "15")
	_, err := c.Navigate()
	assert.NoError(t, err)
	c.Zoom(2)

	v := c.Reset()
	assert.Equal(t, DefaultView, v)
	assert.Equal(t, DefaultView, c.Committed())
	assert.Equal(t, "17.15", c.Pending().Zoom.Raw)
}

func TestOnCommitObserver(t *testing.T) {
	c := NewController()
	var got []View
	c.OnCommit(func(v View) { got = append(got, v) })

	c.UpdatePending(FieldLat, "bogus")
	_, err := c.Navigate()
	assert.Error(t, err)
	assert.Empty(t, got, "failed navigation must not commit")

	c.Zoom(1)
	c.Reset()
	assert.Len(t, got, 2)
	assert.Equal(t, DefaultView, got[1])
}

func TestRestoreController(t *testing.T) {
	c := RestoreController(View{Lat: 1, Lng: 2, Zoom: 13}, map[Field]string{
		FieldLat:  "xyz",
		FieldLng:  "2",
		FieldZoom: "13",
	})
	assert.Equal(t, View{Lat: 1, Lng: 2, Zoom: 13}, c.Committed())
	assert.True(t, math.IsNaN(c.Pending().Lat.Value))
	assert.Equal(t, "xyz", c.Pending().Lat.Raw)

	// an invalid persisted view falls back to the default
	c = RestoreController(View{Lat: math.NaN()}, nil)
	assert.Equal(t, DefaultView, c.Committed())
}
