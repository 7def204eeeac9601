package osmview

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiClient struct {
	t       *testing.T
	mux     *http.ServeMux
	cookies []*http.Cookie
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	store := NewMemoryStore(time.Minute)
	t.Cleanup(func() { store.Close() })
	api := NewViewAPI(store, zap.NewNop())
	mux := http.NewServeMux()
	api.Register(mux)
	return &apiClient{t: t, mux: mux}
}

func (c *apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, strings.NewReader("{}"))
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	c.mux.ServeHTTP(w, req)
	if len(w.Result().Cookies()) > 0 {
		c.cookies = w.Result().Cookies()
	}
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) viewResponse {
	t.Helper()
	var resp viewResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestEnsureSession(t *testing.T) {
	w := httptest.NewRecorder()
	id, err := ensureSession(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Len(t, id, 32)

	// an existing cookie is reused without minting a new id
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookie, Value: id})
	w = httptest.NewRecorder()
	again, err := ensureSession(w, r)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Empty(t, w.Result().Cookies())
}

func TestAPIGetViewStartsAtDefault(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodGet, "/api/view", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeView(t, w)
	assert.Equal(t, DefaultView, resp.View)
	assert.Equal(t, "17.15", resp.Pending[FieldZoom])
}

func TestAPINavigate(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodPost, "/api/view/navigate",
		`{"lat":"51.5","lng":"-0.12","zoom":"13"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeView(t, w)
	assert.Equal(t, View{Lat: 51.5, Lng: -0.12, Zoom: 13}, resp.View)

	// the committed view survives on the same session
	w = c.do(http.MethodGet, "/api/view", "")
	resp = decodeView(t, w)
	assert.Equal(t, View{Lat: 51.5, Lng: -0.12, Zoom: 13}, resp.View)
}

func TestAPINavigateInvalidInput(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodPost, "/api/view/navigate",
		`{"lat":"abc","lng":"-0.12","zoom":"13"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "invalid coordinate input", resp["error"])

	// committed view unchanged, pending text preserved
	w = c.do(http.MethodGet, "/api/view", "")
	got := decodeView(t, w)
	assert.Equal(t, DefaultView, got.View)
	assert.Equal(t, "abc", got.Pending[FieldLat])
}

func TestAPIPendingThenNavigate(t *testing.T) {
	c := newAPIClient(t)
	for field, value := range map[string]string{"lat": "10", "lng": "20", "zoom": "15"} {
		w := c.do(http.MethodPost, "/api/view/pending",
			`{"field":"`+field+`","value":"`+value+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := c.do(http.MethodPost, "/api/view/navigate", "{}")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeView(t, w)
	assert.Equal(t, View{Lat: 10, Lng: 20, Zoom: 15}, resp.View)
}

func TestAPIPendingRejectsUnknownField(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodPost, "/api/view/pending", `{"field":"altitude","value":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIZoomSaturates(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodPost, "/api/view/zoom", `{"delta":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeView(t, w)
	assert.InDelta(t, 18.15, resp.View.Zoom, 1e-9)

	for i := 0; i < 3; i++ {
		w = c.do(http.MethodPost, "/api/view/zoom", `{"delta":10}`)
	}
	resp = decodeView(t, w)
	assert.Equal(t, float64(MaxViewZoom), resp.View.Zoom)
	assert.Equal(t, "21", resp.Pending[FieldZoom])
}

func TestAPIZoomRequiresDelta(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodPost, "/api/view/zoom", "{}")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIReset(t *testing.T) {
	c := newAPIClient(t)
	c.do(http.MethodPost, "/api/view/navigate", `{"lat":"1","lng":"2","zoom":"12"}`)
	w := c.do(http.MethodPost, "/api/view/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeView(t, w)
	assert.Equal(t, DefaultView, resp.View)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	c := newAPIClient(t)
	w := c.do(http.MethodGet, "/api/view/navigate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = c.do(http.MethodPost, "/api/view", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
