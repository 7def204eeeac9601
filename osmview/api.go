package osmview

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

const sessionCookie = "osmview_sid"

// ViewAPI exposes the view controller over JSON for the viewer page.
type ViewAPI struct {
	store   SessionStore
	logger  *zap.Logger
	metrics *viewMetrics
}

func NewViewAPI(store SessionStore, logger *zap.Logger) *ViewAPI {
	return &ViewAPI{
		store:   store,
		logger:  logger,
		metrics: createViewMetrics(logger),
	}
}

// Register attaches the view endpoints to mux.
func (a *ViewAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/view", a.handleView)
	mux.HandleFunc("/api/view/pending", a.handlePending)
	mux.HandleFunc("/api/view/navigate", a.handleNavigate)
	mux.HandleFunc("/api/view/zoom", a.handleZoom)
	mux.HandleFunc("/api/view/reset", a.handleReset)
}

// ensureSession returns the session id from the request cookie,
// minting a new one when absent.
func ensureSession(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

type viewResponse struct {
	View    View             `json:"view"`
	Pending map[Field]string `json:"pending"`
}

func (a *ViewAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (a *ViewAPI) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// update runs op against the session controller and writes the
// resulting view state, mapping ErrInvalidCoordinate to a 422 the page
// shows as a non-blocking notification.
func (a *ViewAPI) update(w http.ResponseWriter, r *http.Request, op string, fn func(*Controller) error) {
	id, err := ensureSession(w, r)
	if err != nil {
		a.logger.Error("session id generation failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "session error")
		return
	}

	var resp viewResponse
	err = a.store.Update(r.Context(), id, func(c *Controller) error {
		c.OnCommit(func(v View) {
			a.metrics.commits.WithLabelValues(op).Inc()
			a.logger.Debug("view committed",
				zap.String("op", op),
				zap.Float64("lat", v.Lat),
				zap.Float64("lng", v.Lng),
				zap.Float64("zoom", v.Zoom))
		})
		err := fn(c)
		resp = viewResponse{View: c.Committed(), Pending: c.Pending().Raw()}
		return err
	})

	switch {
	case errors.Is(err, ErrInvalidCoordinate):
		a.metrics.failures.Inc()
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   ErrInvalidCoordinate.Error(),
			"pending": resp.Pending,
		})
	case err != nil:
		a.logger.Error("session update failed", zap.String("op", op), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "session store error")
	default:
		a.writeJSON(w, http.StatusOK, resp)
	}
}

func (a *ViewAPI) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.update(w, r, "get", func(*Controller) error { return nil })
}

func (a *ViewAPI) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Field Field  `json:"field"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch body.Field {
	case FieldLat, FieldLng, FieldZoom:
	default:
		a.writeError(w, http.StatusBadRequest, "unknown field")
		return
	}
	a.update(w, r, "pending", func(c *Controller) error {
		c.UpdatePending(body.Field, body.Value)
		return nil
	})
}

func (a *ViewAPI) handleNavigate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// fields are optional: the page sends current form text so no
	// keystroke is lost, but navigate also works on stored pending state
	var body struct {
		Lat  *string `json:"lat"`
		Lng  *string `json:"lng"`
		Zoom *string `json:"zoom"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	a.update(w, r, "navigate", func(c *Controller) error {
		if body.Lat != nil {
			c.UpdatePending(FieldLat, *body.Lat)
		}
		if body.Lng != nil {
			c.UpdatePending(FieldLng, *body.Lng)
		}
		if body.Zoom != nil {
			c.UpdatePending(FieldZoom, *body.Zoom)
		}
		_, err := c.Navigate()
		return err
	})
}

func (a *ViewAPI) handleZoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Delta *float64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Delta == nil {
		a.writeError(w, http.StatusBadRequest, "delta is required")
		return
	}
	a.update(w, r, "zoom", func(c *Controller) error {
		c.Zoom(*body.Delta)
		return nil
	})
}

func (a *ViewAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.update(w, r, "reset", func(c *Controller) error {
		c.Reset()
		return nil
	})
}
