// Package httpapi exposes the tracking engine over HTTP under /api/v1.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trackd/internal/eta"
	"trackd/internal/geo"
	"trackd/internal/identity"
	"trackd/internal/logs"
	"trackd/internal/position"
	"trackd/internal/trail"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type HTTP struct {
	store     *position.Store
	resolver  identity.Resolver
	assembler *trail.Assembler
	estimator *eta.Estimator
	adminKey  string

	validate *validator.Validate
	log      *logrus.Entry
}

func New(store *position.Store, resolver identity.Resolver, assembler *trail.Assembler, estimator *eta.Estimator, adminKey string) *HTTP {
	return &HTTP{
		store:     store,
		resolver:  resolver,
		assembler: assembler,
		estimator: estimator,
		adminKey:  adminKey,
		validate:  validator.New(),
		log:       logs.Component("httpapi"),
	}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// GET  /api/v1/report_position?device_id=&lat=&lng=   (device firmware)
	// POST /api/v1/report_position {device_id, lat, lng}
	api.HandleFunc("/report_position", h.reportPosition).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/current_position", h.currentPosition).Methods(http.MethodGet)
	api.HandleFunc("/trail", h.trail).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/resolve_delivery", h.resolveDelivery).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/eta", h.eta).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", h.snapshot).Methods(http.MethodGet, http.MethodPost)

	// admin: X-API-Key header or ?key=
	api.HandleFunc("/devices", h.devices).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": kind, "message": msg})
}

// fail maps engine errors to status codes. Unassigned is handled by the
// callers because its body carries data.
func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	var pe *position.PersistenceError
	switch {
	case errors.Is(err, position.ErrMissingDevice):
		writeError(w, http.StatusBadRequest, "missing_parameters", "device_id is required")
	case errors.Is(err, position.ErrInvalidCoordinate):
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
	case errors.Is(err, position.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.As(err, &pe):
		h.log.WithField("path", r.URL.Path).Errorf("%v", err)
		writeError(w, http.StatusInternalServerError, "persistence_error", "storage unavailable")
	default:
		h.log.WithField("path", r.URL.Path).Errorf("%v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type reportRequest struct {
	DeviceID string `validate:"required"`
	Lat      string `validate:"required"`
	Lng      string `validate:"required"`
}

func (h *HTTP) reportPosition(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_parameters", err.Error())
		return
	}
	in := reportRequest{DeviceID: first(p, "device_id"), Lat: first(p, "lat"), Lng: first(p, "lng")}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, "missing_parameters", "device_id, lat and lng are required")
		return
	}
	lat, errLat := parseFloat(in.Lat)
	lng, errLng := parseFloat(in.Lng)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", "lat and lng must be numbers")
		return
	}

	ack, err := h.store.Record(r.Context(), in.DeviceID, lat, lng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": ack.DeviceID,
		"lat":       ack.Lat,
		"lng":       ack.Lng,
		"timestamp": ack.Timestamp.Format(time.RFC3339),
	})
}

func (h *HTTP) currentPosition(w http.ResponseWriter, r *http.Request) {
	id := first(r.URL.Query(), "device_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters", "device_id is required")
		return
	}
	cp, err := h.store.CurrentPosition(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"lat":        cp.Lat,
			"lng":        cp.Lng,
			"updated_at": cp.UpdatedAt,
		},
	})
}

func (h *HTTP) trail(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_parameters", err.Error())
		return
	}
	ctx := r.Context()

	var (
		tr       position.Trail
		deviceID string
	)
	if tid := first(p, "tracking_id", "tracking_number"); tid != "" {
		t, assoc, err := h.assembler.Assemble(ctx, tid)
		if errors.Is(err, identity.ErrUnassigned) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":     false,
				"error":       "unassigned",
				"message":     "unassigned",
				"destination": assoc.Destination,
				"trail":       []trail.Point{},
			})
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		tr, deviceID = t, assoc.DeviceID
	} else if deviceID = first(p, "device_id"); deviceID != "" {
		tr = h.assembler.ForDevice(ctx, deviceID)
	} else {
		writeError(w, http.StatusBadRequest, "missing_parameters", "tracking_id or device_id is required")
		return
	}

	points := []trail.Point{}
	for rep, err := range tr {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		points = append(points, trail.FromReport(rep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device_id": deviceID, "trail": points})
}

func (h *HTTP) resolveDelivery(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_parameters", err.Error())
		return
	}
	tid := first(p, "tracking_id", "tracking_number")
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters", "tracking_id is required")
		return
	}

	assoc, err := h.resolver.Resolve(r.Context(), tid)
	data := map[string]any{
		"destination_lat": assoc.Destination.Lat,
		"destination_lng": assoc.Destination.Lng,
		"status":          assoc.Status,
	}
	switch {
	case errors.Is(err, identity.ErrUnassigned):
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "unassigned", "message": "unassigned", "data": data})
	case err != nil:
		h.fail(w, r, err)
	default:
		data["device_id"] = assoc.DeviceID
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
	}
}

// eta accepts, in order of precedence: distance_km; from_lat/from_lng/to_lat/to_lng;
// device_id with dest_lat/dest_lng (origin is the device's current position).
func (h *HTTP) eta(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var est eta.Estimate

	switch {
	case first(q, "distance_km") != "":
		km, err := parseFloat(first(q, "distance_km"))
		if err != nil || !(km >= 0 && km <= geo.MaxDistanceKM) {
			writeError(w, http.StatusBadRequest, "invalid_parameters", "distance_km must be between 0 and half the earth's circumference")
			return
		}
		est = h.estimator.FromDistance(km)

	case first(q, "from_lat") != "":
		from, err1 := point(first(q, "from_lat"), first(q, "from_lng"))
		to, err2 := point(first(q, "to_lat"), first(q, "to_lng"))
		if err := errors.Join(err1, err2); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
			return
		}
		est = h.estimator.Estimate(from, to)

	case first(q, "device_id") != "":
		dest, err := point(first(q, "dest_lat"), first(q, "dest_lng"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
			return
		}
		cp, err := h.store.CurrentPosition(r.Context(), first(q, "device_id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		est = h.estimator.Estimate(cp.Point(), dest)

	default:
		writeError(w, http.StatusBadRequest, "missing_parameters", "distance_km, from/to or device_id with dest is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"eta":         est.ETAMinutes,
		"eta_text":    eta.Text(est.ETAMinutes),
		"distance_km": est.DistanceKM,
	})
}

func point(lat, lng string) (geo.Point, error) {
	la, err1 := parseFloat(lat)
	ln, err2 := parseFloat(lng)
	if err1 != nil || err2 != nil {
		return geo.Point{}, geo.ErrInvalidCoordinate
	}
	p := geo.Point{Lat: la, Lng: ln}
	return p, p.Validate()
}

func (h *HTTP) snapshot(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_parameters", err.Error())
		return
	}
	tid := first(p, "tracking_id", "tracking_number")
	if tid == "" {
		writeError(w, http.StatusBadRequest, "missing_parameters", "tracking_id is required")
		return
	}

	snap, err := h.assembler.Snapshot(r.Context(), tid)
	switch {
	case errors.Is(err, identity.ErrUnassigned):
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "unassigned", "message": "unassigned", "data": snap})
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": snap})
	}
}

func (h *HTTP) devices(w http.ResponseWriter, r *http.Request) {
	if h.adminKey == "" {
		writeError(w, http.StatusForbidden, "forbidden", "device listing is disabled")
		return
	}
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}

	list, err := h.store.Devices(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(list), "devices": list})
}
