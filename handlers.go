package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/akhenakh/farmit-overlay/catalog"
	"github.com/akhenakh/farmit-overlay/overlay"
	"github.com/akhenakh/farmit-overlay/raster"
)

var errNoSelection = errors.New("name or zone is required")

// selection picks a raster by name, or by zone and game stage.
type selection struct {
	Name  string `json:"name"`
	Zone  string `json:"zone"`
	Stage int    `json:"stage"`
}

func (s selection) resolve(cat *catalog.Catalog) (catalog.Entry, error) {
	switch {
	case s.Name != "":
		return cat.Lookup(s.Name)
	case s.Zone != "":
		return cat.ForStage(s.Zone, s.Stage)
	}
	return catalog.Entry{}, errNoSelection
}

type valueResult struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Value     float64 `json:"value"`
	PixelX    int     `json:"pixel_x"`
	PixelY    int     `json:"pixel_y"`
}

func valueResponse(lat, lon float64, v raster.Value) valueResult {
	return valueResult{Latitude: lat, Longitude: lon, Value: v.Value, PixelX: v.PixelX, PixelY: v.PixelY}
}

func listRastersHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cat.List())
	}
}

func stageRasterHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage, err := strconv.Atoi(r.PathValue("stage"))
		if err != nil {
			http.Error(w, "Invalid stage", http.StatusBadRequest)
			return
		}
		entry, err := cat.ForStage(r.PathValue("zone"), stage)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func overlayStateHandler(slot *overlay.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, slot.State())
	}
}

// selectOverlayHandler starts a selection and answers 202 at once, or with
// ?wait=true once the overlay is placed.
func selectOverlayHandler(cat *catalog.Catalog, slot *overlay.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sel selection
		if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		entry, err := sel.resolve(cat)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}

		ch := slot.Select(r.Context(), entry)
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
			writeJSON(w, http.StatusAccepted, slot.State())
			return
		}

		select {
		case <-r.Context().Done():
			return
		case o := <-ch:
			if o.Err != nil {
				http.Error(w, fmt.Sprintf("Could not load overlay: %v", o.Err), httpStatus(o.Err))
				return
			}
		}
		writeJSON(w, http.StatusOK, slot.State())
	}
}

func clearOverlayHandler(slot *overlay.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

func valueHandler(slot *overlay.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, err := strconv.ParseFloat(r.PathValue("lat"), 64)
		if err != nil {
			http.Error(w, "Invalid latitude", http.StatusBadRequest)
			return
		}
		lon, err := strconv.ParseFloat(r.PathValue("lon"), 64)
		if err != nil {
			http.Error(w, "Invalid longitude", http.StatusBadRequest)
			return
		}
		v, err := slot.ValueAt(lat, lon)
		if err != nil {
			http.Error(w, fmt.Sprintf("Could not retrieve value: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, valueResponse(lat, lon, v))
	}
}

func listLayersHandler(layers *overlay.LayerSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, layers.List())
	}
}

// layerImageHandler serves the encoded image of a layer. Layer ids are
// never reused so the bytes can be cached for good.
func layerImageHandler(layers *overlay.LayerSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		layer, ok := layers.Get(overlay.LayerID(r.PathValue("id")))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", layer.Resource.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(layer.Resource.Data)))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := w.Write(layer.Resource.Data); err != nil {
			slog.Warn("failed to write layer image", "layer", layer.ID, "error", err)
		}
	}
}

// writeJSON encodes v before writing the header, so a value that cannot be
// encoded turns into a 500 rather than an empty 200.
func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func httpStatus(err error) int {
	var nf *catalog.NotFoundError
	switch {
	case errors.As(err, &nf), errors.Is(err, raster.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidStage), errors.Is(err, errNoSelection):
		return http.StatusBadRequest
	case errors.Is(err, overlay.ErrNoDataset), errors.Is(err, overlay.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, raster.ErrLoad):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
