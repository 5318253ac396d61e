package admin

import (
	"net/http"
	"strconv"

	"github.com/tinypg/tinypg/kv/engine"
	"github.com/unrolled/render"
)

type maintenanceHandler struct {
	e  *engine.Engine
	rd *render.Render
}

func newMaintenanceHandler(e *engine.Engine, rd *render.Render) *maintenanceHandler {
	return &maintenanceHandler{
		e:  e,
		rd: rd,
	}
}

// Checkpoint runs a manual checkpoint and returns its result.
func (h *maintenanceHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	res, err := h.e.Checkpoint()
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, res)
}

// Vacuum runs a vacuum. With ?freeze=true every id behind the horizon is frozen.
func (h *maintenanceHandler) Vacuum(w http.ResponseWriter, r *http.Request) {
	freeze := false
	if v := r.URL.Query().Get("freeze"); v != "" {
		var err error
		if freeze, err = strconv.ParseBool(v); err != nil {
			h.rd.JSON(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	stats, err := h.e.Vacuum(freeze)
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, stats)
}
