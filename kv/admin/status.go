package admin

import (
	"net/http"

	"github.com/tinypg/tinypg/kv/engine"
	"github.com/unrolled/render"
)

type statusHandler struct {
	e  *engine.Engine
	rd *render.Render
}

func newStatusHandler(e *engine.Engine, rd *render.Render) *statusHandler {
	return &statusHandler{
		e:  e,
		rd: rd,
	}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.e.Status())
}
