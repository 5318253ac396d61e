package admin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/engine"
	"github.com/tinypg/tinypg/kv/replication"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/unrolled/render"
)

var errNotPrimary = errors.New("replication slots exist only on a primary")

type slotsHandler struct {
	e  *engine.Engine
	rd *render.Render
}

func newSlotsHandler(e *engine.Engine, rd *render.Render) *slotsHandler {
	return &slotsHandler{
		e:  e,
		rd: rd,
	}
}

// CreateSlotInput is the body of a slot creation request. A zero LSN starts
// the slot at the end of the log.
type CreateSlotInput struct {
	Name string  `json:"name"`
	Sync bool    `json:"sync"`
	LSN  wal.LSN `json:"lsn"`
}

func (h *slotsHandler) manager(w http.ResponseWriter) *replication.Manager {
	m := h.e.Replication()
	if m == nil {
		h.rd.JSON(w, http.StatusBadRequest, errNotPrimary.Error())
	}
	return m
}

// errorStatus maps slot errors to HTTP status codes.
func errorStatus(err error) int {
	switch errors.Cause(err).(type) {
	case txnerr.ErrSlotNotFound:
		return http.StatusNotFound
	case txnerr.ErrSlotExists:
		return http.StatusConflict
	}
	switch errors.Cause(err) {
	case wal.ErrCompacted:
		return http.StatusGone
	case replication.ErrSlotActive:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *slotsHandler) List(w http.ResponseWriter, r *http.Request) {
	m := h.manager(w)
	if m == nil {
		return
	}
	h.rd.JSON(w, http.StatusOK, m.Slots())
}

func (h *slotsHandler) Get(w http.ResponseWriter, r *http.Request) {
	m := h.manager(w)
	if m == nil {
		return
	}
	info, err := m.Get(mux.Vars(r)["name"])
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, info)
}

func (h *slotsHandler) Post(w http.ResponseWriter, r *http.Request) {
	m := h.manager(w)
	if m == nil {
		return
	}
	var input CreateSlotInput
	if err := readJSON(r.Body, &input); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(input.Name) == 0 {
		h.rd.JSON(w, http.StatusBadRequest, "missing slot name")
		return
	}
	var (
		info replication.SlotInfo
		err  error
	)
	if input.LSN == wal.InvalidLSN {
		info, err = m.Attach(input.Name, input.Sync)
	} else {
		info, err = m.AttachAt(input.Name, input.Sync, input.LSN)
	}
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusCreated, info)
}

// Demote makes a synchronous slot asynchronous and releases the commits
// waiting for it.
func (h *slotsHandler) Demote(w http.ResponseWriter, r *http.Request) {
	m := h.manager(w)
	if m == nil {
		return
	}
	if err := m.Demote(mux.Vars(r)["name"]); err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *slotsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	m := h.manager(w)
	if m == nil {
		return
	}
	if err := m.Drop(mux.Vars(r)["name"]); err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}
