package admin

import (
	"net/http"

	"github.com/tinypg/tinypg/log"
	"github.com/unrolled/render"
)

type logHandler struct {
	rd *render.Render
}

func newLogHandler(rd *render.Render) *logHandler {
	return &logHandler{
		rd: rd,
	}
}

// Handle sets the log level from a JSON string body such as "debug".
func (h *logHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var level string
	if err := readJSON(r.Body, &level); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	log.SetLevelByString(level)
	log.Infof("log level set to %s", level)
	h.rd.JSON(w, http.StatusOK, nil)
}
