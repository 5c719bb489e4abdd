package api

import (
	"net/http"
)

func (a *API) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Stats(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, stats)
}
