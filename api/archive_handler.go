package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
	"github.com/readwell/enrich/job"
)

func (a *API) listArchive(w http.ResponseWriter, r *http.Request) {
	opts := archive.ListOpts{Limit: 100}

	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.respondError(w, &enrich.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.respondError(w, &enrich.ValidationError{Field: "offset", Reason: "must be a non-negative integer"})
			return
		}
		opts.Offset = n
	}
	if raw := q.Get("publisher_id"); raw != "" {
		publisherID, err := id.ParsePublisherID(raw)
		if err != nil {
			a.respondError(w, &enrich.ValidationError{Field: "publisher_id", Reason: fmt.Sprintf("invalid id: %v", err)})
			return
		}
		opts.PublisherID = publisherID
	}
	if raw := q.Get("final_state"); raw != "" {
		opts.FinalState = job.State(raw)
	}

	entries, err := a.eng.Archives().ArchiveStore().ListArchive(r.Context(), opts)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, entries)
}

func (a *API) resubmitArchived(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseArchiveID(chi.URLParam(r, "entryID"))
	if err != nil {
		a.respondError(w, &enrich.ValidationError{Field: "entry_id", Reason: fmt.Sprintf("invalid id: %v", err)})
		return
	}

	j, err := a.eng.Archives().Resubmit(r.Context(), entryID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusCreated, j)
}
