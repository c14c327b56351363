// Package routing is the thin HTTP adapter in front of the federation
// sender/receiver: it decodes incoming transactions and invites, hands the
// PDUs to the roomserver ingestion pipeline, and translates the result back
// into a util.JSONResponse the way the teacher's clientapi/routing handlers
// do throughout (a plain func(*http.Request) util.JSONResponse, wired onto
// gorilla/mux separately from the handler body itself).
package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
)

// Setup registers the server-server transaction and invite endpoints on
// router. Authentication (X-Matrix request signing) and the rest of the
// federation API surface are out of scope; this exists to exercise the
// ingestion pipeline end to end from an HTTP boundary.
func Setup(router *mux.Router, t *TransactionHandler) {
	router.Handle("/send/{txnID}", jsonHandler(t.Send)).Methods(http.MethodPut)
	router.Handle("/invite/{roomID}/{eventID}", jsonHandler(t.Invite)).Methods(http.MethodPut)
}

func jsonHandler(h func(*http.Request) util.JSONResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		res := h(req)
		body, err := json.Marshal(res.JSON)
		if err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("failed to marshal JSONResponse")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.Code)
		_, _ = w.Write(body)
	}
}
