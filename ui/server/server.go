// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olivere/servicequeue"
)

// Server is a simple web server exposing the service queue over JSON
// endpoints and a WebSocket backend for push updates.
type Server struct {
	m *servicequeue.Manager
}

// New initializes a new Server.
func New(m *servicequeue.Manager) *Server {
	return &Server{
		m: m,
	}
}

// Handler returns the HTTP handler of the server.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{m: srv.m})
	r.HandleFunc("/requests", srv.requests)
	r.HandleFunc("/status", srv.status)
	r.HandleFunc("/stats", srv.stats)
	r.HandleFunc("/reset", srv.reset)
	r.HandleFunc("/recreate", srv.recreate)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/", http.FileServer(http.Dir("public")))
	return r
}

// Serve starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	return http.ListenAndServe(addr, srv.Handler())
}

// requests handles submission (POST) and listing (GET).
func (srv *Server) requests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		srv.submit(w, r)
	case http.MethodGet:
		srv.list(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (srv *Server) submit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	req, err := srv.m.Submit(r.Context(), body.Owner)
	if err != nil {
		if ae, ok := servicequeue.IsAdmissionError(err); ok {
			code := http.StatusServiceUnavailable
			if ae.Reason == servicequeue.ReasonRateLimited {
				code = http.StatusTooManyRequests
			}
			writeJSON(w, code, map[string]interface{}{
				"success": false,
				"message": ae.Error(),
				"reason":  ae.Reason,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"request": req,
	})
}

func (srv *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	request := &servicequeue.ListRequest{
		Owner:  q.Get("owner"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		request.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		request.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		request.Since = t
	}
	rsp, err := srv.m.List(r.Context(), request)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"total":    rsp.Total,
		"requests": rsp.Requests,
	})
}

func (srv *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := srv.m.SystemStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  status,
	})
}

func (srv *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.m.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

func (srv *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := srv.m.ResetAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "all requests removed",
	})
}

func (srv *Server) recreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := srv.m.RecreateStore(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "storage recreated",
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
