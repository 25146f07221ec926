// Package httpapi is the HTTP surface described in spec §6: routing,
// content negotiation and error mapping in front of the ingest orchestrator
// and CAS store.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/zipcas/zipcasd/internal/cas"
	"github.com/zipcas/zipcasd/internal/ingest"
	"github.com/zipcas/zipcasd/internal/logging"
	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

// Limits mirrors ingest.Limits plus the spool knobs the HTTP layer needs to
// thread through to the orchestrator.
type Limits struct {
	ingest.Limits
	SpoolDir  string
	KeepSpool bool
}

// Server wires the CAS store and ingest orchestrator behind gorilla/mux
// routes.
type Server struct {
	Store  *cas.Store
	Limits Limits
	Log    *logging.Logger

	router *mux.Router
}

// NewServer builds a ready-to-serve Server.
func NewServer(store *cas.Store, limits Limits, log *logging.Logger) *Server {
	s := &Server{Store: store, Limits: limits, Log: log}
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.routes()
	return s
}

// loggingMiddleware logs method, path, status and duration for every
// request (spec §A.1).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Log == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Log.Info("request handled", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// statusWriter records the status code passed to WriteHeader so the logging
// middleware can report it after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/filesets", s.handleCreateFileset).Methods(http.MethodPost)
	s.router.HandleFunc("/filesets/{id}", s.handleGetFileset).Methods(http.MethodGet)
	s.router.HandleFunc("/objects/{sha}", s.handleGetObject).Methods(http.MethodGet)
	s.router.HandleFunc("/refs/{name}", s.handleGetRef).Methods(http.MethodGet)
	s.router.HandleFunc("/openapi.yaml", s.handleStaticDoc("application/yaml")).Methods(http.MethodGet)
	s.router.HandleFunc("/openapi.json", s.handleStaticDoc("application/json")).Methods(http.MethodGet)
	s.router.HandleFunc("/apidocs", s.handleStaticDoc("text/html")).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// createResponse is the JSON body returned from a successful POST
// /filesets (spec §6 "Fileset-create response").
type createResponse struct {
	FilesetID  string           `json:"filesetId"`
	UpdatedRef *string          `json:"updatedRef"`
	Manifest   *ingest.Manifest `json:"manifest"`
}

func (s *Server) handleCreateFileset(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/zip") {
		writeError(w, zipcaserr.New(zipcaserr.KindUnsupportedMediaType, "httpapi.handleCreateFileset",
			fmt.Errorf("Content-Type %q is not application/zip", ct)))
		return
	}

	updateRef := "latest"
	if v := r.URL.Query().Get("update_ref"); r.URL.Query().Has("update_ref") {
		updateRef = v
	}

	manifest, err := ingest.Ingest(r.Context(), s.Store, r.Body, s.Limits.Limits, s.Limits.SpoolDir, s.Limits.KeepSpool, s.Log)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		writeError(w, zipcaserr.New(zipcaserr.KindInternal, "httpapi.handleCreateFileset", err))
		return
	}
	if err := s.Store.WriteFileset(manifest.FilesetID, data); err != nil {
		writeError(w, zipcaserr.New(zipcaserr.KindInternal, "httpapi.handleCreateFileset", err))
		return
	}

	var updatedRef *string
	if updateRef != "" {
		if err := s.Store.WriteRef(updateRef, manifest.FilesetID); err != nil {
			writeError(w, zipcaserr.New(zipcaserr.KindInternal, "httpapi.handleCreateFileset", err))
			return
		}
		updatedRef = &updateRef
	}

	w.Header().Set("Location", "/filesets/"+manifest.FilesetID)
	w.WriteHeader(http.StatusCreated)

	if accepts(r, "application/json") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(createResponse{
			FilesetID:  manifest.FilesetID,
			UpdatedRef: updatedRef,
			Manifest:   manifest,
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, manifest.FilesetID)
}

func (s *Server) handleGetFileset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, "empty fileset id", http.StatusBadRequest)
		return
	}
	data, err := s.Store.ReadFileset(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"sha256:`+id+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha"]
	if sha == "" {
		http.Error(w, "empty object hash", http.StatusBadRequest)
		return
	}

	etag := `"sha256:` + sha + `"`

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, tok := range strings.Split(inm, ",") {
			if strings.TrimSpace(tok) == etag {
				w.Header().Set("ETag", etag)
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	if ae := r.Header.Get("Accept-Encoding"); ae != "" {
		if !strings.Contains(ae, "br") && !strings.Contains(ae, "*") {
			writeError(w, zipcaserr.New(zipcaserr.KindNotAcceptable, "httpapi.handleGetObject",
				fmt.Errorf("Accept-Encoding %q does not permit br", ae)))
			return
		}
	}

	f, err := s.Store.OpenObject(sha)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "br")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func (s *Server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name == "" {
		http.Error(w, "empty ref name", http.StatusBadRequest)
		return
	}
	value, err := s.Store.ReadRef(name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, value)
}

func (s *Server) handleStaticDoc(contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "zipcas API documentation (%s) not yet generated\n", contentType)
	}
}

// accepts reports whether r's Accept header includes mediaType or "*/*". A
// request without an Accept header accepts every type.
func accepts(r *http.Request, mediaType string) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	return strings.Contains(accept, mediaType) || strings.Contains(accept, "*/*")
}

func writeError(w http.ResponseWriter, err error) {
	kind := zipcaserr.KindOf(err)
	status := zipcaserr.HTTPStatus(kind)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprint(w, errorMessage(kind, err))
}

func errorMessage(kind zipcaserr.Kind, err error) string {
	switch kind {
	case zipcaserr.KindUnsupportedMediaType:
		return "Expected Content-Type: application/zip"
	case zipcaserr.KindNotAcceptable:
		return "Not Acceptable (need br)"
	case zipcaserr.KindNotFound:
		return "Not Found"
	default:
		return err.Error()
	}
}
