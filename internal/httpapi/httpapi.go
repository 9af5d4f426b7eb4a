// Package httpapi exposes the core over HTTP: kernel-spec discovery,
// kernel lifecycle, WebSocket channels and the session registry.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"

	"karl/internal/multikernel"
	"karl/internal/runtime"
	"karl/internal/session"
)

// Server is the HTTP surface over one Runtime.
type Server struct {
	rt  *runtime.Runtime
	mux *http.ServeMux
}

// New wires every route onto a fresh mux.
func New(rt *runtime.Runtime) *Server {
	s := &Server{rt: rt, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /api/kernelspecs", s.listKernelspecs)
	s.mux.HandleFunc("GET /api/kernelspecs/{name}", s.getKernelspec)
	s.mux.HandleFunc("GET /kernelspecs/{name}/{file}", s.kernelspecAsset)

	s.mux.HandleFunc("GET /api/kernels", s.listKernels)
	s.mux.HandleFunc("POST /api/kernels", s.startKernel)
	s.mux.HandleFunc("GET /api/kernels/{id}", s.getKernel)
	s.mux.HandleFunc("DELETE /api/kernels/{id}", s.deleteKernel)
	s.mux.HandleFunc("POST /api/kernels/{id}/restart", s.restartKernel)
	s.mux.HandleFunc("POST /api/kernels/{id}/interrupt", s.interruptKernel)
	s.mux.HandleFunc("GET /api/kernels/{id}/channels", s.kernelChannels)

	s.mux.HandleFunc("GET /api/sessions", s.listSessions)
	s.mux.HandleFunc("POST /api/sessions", s.createSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	s.mux.HandleFunc("PATCH /api/sessions/{id}", s.patchSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("httpapi: encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

// startErrorStatus maps a kernel-start failure to its HTTP status.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, multikernel.ErrNoSuchSpec):
		return http.StatusNotImplemented
	case errors.Is(err, multikernel.ErrDuplicateID):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- kernel specs ---

type specModel struct {
	Name      string            `json:"name"`
	Spec      interface{}       `json:"spec"`
	Resources map[string]string `json:"resources"`
}

func (s *Server) specModelFor(name string) (specModel, bool) {
	spec, ok := s.rt.Specs.Get(name)
	if !ok {
		return specModel{}, false
	}
	resources := map[string]string{}
	if assets, err := spec.StaticAssets(); err == nil {
		for _, a := range assets {
			resources[a] = fmt.Sprintf("/kernelspecs/%s/%s", name, a)
		}
	}
	return specModel{Name: name, Spec: spec, Resources: resources}, true
}

func (s *Server) listKernelspecs(w http.ResponseWriter, r *http.Request) {
	specs := map[string]specModel{}
	for _, name := range s.rt.Specs.Names() {
		if m, ok := s.specModelFor(name); ok {
			specs[name] = m
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":     s.rt.Specs.Default(),
		"kernelspecs": specs,
	})
}

func (s *Server) getKernelspec(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, ok := s.specModelFor(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no kernel spec %q", name)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) kernelspecAsset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	file := r.PathValue("file")
	spec, ok := s.rt.Specs.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no kernel spec %q", name)
		return
	}
	assets, err := spec.StaticAssets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list assets: %v", err)
		return
	}
	for _, a := range assets {
		if a == file {
			http.ServeFile(w, r, filepath.Join(spec.ResourceDir, a))
			return
		}
	}
	writeError(w, http.StatusNotFound, "no asset %q for kernel spec %q", file, name)
}

// --- kernels ---

type startKernelRequest struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	KernelID string `json:"kernel_id"`
}

func (s *Server) listKernels(w http.ResponseWriter, r *http.Request) {
	models := s.rt.Kernels.ListModels()
	if models == nil {
		models = []multikernel.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) startKernel(w http.ResponseWriter, r *http.Request) {
	var req startKernelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}

	id, err := s.rt.Kernels.Start(req.Name, req.Path, nil, req.KernelID)
	if err != nil {
		writeError(w, startErrorStatus(err), "start kernel: %v", err)
		return
	}
	model, _ := s.rt.Kernels.ModelFor(id)
	w.Header().Set("Location", "/api/kernels/"+id)
	writeJSON(w, http.StatusCreated, model)
}

func (s *Server) getKernel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	model, ok := s.rt.Kernels.ModelFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no kernel %q", id)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) deleteKernel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rt.Kernels.Shutdown(id, false, false); err != nil {
		if errors.Is(err, multikernel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no kernel %q", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "shutdown: %v", err)
		return
	}
	s.dropSessionsFor(r, id)
	w.WriteHeader(http.StatusNoContent)
}

// dropSessionsFor eagerly removes session rows bound to a kernel that was
// just deleted. The registry also invalidates such rows lazily on read;
// this keeps the table from accumulating dead bindings in the meantime.
func (s *Server) dropSessionsFor(r *http.Request, kernelID string) {
	if s.rt.Sessions == nil {
		return
	}
	rows, err := s.rt.Sessions.GetByKernelID(r.Context(), kernelID)
	if err != nil {
		log.Printf("httpapi: sessions for kernel %s: %v", kernelID, err)
		return
	}
	for _, m := range rows {
		if err := s.rt.Sessions.Delete(r.Context(), m.SessionID); err != nil {
			log.Printf("httpapi: drop session %s: %v", m.SessionID, err)
		}
	}
}

func (s *Server) restartKernel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rt.Kernels.Restart(id, false); err != nil {
		if errors.Is(err, multikernel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no kernel %q", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "restart: %v", err)
		return
	}
	model, _ := s.rt.Kernels.ModelFor(id)
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) interruptKernel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rt.Kernels.Interrupt(id); err != nil {
		if errors.Is(err, multikernel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no kernel %q", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "interrupt: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) kernelChannels(w http.ResponseWriter, r *http.Request) {
	s.rt.Bridge.Serve(w, r, r.PathValue("id"))
}

// --- sessions ---

type sessionKernelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createSessionRequest struct {
	Path   string           `json:"path"`
	Name   string           `json:"name"`
	Type   string           `json:"type"`
	Kernel sessionKernelRef `json:"kernel"`
}

func (s *Server) sessions(w http.ResponseWriter) *session.Registry {
	if s.rt.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store not configured (set KARL_SESSION_DB)")
		return nil
	}
	return s.rt.Sessions
}

func validSessionType(t string) bool {
	switch session.Type(t) {
	case session.TypeNotebook, session.TypeFile, session.TypeConsole:
		return true
	}
	return false
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	reg := s.sessions(w)
	if reg == nil {
		return
	}
	models, err := reg.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	if models == nil {
		models = []session.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	reg := s.sessions(w)
	if reg == nil {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	if !validSessionType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown session type %q", req.Type)
		return
	}
	model, err := reg.Create(r.Context(), req.Path, req.Name, session.Type(req.Type), req.Kernel.Name, req.Kernel.ID)
	if err != nil {
		writeError(w, startErrorStatus(err), "create session: %v", err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+model.SessionID)
	writeJSON(w, http.StatusCreated, model)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	reg := s.sessions(w)
	if reg == nil {
		return
	}
	id := r.PathValue("id")
	model, ok, err := reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get session: %v", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no session %q", id)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) patchSession(w http.ResponseWriter, r *http.Request) {
	reg := s.sessions(w)
	if reg == nil {
		return
	}
	id := r.PathValue("id")
	var body struct {
		Path *string `json:"path"`
		Name *string `json:"name"`
		Type *string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	patch := session.Patch{Path: body.Path, Name: body.Name}
	if body.Type != nil {
		if !validSessionType(*body.Type) {
			writeError(w, http.StatusBadRequest, "unknown session type %q", *body.Type)
			return
		}
		t := session.Type(*body.Type)
		patch.Type = &t
	}
	model, err := reg.Update(r.Context(), id, patch)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no session %q", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "update session: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	reg := s.sessions(w)
	if reg == nil {
		return
	}
	id := r.PathValue("id")
	_, ok, err := reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get session: %v", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no session %q", id)
		return
	}
	if err := reg.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete session: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
