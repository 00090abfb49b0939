package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/agent"
	"github.com/nidhogg/agentvault/internal/persist"
	"github.com/nidhogg/agentvault/internal/registry"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
	"github.com/nidhogg/agentvault/internal/tool"
)

// maxImportBytes bounds an uploaded state document.
const maxImportBytes = 32 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	catalog  *tool.Catalog
	scripts  map[string]*tool.ScriptTool
	logger   *zap.Logger
}

// NewHandler creates a new API handler. Scripts are the named script tools
// that can be attached by reference.
func NewHandler(reg *registry.Registry, serializer *serial.Engine, scripts []*tool.ScriptTool, logger *zap.Logger) *Handler {
	h := &Handler{
		registry: reg,
		catalog:  serializer.Catalog(),
		scripts:  make(map[string]*tool.ScriptTool, len(scripts)),
		logger:   logger,
	}
	for _, s := range scripts {
		h.scripts[s.Name()] = s
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Post("/agents/evict", h.evictIdle)

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", h.getAgent)
			r.Delete("/", h.deleteAgent)
			r.Post("/clone", h.cloneAgent)
			r.Post("/run", h.runAgent)

			r.Get("/tools", h.listTools)
			r.Post("/tools", h.addTool)
			r.Delete("/tools/{name}", h.removeTool)
			r.Post("/tools/{name}/call", h.callTool)

			r.Post("/data", h.addData)
			r.Delete("/data", h.removeData)
			r.Post("/software", h.addSoftware)
			r.Delete("/software", h.removeSoftware)

			r.Get("/export", h.exportAgent)
			r.Post("/import", h.importAgent)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"resident": len(h.registry.Resident()),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	ids, err := h.registry.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": ids, "resident": h.registry.Resident()})
}

type createRequest struct {
	ID     string       `json:"id"`
	Config state.Config `json:"config"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.registry.Create(r.Context(), req.ID, req.Config)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Summary())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	removeFiles := true
	if v := r.URL.Query().Get("remove_files"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid remove_files")
			return
		}
		removeFiles = b
	}
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id"), removeFiles); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cloneRequest struct {
	Target string `json:"target"`
}

func (h *Handler) cloneAgent(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.registry.Clone(r.Context(), chi.URLParam(r, "id"), req.Target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Summary())
}

func (h *Handler) evictIdle(w http.ResponseWriter, r *http.Request) {
	maxIdle := time.Duration(0)
	if v := r.URL.Query().Get("max_idle"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_idle")
			return
		}
		maxIdle = d
	}
	evicted := h.registry.EvictIdle(r.Context(), maxIdle)
	if evicted == nil {
		evicted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

type runRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) runAgent(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decode(w, r, &req) {
		return
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	res, err := a.Run(r.Context(), req.Prompt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.ListTools())
}

// toolRequest describes a tool to attach. Kind "script" compiles Expr over
// Params; "library" attaches a preloaded script named Script; any other
// kind binds State to a registered handler.
type toolRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        string         `json:"kind"`
	Params      []string       `json:"params,omitempty"`
	Expr        string         `json:"expr,omitempty"`
	Script      string         `json:"script,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

func (h *Handler) buildTool(req toolRequest) (tool.Tool, error) {
	switch req.Kind {
	case "script":
		return tool.NewScript(req.Name, req.Description, req.Params, req.Expr)
	case "library":
		s, ok := h.scripts[req.Script]
		if !ok {
			return nil, errors.New("unknown script " + strconv.Quote(req.Script))
		}
		return s, nil
	case "":
		return nil, errors.New("missing kind")
	default:
		return h.catalog.Bind(req.Name, req.Description, req.Kind, req.State)
	}
}

func (h *Handler) addTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.buildTool(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.AddTool(r.Context(), t); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.ListTools())
}

func (h *Handler) removeTool(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.RemoveTool(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) callTool(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if r.ContentLength != 0 && !decode(w, r, &args) {
		return
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	out, err := a.CallTool(r.Context(), chi.URLParam(r, "name"), args)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

type dataRequest struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (h *Handler) addData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decode(w, r, &req) {
		return
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.AddData(r.Context(), req.Path, req.Description); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Summary())
}

func (h *Handler) removeData(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.RemoveData(r.Context(), r.URL.Query().Get("path")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type softwareRequest struct {
	Spec        string `json:"spec"`
	Description string `json:"description"`
	Install     bool   `json:"install"`
}

func (h *Handler) addSoftware(w http.ResponseWriter, r *http.Request) {
	var req softwareRequest
	if !decode(w, r, &req) {
		return
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.AddSoftware(r.Context(), req.Spec, req.Description, req.Install); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Summary())
}

func (h *Handler) removeSoftware(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.RemoveSoftware(r.Context(), r.URL.Query().Get("spec")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) exportAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+a.Identity()+`.json"`)
	if err := a.Export(w); err != nil {
		h.logger.Error("export failed", zap.String("identity", a.Identity()), zap.Error(err))
	}
}

func (h *Handler) importAgent(w http.ResponseWriter, r *http.Request) {
	merge := false
	if v := r.URL.Query().Get("merge"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid merge")
			return
		}
		merge = b
	}
	a, ok := h.agent(w, r)
	if !ok {
		return
	}
	if err := a.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes), merge); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Summary())
}

// agent resolves the {id} parameter to a resident agent, loading it if
// needed.
func (h *Handler) agent(w http.ResponseWriter, r *http.Request) (*persist.Agent, bool) {
	a, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return a, true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrInvalidIdentity), errors.Is(err, agent.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound), errors.Is(err, persist.ErrUnknownEntry):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, state.ErrCorrupt), errors.Is(err, tool.ErrNotCallable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, persist.ErrLockTimeout), errors.Is(err, persist.ErrRetired), errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, persist.ErrDelegate):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
