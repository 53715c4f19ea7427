package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/HerbHall/plughost/internal/configstore"
	"github.com/HerbHall/plughost/internal/host"
	"github.com/HerbHall/plughost/internal/installer"
	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/registry"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// PluginResponse describes a registered plugin.
type PluginResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Description  string         `json:"description,omitempty"`
	Priority     int            `json:"priority"`
	Enabled      bool           `json:"enabled"`
	State        registry.State `json:"state"`
	Error        string         `json:"error,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Builtin      bool           `json:"builtin"`
}

// PluginDetail adds configuration and runtime information to PluginResponse.
type PluginDetail struct {
	PluginResponse
	Schema  manifest.Schema `json:"schema"`
	Options map[string]any  `json:"options"`
	Info    string          `json:"info,omitempty"`
	Emits   []string        `json:"emits,omitempty"`
	Listens []string        `json:"listens,omitempty"`
}

// EnabledRequest is the body of PUT /api/v1/plugins/{id}/enabled.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// OptionRequest is the body of PUT /api/v1/plugins/{id}/options/{key}.
type OptionRequest struct {
	Value any `json:"value"`
}

// OptionResponse reports an option's value after a change.
type OptionResponse struct {
	Plugin string `json:"plugin"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

func pluginResponse(rec registry.Record) PluginResponse {
	m := rec.Manifest
	resp := PluginResponse{
		ID:           m.ID,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Priority:     rec.Priority,
		Enabled:      rec.Enabled,
		State:        rec.State,
		Dependencies: m.Dependencies,
		Capabilities: rec.Caps.Names(),
		Builtin:      m.Dir == "",
	}
	if rec.Err != nil {
		resp.Error = rec.Err.Error()
	}
	return resp
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	recs := s.host.Plugins()
	out := make([]PluginResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, pluginResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.host.Plugin(id)
	if !ok {
		NotFound(w, fmt.Sprintf("plugin %q not found", id), r.URL.Path)
		return
	}
	detail := PluginDetail{
		PluginResponse: pluginResponse(rec),
		Schema:         rec.Manifest.ConfigSchema,
		Options:        s.host.OptionValues(id),
		Emits:          rec.Manifest.Emits,
		Listens:        rec.Manifest.Listens,
	}
	if detail.Schema == nil {
		detail.Schema = manifest.Schema{}
	}
	if info, ok := s.host.PluginInfo(id); ok {
		detail.Info = info
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req EnabledRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		BadRequest(w, `missing "enabled" field`, r.URL.Path)
		return
	}
	if err := s.host.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		s.writeHostError(w, r, err)
		return
	}
	rec, _ := s.host.Plugin(id)
	writeJSON(w, http.StatusOK, pluginResponse(rec))
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	id, key := r.PathValue("id"), r.PathValue("key")
	var req OptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.host.SetOption(id, key, req.Value); err != nil {
		s.writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OptionResponse{Plugin: id, Key: key, Value: s.host.OptionValues(id)[key]})
}

func (s *Server) handleToggleOption(w http.ResponseWriter, r *http.Request) {
	id, key := r.PathValue("id"), r.PathValue("key")
	v, err := s.host.ToggleOption(id, key)
	if err != nil {
		s.writeHostError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OptionResponse{Plugin: id, Key: key, Value: v})
}

func (s *Server) handleMenu(w http.ResponseWriter, _ *http.Request) {
	items := s.host.MenuItems()
	if items == nil {
		items = []host.MenuEntry{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Reload(r.Context()); err != nil {
		s.writeHostError(w, r, err)
		return
	}
	s.handlePlugins(w, r)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort installs halfway.
	jobs, err := s.host.Rescan(context.WithoutCancel(r.Context()))
	if err != nil && len(jobs) == 0 {
		s.writeHostError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("rescan finished with errors", zap.Error(err))
	}
	if jobs == nil {
		jobs = []*installer.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		Conflict(w, "install journal is disabled", r.URL.Path)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			BadRequest(w, "limit must be an integer between 1 and 1000", r.URL.Path)
			return
		}
		limit = n
	}
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list install jobs", zap.Error(err))
		InternalError(w, "failed to list install jobs", r.URL.Path)
		return
	}
	if jobs == nil {
		jobs = []installer.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// writeHostError maps host errors onto problem responses.
func (s *Server) writeHostError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, host.ErrUnknownPlugin), errors.Is(err, host.ErrUnknownOption):
		NotFound(w, err.Error(), r.URL.Path)
	case errors.Is(err, host.ErrNotToggleable), errors.Is(err, configstore.ErrTypeMismatch):
		BadRequest(w, err.Error(), r.URL.Path)
	case errors.Is(err, host.ErrNoInstaller), errors.Is(err, host.ErrNotStarted):
		Conflict(w, err.Error(), r.URL.Path)
	default:
		s.logger.Error("host operation failed", zap.String("path", r.URL.Path), zap.Error(err))
		InternalError(w, err.Error(), r.URL.Path)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
		return false
	}
	return true
}
