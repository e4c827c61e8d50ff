package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/models"
	kerr "github.com/hyperjump/kensaku/pkg/errors"
)

type searchFailure struct {
	*models.SearchResponse
	Error string `json:"error"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.CodeQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid request body"))
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	resp, err := s.session.Engine.SearchCode(r.Context(), query)
	if err != nil {
		s.logger.Warn("search failed", zap.String("reason", resp.Reason), zap.Error(err))
		s.respondJSON(w, kerr.HTTPStatus(err), searchFailure{SearchResponse: resp, Error: err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type fileChangedRequest struct {
	Path       string            `json:"path"`
	Spans      []models.CodeSpan `json:"spans"`
	Size       int64             `json:"size"`
	ModifiedAt time.Time         `json:"modified_at"`
	FileType   string            `json:"file_type"`
}

// handleFileChanged applies a FileChanged event. A body without spans makes the server read
// and extract the file from disk itself.
func (s *Server) handleFileChanged(w http.ResponseWriter, r *http.Request) {
	var req fileChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "path is required"))
		return
	}
	path := s.session.RelPath(req.Path)
	var err error
	if req.Spans == nil {
		err = s.session.IngestFile(r.Context(), req.Path)
	} else {
		for i := range req.Spans {
			if req.Spans[i].FilePath != "" {
				req.Spans[i].FilePath = s.session.RelPath(req.Spans[i].FilePath)
			}
		}
		file := models.ProjectFile{
			Path:       path,
			Name:       filepath.Base(path),
			FileType:   req.FileType,
			Size:       req.Size,
			ModifiedAt: req.ModifiedAt,
		}
		err = s.session.Pipeline.Apply(r.Context(), models.FileChanged(file, req.Spans))
	}
	if err != nil {
		s.logger.Warn("file change failed", zap.String("path", path), zap.Error(err))
		s.respondError(w, err)
		return
	}
	status, _ := s.session.Pipeline.FileStatus(path)
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleFileRemoved(w http.ResponseWriter, r *http.Request) {
	path, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	if err := s.session.RemoveFile(r.Context(), path); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": s.session.RelPath(path), "status": "removed"})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.session.Store.AllFiles(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if files == nil {
		files = []*models.ProjectFile{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFileSpans(w http.ResponseWriter, r *http.Request) {
	path, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	spans, err := s.session.Store.SpansForFile(r.Context(), s.session.RelPath(path))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"path": s.session.RelPath(path), "spans": spans})
}

func (s *Server) handleRelatedFiles(w http.ResponseWriter, r *http.Request) {
	path, ok := s.requirePath(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "limit must be a non-negative integer", kerr.Field("limit", v)))
			return
		}
		limit = n
	}
	files, err := s.session.Engine.SuggestRelatedFiles(r.Context(), s.session.RelPath(path), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if files == nil {
		files = []*models.ProjectFile{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.session.Engine.IndexStatus(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.Pipeline.Sweep(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "watch not enabled"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "watch not enabled"})
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid request body"))
		return
	}
	if req.Path == "" {
		s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "path is required"))
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid path"))
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, kerr.New(kerr.CodeFileNotFound, "directory not found", kerr.FieldPath(abs)))
			return
		}
		s.respondError(w, err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "path is not a directory", kerr.FieldPath(abs)))
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "watch not enabled"})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "path is required (query or body)"))
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, kerr.Wrap(err, kerr.CodeRequestInvalidInput, "invalid path"))
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories writes the current roots back to the config file, if one is set.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		s.respondError(w, kerr.New(kerr.CodeRequestInvalidInput, "path query parameter is required"))
		return "", false
	}
	return path, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err's code onto an HTTP status and a machine-readable reason.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, kerr.HTTPStatus(err), map[string]string{
		"error":  err.Error(),
		"reason": kerr.ReasonOf(err),
	})
}
