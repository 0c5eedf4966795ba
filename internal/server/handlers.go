package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sandbar-dev/sandbar/internal/backend"
	"github.com/sandbar-dev/sandbar/internal/session"
	"github.com/sandbar-dev/sandbar/internal/workspace"
)

// maxUploadBytes caps project archive uploads.
const maxUploadBytes = 256 << 20

func (s *Server) handleCreateProject(w http.ResponseWriter, _ *http.Request) {
	id, err := s.store.CreateProject()
	if err != nil {
		s.logger.Error("project create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"project_id": id,
		"status":     "created",
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", "multipart form must carry a \"file\" part")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		writeError(w, http.StatusBadRequest, "bad_upload", "only .zip archives are accepted")
		return
	}

	// zip.NewReader needs random access; multipart parts do not provide it.
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", err.Error())
		return
	}

	ws, err := s.store.UploadArchive(id, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project_not_found", err.Error())
			return
		}
		s.logger.Error("upload failed", "project", id, "err", err)
		writeError(w, http.StatusBadRequest, "extract_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"project_id":     id,
		"status":         "uploaded",
		"workspace_path": ws,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.registry.Start(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			writeError(w, http.StatusNotFound, "workspace_not_found", "no workspace for project; upload an archive first")
		case errors.Is(err, backend.ErrBackendUnavailable):
			writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
		default:
			s.logger.Error("session start failed", "project", id, "err", err)
			writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"project_id": id,
		"status":     "started",
		"handle_id":  sess.HandleID(),
		"backend":    string(sess.Kind()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	resp := map[string]interface{}{
		"project_id":       id,
		"workspace_exists": s.store.ProjectExists(id),
		"session_running":  false,
	}
	if sess := s.registry.Get(id); sess != nil {
		resp["session_running"] = sess.State() == session.Running
		resp["session_state"] = sess.State().String()
		if hid := sess.HandleID(); hid != "" {
			resp["handle_id"] = hid
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.registry.Stop(r.Context(), id); err != nil {
		s.logger.Error("session stop failed", "project", id, "err", err)
		writeError(w, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	if err := s.store.DeleteProject(id); err != nil {
		s.logger.Error("project delete failed", "project", id, "err", err)
		writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"project_id": id,
		"status":     "deleted",
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.store.ProjectExists(id) {
		writeError(w, http.StatusNotFound, "project_not_found", "project "+id+" does not exist")
		return
	}
	tree, err := s.store.Tree(id)
	if err != nil {
		s.logger.Error("tree read failed", "project", id, "err", err)
		writeError(w, http.StatusInternalServerError, "tree_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"files":      tree,
	})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.PathValue("path")

	data, err := s.store.ReadFile(id, path)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			writeError(w, http.StatusNotFound, "file_not_found", err.Error())
		case errors.Is(err, workspace.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "read_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path":    path,
		"content": string(data),
	})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.PathValue("path")

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be JSON with a \"content\" field")
		return
	}

	if err := s.store.WriteFile(id, path, []byte(body.Content)); err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			writeError(w, http.StatusNotFound, "project_not_found", err.Error())
		case errors.Is(err, workspace.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "write_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path":   path,
		"status": "saved",
	})
}
