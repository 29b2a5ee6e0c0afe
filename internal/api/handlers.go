package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
)

// AddMemoryRequest is the body of POST /v1/memories.
type AddMemoryRequest struct {
	Content string              `json:"content"`
	Context model.MemoryContext `json:"context"`
}

// CreateSnapshotRequest is the body of POST /v1/snapshots.
type CreateSnapshotRequest struct {
	MemoryIDs  []string `json:"memory_ids"`
	Category   string   `json:"category,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
}

// CreateMetaRequest is the body of POST /v1/meta-snapshots.
type CreateMetaRequest struct {
	SnapshotIDs []string `json:"snapshot_ids"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
}

type clusterRequest struct {
	Force bool `json:"force"`
}

type cleanupRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req AddMemoryRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.Context.SessionID == "" {
		req.Context.SessionID = uuid.NewString()
	}

	res, err := s.manager.AddMemory(r.Context(), req.Content, req.Context)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGet(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, found, err := s.store.Load(r.Context(), kind, id)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !found {
			writeJSONError(w, fmt.Sprintf("%s %s not found", kind, id), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleFindCategory(w http.ResponseWriter, r *http.Request) {
	kind := model.KindSnapshot
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := model.ParseKind(k)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		kind = parsed
	}
	recs, err := s.manager.FindByCategory(r.Context(), kind, r.PathValue("category"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	snap, err := s.manager.CreateSnapshot(r.Context(), req.MemoryIDs, req.Category, req.Importance)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleCreateMeta(w http.ResponseWriter, r *http.Request) {
	var req CreateMetaRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.manager.CreateMetaSnapshot(r.Context(), req.SnapshotIDs, req.Category, req.Description)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.manager.ClusterSnapshots(r.Context(), req.Force)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta_snapshots": res, "created": len(res)})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.manager.Pending(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.CurrentQuery) == "" {
		writeJSONError(w, "current_query is required", http.StatusBadRequest)
		return
	}
	resp, err := s.engine.Retrieve(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	removed, err := s.maint.CleanupOldMemories(r.Context(), req.Days)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "count": len(removed)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.maint.ClearAll(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
