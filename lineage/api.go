package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mipflow-labs/mipflow-go/internal/platform/httpserver"
	"github.com/mipflow-labs/mipflow-go/internal/provenance"
	provstore "github.com/mipflow-labs/mipflow-go/internal/provenance/postgres"
)

type lineageAPI struct {
	logger *slog.Logger
	store  provenance.Store
}

func newLineageAPI(logger *slog.Logger, store provenance.Store) *lineageAPI {
	return &lineageAPI{
		logger: logger,
		store:  store,
	}
}

func (api *lineageAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /nodes", api.handleListNodes)
	mux.HandleFunc("GET /nodes/{node_id}/files", api.handleListFiles)
	mux.HandleFunc("GET /chains/{node_id}", api.handleChain)
}

type nodeResponse struct {
	NodeID             string    `json:"node_id"`
	Dataset            string    `json:"dataset"`
	TaskID             string    `json:"task_id"`
	OutputDir          string    `json:"output_dir"`
	RecordID           string    `json:"record_id"`
	PreviousNodeID     string    `json:"previous_node_id,omitempty"`
	Boost              bool      `json:"boost"`
	SessionIDByPatient bool      `json:"session_id_by_patient"`
	CreatedAt          time.Time `json:"created_at"`
}

func toNodeResponse(n provenance.Node) nodeResponse {
	return nodeResponse{
		NodeID:             n.ID,
		Dataset:            n.Dataset,
		TaskID:             n.TaskID,
		OutputDir:          n.OutputDir,
		RecordID:           n.RecordID,
		PreviousNodeID:     n.PreviousNodeID,
		Boost:              n.Boost,
		SessionIDByPatient: n.SessionIDByPatient,
		CreatedAt:          n.CreatedAt,
	}
}

func (api *lineageAPI) handleListNodes(w http.ResponseWriter, r *http.Request) {
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if dataset == "" {
		api.writeError(w, r, http.StatusBadRequest, "dataset_required")
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	before := strings.TrimSpace(r.URL.Query().Get("before"))

	nodes, err := api.store.ListNodes(r.Context(), dataset, limit, before)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	resp := map[string]any{"nodes": out}
	// A short page is the last page; no cursor to follow.
	if len(out) == limit {
		resp["next_before_node_id"] = out[len(out)-1].NodeID
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *lineageAPI) handleListFiles(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimSpace(r.PathValue("node_id"))
	if nodeID == "" {
		api.writeError(w, r, http.StatusBadRequest, "node_id_required")
		return
	}
	if _, err := api.store.GetNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, provstore.ErrNodeNotFound) {
			api.writeError(w, r, http.StatusNotFound, "node_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	files, err := api.store.ListFiles(r.Context(), nodeID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	type fileResponse struct {
		Path          string `json:"path"`
		SizeBytes     int64  `json:"size_bytes"`
		SHA256        string `json:"sha256,omitempty"`
		ParticipantID string `json:"participant_id,omitempty"`
		SessionID     string `json:"session_id,omitempty"`
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileResponse{
			Path:          f.Path,
			SizeBytes:     f.SizeBytes,
			SHA256:        f.SHA256,
			ParticipantID: f.ParticipantID,
			SessionID:     f.SessionID,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"files": out})
}

// handleChain walks a lineage chain from the given node back to its root,
// newest first, capped by depth.
func (api *lineageAPI) handleChain(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimSpace(r.PathValue("node_id"))
	if nodeID == "" {
		api.writeError(w, r, http.StatusBadRequest, "node_id_required")
		return
	}
	depth := clampInt(parseIntQuery(r, "depth", 50), 1, 200)

	chain := make([]nodeResponse, 0, 8)
	current := nodeID
	truncated := false
	for current != "" {
		if len(chain) >= depth {
			truncated = true
			break
		}
		node, err := api.store.GetNode(r.Context(), current)
		if err != nil {
			if errors.Is(err, provstore.ErrNodeNotFound) {
				if len(chain) == 0 {
					api.writeError(w, r, http.StatusNotFound, "node_not_found")
					return
				}
				// A dangling predecessor reference is a data defect worth
				// surfacing, not hiding.
				api.logger.Error("broken lineage chain",
					"node_id", current, "chain_head", nodeID)
				api.writeError(w, r, http.StatusInternalServerError, "broken_chain")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		chain = append(chain, toNodeResponse(node))
		current = node.PreviousNodeID
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"chain":     chain,
		"truncated": truncated,
	})
}

func (api *lineageAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
