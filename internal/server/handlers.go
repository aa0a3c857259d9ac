package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/pool"
)

type databaseResponse struct {
	ShopID string `json:"shop_id"`
	Exists bool   `json:"exists"`
	Engine string `json:"engine,omitempty"`
}

type migrateResponse struct {
	Database    string `json:"database"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	Statements  int    `json:"statements"`
	Applied     bool   `json:"applied"`
	DurationMS  int64  `json:"duration_ms"`
}

type registerRequest struct {
	Name           string          `json:"name"`
	DatabaseConfig json.RawMessage `json:"database_config"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.factory.Pools().Registry().Ping(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools := s.factory.Pools()
	shops := make(map[string][]string)
	for engine, ids := range pools.ActiveShops() {
		if ids == nil {
			ids = []string{}
		}
		shops[engine.String()] = ids
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"active": pools.ActivePoolCount(),
		"shops":  shops,
	})
}

func (s *Server) handleRegisterShop(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.Wrap(errs.ErrKindInvalidConfig, "invalid request body", err))
		return
	}

	t := pool.Tenant{ID: shopID, Name: req.Name}
	if t.Name == "" {
		t.Name = shopID
	}
	if raw := bytes.TrimSpace(req.DatabaseConfig); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		cfg, err := database.ParseConfig(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		t.DatabaseConfig = &cfg
	}

	if err := s.factory.Pools().RegisterTenant(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"shop_id": shopID, "name": t.Name})
}

func (s *Server) handleDeleteShop(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	if err := s.factory.Pools().MarkTenantDeleted(r.Context(), shopID); err != nil {
		writeError(w, r, err)
		return
	}
	s.factory.Pools().InvalidateTenantPool(r.Context(), shopID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	cfg, err := s.factory.Pools().TenantDatabaseConfig(r.Context(), shopID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, databaseResponse{
		ShopID: shopID,
		Exists: s.factory.TenantDatabaseExists(r.Context(), shopID),
		Engine: cfg.Engine.String(),
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	if err := s.factory.ProvisionTenantDatabase(r.Context(), shopID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, databaseResponse{
		ShopID: shopID,
		Exists: s.factory.TenantDatabaseExists(r.Context(), shopID),
	})
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.factory.DeleteTenantDatabase(r.Context(), chi.URLParam(r, "shopID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	res, err := s.factory.MigrateTenant(r.Context(), chi.URLParam(r, "shopID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, migrateResponse{
		Database:    res.Database,
		FromVersion: res.FromVersion,
		ToVersion:   res.ToVersion,
		Statements:  res.Statements,
		Applied:     res.Applied,
		DurationMS:  res.Duration.Milliseconds(),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	info, err := s.factory.InspectTenant(r.Context(), chi.URLParam(r, "shopID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	archives, err := s.factory.Archives(r.Context(), chi.URLParam(r, "shopID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	type item struct {
		Key          string `json:"key"`
		Size         int64  `json:"size"`
		LastModified string `json:"last_modified,omitempty"`
	}
	items := make([]item, 0, len(archives))
	for _, a := range archives {
		it := item{Key: a.Key, Size: a.Size}
		if !a.LastModified.IsZero() {
			it.LastModified = a.LastModified.UTC().Format("2006-01-02T15:04:05Z")
		}
		items = append(items, it)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"archives": items})
}
