package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/retrieval"
)

// CreateStoreRequest is the body for POST /api/stores.
type CreateStoreRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateStore handles POST /api/stores.
func (s *Server) CreateStore(c *gin.Context) {
	var req CreateStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errkind.Wrap(errkind.KindBadInput, err, "invalid request body"))
		return
	}

	store, err := s.stores.CreateStore(req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.StoreDescriptor{
		Name:          store.Name(),
		Description:   store.Description(),
		DocumentCount: store.Count(),
	})
}

// ListStores handles GET /api/stores.
func (s *Server) ListStores(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stores": s.stores.List()})
}

// DeleteStore handles DELETE /api/stores/:name.
func (s *Server) DeleteStore(c *gin.Context) {
	if err := s.stores.DeleteStore(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddDocumentsRequest is the body for POST /api/stores/:name/documents.
// Either inline documents or a workspace-relative path to ingest.
type AddDocumentsRequest struct {
	Documents []models.Document `json:"documents"`
	Path      string            `json:"path"`
}

// AddDocuments handles POST /api/stores/:name/documents.
func (s *Server) AddDocuments(c *gin.Context) {
	var req AddDocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errkind.Wrap(errkind.KindBadInput, err, "invalid request body"))
		return
	}

	store, err := s.stores.Resolve(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	docs := req.Documents
	if req.Path != "" {
		loaded, err := retrieval.LoadDocuments(s.cfg.Retrieval.WorkspaceRoot, req.Path)
		if err != nil {
			respondError(c, err)
			return
		}
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		respondError(c, errkind.New(errkind.KindBadInput, "no documents to add"))
		return
	}

	if err := store.Add(c.Request.Context(), docs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(docs), "document_count": store.Count()})
}

// QueryStoresRequest is the body for POST /api/stores/query. An empty store
// list queries every store.
type QueryStoresRequest struct {
	Stores []string `json:"stores"`
	Query  string   `json:"query" binding:"required"`
	K      int      `json:"k"`
}

// QueryStores handles POST /api/stores/query.
func (s *Server) QueryStores(c *gin.Context) {
	var req QueryStoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errkind.Wrap(errkind.KindBadInput, err, "invalid request body"))
		return
	}

	sources, fromCache, err := s.retrieval.QueryMulti(c.Request.Context(), req.Stores, req.Query, req.K)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources, "from_cache": fromCache})
}
