// Package api exposes a small gin HTTP surface over a running coordinator:
// goal status, health, garbage collection, and store path lookups. It is an
// operational surface, not the store's primary interface.
package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/gcroots"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/scheduler"
	"github.com/pathforge/castore/store"
)

// Server wires a gin router to a running Worker, MetaStore, and GC root
// manager.
type Server struct {
	router   *gin.Engine
	worker   *scheduler.Worker
	store    *metastore.MetaStore
	roots    *gcroots.Manager
	storeDir string
}

// NewServer builds a Server with every route registered. storeDir is
// prepended to the basename given to GET /store/:name to form the full
// store path to look up.
func NewServer(worker *scheduler.Worker, store *metastore.MetaStore, roots *gcroots.Manager, storeDir string) *Server {
	s := &Server{
		router:   gin.Default(),
		worker:   worker,
		store:    store,
		roots:    roots,
		storeDir: storeDir,
	}

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/goals", s.handleGoals)
	s.router.POST("/gc", s.handleGC)
	s.router.GET("/store/:name", s.handleStorePath)
	s.router.POST("/realise/:name", s.handleRealise)
	s.router.POST("/store/import", s.handleAddToStore)
	s.router.POST("/store/text", s.handleAddTextToStore)

	return s
}

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGoals(c *gin.Context) {
	c.JSON(http.StatusOK, s.worker.TopGoalStatuses())
}

func (s *Server) handleGC(c *gin.Context) {
	roots, err := s.roots.Roots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	removed, err := gcroots.CollectGarbage(s.store, roots)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// handleRealise submits name (a derivation or store path under storeDir) to
// the running coordinator and returns immediately; poll GET /goals or
// GET /store/:name to observe completion.
func (s *Server) handleRealise(c *gin.Context) {
	path := castore.StorePath(filepath.Join(s.storeDir, c.Param("name")))
	g := s.worker.Realise(path)
	c.JSON(http.StatusAccepted, gin.H{"path": path, "goal": g.Name()})
}

// handleAddToStore imports a file or directory tree already present on the
// coordinator's own filesystem, naming it by the NAR hash of its content.
func (s *Server) handleAddToStore(c *gin.Context) {
	var body struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dst, err := store.AddToStore(s.store, s.worker.Lockers, s.worker.Config, body.Path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": dst})
}

// handleAddTextToStore deposits a literal string under a store path named by
// both suffix and the string's own content, closing over any references the
// caller declares.
func (s *Server) handleAddTextToStore(c *gin.Context) {
	var body struct {
		Suffix     string `json:"suffix" binding:"required"`
		Content    string `json:"content"`
		References []castore.StorePath `json:"references"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dst, err := store.AddTextToStore(s.store, s.worker.Lockers, s.worker.Config, body.Suffix, body.Content, body.References)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": dst})
}

func (s *Server) handleStorePath(c *gin.Context) {
	path := castore.StorePath(filepath.Join(s.storeDir, c.Param("name")))

	valid, err := s.store.IsValidPath(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !valid {
		c.JSON(http.StatusNotFound, gin.H{"path": path, "valid": false})
		return
	}

	txn, err := s.store.Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer txn.Rollback()

	referrers, err := txn.GetReferrers(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	references, err := txn.GetReferences(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":       path,
		"valid":      true,
		"references": references,
		"referrers":  referrers,
	})
}
