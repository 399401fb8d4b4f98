// Package server exposes the document engine over HTTP.
package server

import (
	"net/http"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/server/middleware"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DocTypes lists the registered document types.
type DocTypes interface {
	List() []*doctype.Type
}

// Server routes API requests to the engine.
type Server struct {
	svc      *engine.Service
	types    DocTypes
	auth     *config.AuthConfig
	gatherer prometheus.Gatherer
}

// New creates a server. A nil gatherer serves the default registry.
func New(svc *engine.Service, types DocTypes, auth *config.AuthConfig, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{svc: svc, types: types, auth: auth, gatherer: gatherer}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(s.auth))
	{
		api.GET("/doctypes", s.listDocTypes)
		api.POST("/documents", s.createDocument)
		api.GET("/documents", s.listDocuments)
		api.GET("/documents/:id", s.getDocument)
		api.POST("/documents/:id", s.submitDocument)
		api.DELETE("/documents/:id/signatures/:section", s.removeSignature)
		api.GET("/documents/:id/preview", s.previewDocument)
		api.POST("/documents/:id/render", s.regenerate)
		api.GET("/documents/:id/artifacts", s.listArtifacts)
		api.GET("/documents/:id/artifacts/:category", s.downloadArtifact)
	}
	return router
}

func (s *Server) health(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		logger.Error(c.Request.Context(), "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusUnprocessableEntity
	case engine.KindAuthorization:
		return http.StatusForbidden
	case engine.KindInvalidAction, engine.KindConflict:
		return http.StatusConflict
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindBadRequest:
		return http.StatusBadRequest
	case engine.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the failure response for err. Internal errors are logged and
// reported without detail.
func (s *Server) fail(c *gin.Context, documentID string, err error) {
	kind := engine.Classify(err)
	status := statusFor(kind)
	resp := engine.Failure(documentID, err)
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err, "document_id", documentID)
		resp.Error = "Internal server error"
	}
	c.JSON(status, resp)
}

// visible reports whether actor may see doc. Subjects see their own
// documents and counterparties the documents of their organization.
func visible(actor folio.Actor, doc *folio.Document) bool {
	switch actor.Role {
	case folio.RoleSubject:
		return doc.SubjectID == actor.ID
	case folio.RoleCounterparty:
		return actor.OrgID == "" || doc.OrgID == actor.OrgID
	default:
		return true
	}
}

// scope narrows a listing to what actor may see.
func scope(actor folio.Actor, filter folio.ListFilter) folio.ListFilter {
	switch actor.Role {
	case folio.RoleSubject:
		filter.SubjectID = actor.ID
	case folio.RoleCounterparty:
		if actor.OrgID != "" {
			filter.OrgID = actor.OrgID
		}
	}
	return filter
}
