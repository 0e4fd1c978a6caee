// Package api exposes the core over HTTP. Authentication and role assignment
// happen upstream: the gateway sets X-Voter-ID and X-Admin-Role.
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ballot-core/models"
	"ballot-core/registry"
	"ballot-core/service"
	"ballot-core/storage"
)

const (
	HeaderVoterID   = "X-Voter-ID"
	HeaderAdminRole = "X-Admin-Role"

	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// Error codes returned in {"code": ...} bodies.
const (
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeElectionNotFound = "ELECTION_NOT_FOUND"
	CodeNoKey            = "NO_KEY"
	CodeNotStarted       = "NOT_STARTED"
	CodeEnded            = "ENDED"
	CodeAlreadyVoted     = "ALREADY_VOTED"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeVoterNotEligible = "VOTER_NOT_ELIGIBLE"
	CodeForbidden        = "FORBIDDEN"
	CodeOfflineKeyNeeded = "OFFLINE_KEY_REQUIRED"
	CodeIntegrityFailure = "INTEGRITY_FAILURE"
	CodeInternal         = "INTERNAL"
)

// Deps are the collaborators the server routes to. KeyGen may be nil when
// keys are only registered from the offline tool.
type Deps struct {
	Store     storage.Store
	Keys      *service.KeyDistributionAPI
	Ledger    *service.VoteLedger
	Receipts  *service.ReceiptService
	Directory registry.VoterDirectory
	KeyGen    *service.KeyGenQueue
	Metrics   *service.Metrics
}

type Server struct {
	deps   Deps
	router *gin.Engine
	log    zerolog.Logger
}

func NewServer(deps Deps, corsOrigins []string, log zerolog.Logger) *Server {
	s := &Server{
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  corsOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderVoterID, HeaderAdminRole},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/elections/:id/public-key", s.handleGetPublicKey)
	api.POST("/votes", s.handleCastVote)
	api.GET("/receipts/:hash", s.handleVerifyReceipt)

	admin := api.Group("", requireRole(RoleAdmin, RoleSuperAdmin))
	admin.POST("/elections", s.handleCreateElection)
	admin.POST("/elections/:id/keys", s.handleCreateKey)
	admin.GET("/metrics", s.handleMetrics)

	api.DELETE("/elections/:id/keys", requireRole(RoleSuperAdmin), s.handleDeleteKey)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderAdminRole)))
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": CodeForbidden})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createElectionRequest struct {
	ID        string    `json:"id"`
	Title     string    `json:"title" binding:"required"`
	StartTime time.Time `json:"startTime" binding:"required"`
	EndTime   time.Time `json:"endTime" binding:"required"`
}

type electionResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	KeyGeneration string    `json:"keyGeneration"`
}

func (s *Server) handleCreateElection(c *gin.Context) {
	var req createElectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeInvalidRequest})
		return
	}
	if !req.EndTime.After(req.StartTime) || strings.ContainsRune(req.ID, '|') ||
		len(req.ID) > models.MaxElectionIDLen || len(req.Title) > models.MaxTitleLen {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeInvalidRequest})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	election := &models.Election{
		ID:        req.ID,
		Title:     req.Title,
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime.UTC(),
	}
	if err := s.deps.Store.CreateElection(c.Request.Context(), election); err != nil {
		if errors.Is(err, storage.ErrDuplicateElection) {
			c.JSON(http.StatusConflict, gin.H{"code": CodeAlreadyExists})
			return
		}
		s.log.Error().Err(err).Msg("failed to create election")
		c.JSON(http.StatusInternalServerError, gin.H{"code": CodeInternal})
		return
	}

	// Key generation runs after the election is committed and never holds up
	// this response.
	keyGeneration := "offline"
	if s.deps.KeyGen != nil {
		keyGeneration = "queued"
		if !s.deps.KeyGen.Enqueue(election.ID) {
			keyGeneration = "deferred"
		}
	}

	c.JSON(http.StatusCreated, electionResponse{
		ID:            election.ID,
		Title:         election.Title,
		StartTime:     election.StartTime,
		EndTime:       election.EndTime,
		KeyGeneration: keyGeneration,
	})
}

type createKeyRequest struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeInvalidRequest})
		return
	}

	var (
		record *service.PublicKeyRecord
		err    error
	)
	if req.PublicKey != "" {
		record, err = s.deps.Keys.RegisterPublicKey(c.Request.Context(), c.Param("id"), req.PublicKey, req.Fingerprint)
	} else {
		record, err = s.deps.Keys.GenerateKey(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"publicKey":   record.PublicKey,
		"fingerprint": record.Fingerprint,
	})
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	if err := s.deps.Keys.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPublicKey(c *gin.Context) {
	record, err := s.deps.Keys.PublicKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"publicKey":   record.PublicKey,
		"fingerprint": record.Fingerprint,
		"createdAt":   record.CreatedAt,
	})
}

type castVoteRequest struct {
	ElectionID      string `json:"electionId" binding:"required"`
	CandidateRef    string `json:"candidateRef" binding:"required"`
	EncryptedBallot string `json:"encryptedBallot" binding:"required"`
}

func (s *Server) handleCastVote(c *gin.Context) {
	publicID := strings.TrimSpace(c.GetHeader(HeaderVoterID))
	if publicID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": CodeVoterNotEligible})
		return
	}

	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeInvalidRequest})
		return
	}

	voterRef, err := s.deps.Directory.ResolveAccountID(c.Request.Context(), publicID)
	if err != nil {
		if errors.Is(err, registry.ErrVoterNotFound) || errors.Is(err, registry.ErrVoterInactive) {
			c.JSON(http.StatusForbidden, gin.H{"code": CodeVoterNotEligible})
			return
		}
		s.writeError(c, err)
		return
	}

	result, err := s.deps.Ledger.Cast(c.Request.Context(), service.CastRequest{
		ElectionID:      req.ElectionID,
		CandidateID:     req.CandidateRef,
		VoterRef:        voterRef,
		EncryptedBallot: []byte(req.EncryptedBallot),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleVerifyReceipt(c *gin.Context) {
	v, err := s.deps.Receipts.Verify(c.Request.Context(), c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !v.Found {
		c.JSON(http.StatusNotFound, v)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// writeError maps the core taxonomy to status codes. Bodies carry only the
// code, never error text or internal identifiers.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, CodeInternal

	switch {
	case errors.Is(err, service.ErrNoKey):
		status, code = http.StatusNotFound, CodeNoKey
	case errors.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, CodeElectionNotFound
	case errors.Is(err, service.ErrNotStarted):
		status, code = http.StatusForbidden, CodeNotStarted
	case errors.Is(err, service.ErrEnded):
		status, code = http.StatusForbidden, CodeEnded
	case errors.Is(err, service.ErrDuplicateVote):
		status, code = http.StatusConflict, CodeAlreadyVoted
	case errors.Is(err, service.ErrDuplicateKey):
		status, code = http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, service.ErrInvalidInput):
		status, code = http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, service.ErrConfiguration):
		status, code = http.StatusConflict, CodeOfflineKeyNeeded
	case errors.Is(err, service.ErrCorruption), errors.Is(err, service.ErrIntegrity):
		code = CodeIntegrityFailure
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"code": code})
}
