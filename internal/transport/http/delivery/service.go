// Package delivery exposes the image delivery pipeline over HTTP.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dyzen-server-go/internal/app/services"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/errors"
	httptransport "dyzen-server-go/internal/transport/http"
	"dyzen-server-go/internal/utils"
)

// Service wires the delivery endpoints onto a router group.
type Service struct {
	delivery *services.DeliveryService
	logger   *utils.Logger
	// secured guards enhancement; nil means the public group is used.
	secured *gin.RouterGroup
}

// NewService creates the HTTP handlers for the delivery facade.
func NewService(delivery *services.DeliveryService, secured *gin.RouterGroup, logger *utils.Logger) (*Service, error) {
	if delivery == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &Service{delivery: delivery, logger: logger, secured: secured}, nil
}

// Register mounts every route under router, which is expected to be /api.
func (s *Service) Register(_ context.Context, router *gin.RouterGroup) error {
	router.GET("/ping", s.handlePing)
	router.GET("/network", s.handleNetwork)
	router.POST("/network/update", s.handleNetworkUpdate)
	router.POST("/compression/resolve", s.handleResolve)
	router.POST("/images", s.handleUpload)
	router.GET("/models/status", s.handleModelsStatus)

	posts := router.Group("/posts/:id")
	posts.POST("/ingest", s.handleIngest)
	posts.GET("/lineage", s.handleLineage)
	posts.POST("/enhance/save", s.handleSaveEnhancement)

	secured := s.secured
	if secured == nil {
		secured = router
	}
	secured.POST("/posts/:id/enhance", s.handleEnhance)
	return nil
}

func (s *Service) handlePing(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, "pong")
}

func (s *Service) handleNetwork(c *gin.Context) {
	quality := s.delivery.NetworkQuality(c.Request.Context(), utils.ClientIP(c.Request.RemoteAddr))
	httptransport.RespondSuccess(c, http.StatusOK, quality, "")
}

type networkUpdateRequest struct {
	Bandwidth *float64 `json:"bandwidth"`
	Latency   *float64 `json:"latency"`
}

func (s *Service) handleNetworkUpdate(c *gin.Context) {
	var req networkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.Bandwidth == nil || req.Latency == nil {
		httptransport.RespondError(c, http.StatusBadRequest, "bandwidth and latency are required", nil)
		return
	}

	accepted, err := s.delivery.RecordSample(network.Sample{
		Bandwidth: *req.Bandwidth,
		Latency:   *req.Latency,
		ClientIP:  utils.ClientIP(c.Request.RemoteAddr),
	})
	if err != nil {
		httptransport.RespondErr(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusAccepted, gin.H{"accepted": accepted}, "")
}

type resolveRequest struct {
	Level services.LevelValue `json:"level"`
}

type resolveResponse struct {
	Level    int    `json:"level"`
	Inferred bool   `json:"inferred"`
	Coerced  bool   `json:"coerced"`
	Warning  string `json:"warning,omitempty"`
}

func (s *Service) handleResolve(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", nil)
			return
		}
	}
	ctx := c.Request.Context()
	recent := s.delivery.RecentSamples(ctx, utils.ClientIP(c.Request.RemoteAddr))
	decision := s.delivery.ResolveCompressionLevel(ctx, string(req.Level), recent)

	resp := resolveResponse{Level: decision.Level, Inferred: decision.Inferred, Coerced: decision.Coerced}
	if decision.Warning != nil {
		resp.Warning = decision.Warning.Error()
	}
	httptransport.RespondSuccess(c, http.StatusOK, resp, "")
}

func (s *Service) handleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "multipart field 'file' is required", nil)
		return
	}
	f, err := file.Open()
	if err != nil {
		httptransport.RespondErr(c, errors.Wrap(errors.KindTransport, "http.upload", "open upload", err))
		return
	}
	defer f.Close()

	id := c.PostForm("image_id")
	if id == "" {
		id = uuid.NewString()
	}

	result, processed, err := s.delivery.Submit(c.Request.Context(), services.Upload{
		ImageID: id,
		Input: imaging.Input{
			Reader:         f,
			DeclaredFormat: strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Filename)), "."),
			Source:         file.Filename,
		},
		Level:    c.PostForm("compression_level"),
		ClientIP: utils.ClientIP(c.Request.RemoteAddr),
	})
	if err != nil {
		httptransport.RespondErr(c, err)
		return
	}

	body := gin.H{
		"image_id":  result.ImageID,
		"lineage":   result.Lineage,
		"duplicate": result.Duplicate,
	}
	if result.Duplicate {
		httptransport.RespondSuccess(c, http.StatusOK, body, "already ingested")
		return
	}
	body["square_path"] = processed.SquarePath
	body["thumbnail_path"] = processed.ThumbnailPath
	body["square_size"] = processed.SquareSize
	httptransport.RespondSuccess(c, http.StatusCreated, body, "")
}

type ingestRequest struct {
	ProcessedImage     imaging.ImageData           `json:"processed_image"`
	Thumbnail          imaging.ImageData           `json:"thumbnail"`
	ProcessingMetadata services.ProcessingMetadata `json:"processing_metadata"`
}

func (s *Service) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	result, err := s.delivery.Ingest(c.Request.Context(), services.Submission{
		ImageID:   c.Param("id"),
		Processed: req.ProcessedImage,
		Thumbnail: req.Thumbnail,
		Metadata:  req.ProcessingMetadata,
		ClientIP:  utils.ClientIP(c.Request.RemoteAddr),
	})
	if err != nil {
		httptransport.RespondErr(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	httptransport.RespondSuccess(c, status, result, "")
}

func (s *Service) handleLineage(c *gin.Context) {
	l, err := s.delivery.Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		httptransport.RespondErr(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, l, "")
}

func (s *Service) handleEnhance(c *gin.Context) {
	result, err := s.delivery.EnhanceIfNeeded(c.Request.Context(), c.Param("id"))
	if err != nil {
		if s.logger != nil {
			s.logger.WarnTag("ENHANCE", "enhance %s failed: %v", c.Param("id"), err)
		}
		httptransport.RespondErr(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, result, "")
}

type saveEnhancementRequest struct {
	EnhancedImage imaging.ImageData `json:"enhanced_image"`
	ModelUsed     string            `json:"model_used"`
}

func (s *Service) handleSaveEnhancement(c *gin.Context) {
	var req saveEnhancementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	result, err := s.delivery.SaveClientEnhancement(c.Request.Context(), c.Param("id"), req.EnhancedImage, req.ModelUsed)
	if err != nil {
		httptransport.RespondErr(c, err)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, result, "")
}

func (s *Service) handleModelsStatus(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, s.delivery.ModelsStatus(), "")
}
