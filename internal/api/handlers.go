package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prethora/modelcache"
)

// modelView is the JSON form of a catalog entry with its local state.
type modelView struct {
	Key           modelcache.AssetKey       `json:"key"`
	Name          string                    `json:"name"`
	Size          string                    `json:"size,omitempty"`
	Description   string                    `json:"description,omitempty"`
	Stored        bool                      `json:"stored"`
	Active        bool                      `json:"active"`
	Status        modelcache.DownloadStatus `json:"status"`
	Percent       int                       `json:"percent"`
	Indeterminate bool                      `json:"indeterminate,omitempty"`
	BytesReceived int64                     `json:"bytes_received,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

func newModelView(m modelcache.AnnotatedModel) modelView {
	v := modelView{
		Key:           m.Descriptor.Key,
		Name:          m.Descriptor.DisplayName,
		Size:          m.Descriptor.AdvertisedSize,
		Description:   m.Descriptor.Description,
		Stored:        m.Stored,
		Active:        m.Active,
		Status:        m.State.Status,
		Percent:       m.State.Percent,
		Indeterminate: m.State.Indeterminate,
		BytesReceived: m.State.BytesReceived,
	}
	if m.State.Err != nil {
		v.Error = m.State.Err.Error()
	}
	return v
}

// downloadRequest is the optional body of POST /v1/models/:key/download.
type downloadRequest struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

// activeRequest is the body of PUT /v1/active.
type activeRequest struct {
	Key modelcache.AssetKey `json:"key" binding:"required"`
}

func (s *Server) listModels(c *gin.Context) {
	models, err := s.cache.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	views := make([]modelView, len(models))
	stored := 0
	for i, m := range models {
		views[i] = newModelView(m)
		if m.Stored {
			stored++
		}
	}
	s.metrics.storedAssets.Set(float64(stored))
	c.JSON(http.StatusOK, gin.H{"models": views, "active": s.cache.Active()})
}

func (s *Server) getModel(c *gin.Context) {
	key := modelcache.AssetKey(c.Param("key"))
	if err := modelcache.ValidateKey(key); err != nil {
		s.fail(c, err)
		return
	}

	desc, known := s.cache.Catalog().Lookup(key)
	desc.Key = key
	models, err := s.cache.ListAnnotated(c.Request.Context(), modelcache.Catalog{desc})
	if err != nil {
		s.fail(c, err)
		return
	}
	m := models[0]
	if !known && !m.Stored {
		s.fail(c, modelcache.ErrUnknownModel)
		return
	}
	c.JSON(http.StatusOK, newModelView(m))
}

func (s *Server) getBlob(c *gin.Context) {
	asset, err := s.cache.Get(c.Request.Context(), modelcache.AssetKey(c.Param("key")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Last-Modified", asset.CreatedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "application/octet-stream", asset.Bytes)
}

func (s *Server) startDownload(c *gin.Context) {
	key := modelcache.AssetKey(c.Param("key"))

	var req downloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var opts []modelcache.DownloadOption
	if req.URL != "" {
		opts = append(opts, modelcache.WithSourceURL(req.URL))
	}
	if req.Label != "" {
		opts = append(opts, modelcache.WithLabel(req.Label))
	}
	opts = append(opts, modelcache.WithProgress(func(p modelcache.Progress) {
		s.metrics.downloadPercent.Set(float64(p.Percent))
	}))

	done, err := s.cache.StartDownload(s.baseCtx, key, opts...)
	if err != nil {
		if errors.Is(err, modelcache.ErrConcurrencyRejected) {
			s.metrics.downloads.WithLabelValues("rejected").Inc()
		}
		s.fail(c, err)
		return
	}

	go s.awaitDownload(key, done)

	st := s.cache.State(key)
	c.JSON(http.StatusAccepted, gin.H{
		"key":     key,
		"attempt": st.Attempt.String(),
		"status":  st.Status,
	})
}

// awaitDownload records the outcome of a download started through the API.
func (s *Server) awaitDownload(key modelcache.AssetKey, done <-chan error) {
	err := <-done
	s.metrics.downloadPercent.Set(0)
	if err != nil {
		s.metrics.downloads.WithLabelValues("error").Inc()
		s.logger.Warn("api download failed", "key", key, "error", err)
		return
	}
	s.metrics.downloads.WithLabelValues("success").Inc()
	s.metrics.downloadBytes.Add(float64(s.cache.State(key).BytesReceived))
}

func (s *Server) deleteModel(c *gin.Context) {
	key := modelcache.AssetKey(c.Param("key"))
	if err := s.cache.Delete(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key, "active": s.cache.Active()})
}

func (s *Server) getActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.cache.Active()})
}

func (s *Server) setActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cache.SetActive(c.Request.Context(), req.Key); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.cache.Active()})
}

func (s *Server) cancelDownload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"canceled": s.cache.CancelDownload()})
}

// fail writes err as a JSON error with a status derived from its kind.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps cache errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, modelcache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, modelcache.ErrNotStored), errors.Is(err, modelcache.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, modelcache.ErrConcurrencyRejected):
		return http.StatusConflict
	case errors.Is(err, modelcache.ErrInvalidSelection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, modelcache.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
