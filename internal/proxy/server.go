// Package proxy is the same-origin caching proxy in front of the map
// services. Capabilities documents are cached by URL, feature responses by
// their full query, and features are reprojected before they are cached.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/ows"
)

var log = logger.ForComponent("proxy")

const maxUpstreamBody = 64 << 20

type Config struct {
	UpstreamTimeout       time.Duration
	CapabilitiesCacheSize int
	FeaturesCacheSize     int
}

func DefaultConfig() Config {
	return Config{
		UpstreamTimeout:       20 * time.Second,
		CapabilitiesCacheSize: 64,
		FeaturesCacheSize:     512,
	}
}

type response struct {
	data        []byte
	contentType string
}

type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

type Server struct {
	client   *http.Client
	caps     *lru.Cache[string, response]
	features *lru.Cache[string, response]
	inflight singleflight.Group
	router   *gin.Engine
}

func New(cfg Config) (*Server, error) {
	defaults := DefaultConfig()
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaults.UpstreamTimeout
	}
	if cfg.CapabilitiesCacheSize <= 0 {
		cfg.CapabilitiesCacheSize = defaults.CapabilitiesCacheSize
	}
	if cfg.FeaturesCacheSize <= 0 {
		cfg.FeaturesCacheSize = defaults.FeaturesCacheSize
	}

	caps, err := lru.New[string, response](cfg.CapabilitiesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("capabilities cache: %w", err)
	}
	features, err := lru.New[string, response](cfg.FeaturesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("features cache: %w", err)
	}

	s := &Server{
		client:   &http.Client{Timeout: cfg.UpstreamTimeout},
		caps:     caps,
		features: features,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"capabilities": s.caps.Len(),
			"features":     s.features.Len(),
		})
	})
	s.RegisterRoutes(router.Group("/proxy"))
	s.router = router
	return s, nil
}

func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/capabilities", s.capabilities)  // GET /proxy/capabilities?url=
	rg.GET("/features", s.featureCollection) // GET /proxy/features?url=&typeName=&bbox=&srcCrs=&destCrs=
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) capabilities(c *gin.Context) {
	target := c.Query("url")
	if err := checkURL(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.cached(c.Request.Context(), s.caps, target, func(ctx context.Context) (response, error) {
		return s.fetch(ctx, target)
	})
	if err != nil {
		s.fail(c, target, err)
		return
	}
	contentType := resp.contentType
	if contentType == "" {
		contentType = "application/xml"
	}
	c.Data(http.StatusOK, contentType, resp.data)
}

func (s *Server) featureCollection(c *gin.Context) {
	q := ows.FeatureQuery{
		ServiceURL: c.Query("url"),
		TypeName:   c.Query("typeName"),
		SourceCRS:  c.Query("srcCrs"),
		DestCRS:    c.Query("destCrs"),
	}
	if err := checkURL(q.ServiceURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.TypeName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "typeName is required"})
		return
	}
	bbox, err := ows.ParseBBox(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q.BBox = bbox
	for _, code := range []*string{&q.SourceCRS, &q.DestCRS} {
		if *code == "" {
			continue
		}
		if *code, err = geo.Normalize(*code); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	key := ows.FeatureQueryValues(q).Encode()
	resp, err := s.cached(c.Request.Context(), s.features, key, func(ctx context.Context) (response, error) {
		upstream, err := s.fetch(ctx, ows.GetFeatureURL(q))
		if err != nil {
			return response{}, err
		}
		data, err := ows.ReprojectCollection(upstream.data, q.SourceCRS, q.DestCRS)
		if err != nil {
			return response{}, err
		}
		return response{data: data, contentType: "application/geo+json"}, nil
	})
	if err != nil {
		s.fail(c, q.ServiceURL, err)
		return
	}
	c.Data(http.StatusOK, resp.contentType, resp.data)
}

// cached serves key from cache or loads it once, however many requests
// ask for it at the same time. Failures are not cached.
func (s *Server) cached(ctx context.Context, cache *lru.Cache[string, response], key string, load func(context.Context) (response, error)) (response, error) {
	if resp, ok := cache.Get(key); ok {
		return resp, nil
	}
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		resp, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return response{}, err
		}
		cache.Add(key, resp)
		return resp, nil
	})
	if err != nil {
		return response{}, err
	}
	return v.(response), nil
}

func (s *Server) fetch(ctx context.Context, target string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return response{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return response{}, &upstreamError{status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return response{}, err
	}
	return response{data: data, contentType: resp.Header.Get("Content-Type")}, nil
}

func (s *Server) fail(c *gin.Context, target string, err error) {
	log.Warn("upstream request failed", "url", target, "error", err)
	status := http.StatusBadGateway
	var upErr *upstreamError
	if errors.As(err, &upErr) && upErr.status == http.StatusNotFound {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}
