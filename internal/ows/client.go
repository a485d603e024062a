// Package ows talks to OGC web services (WMS, WMTS, WFS) through the
// same-origin caching proxy and keeps parsed capabilities and feature
// responses in memory.
package ows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
)

var log = logger.ForComponent("ows")

type Config struct {
	// ProxyURL is the base URL of the caching proxy. Empty means services are
	// contacted directly and features are reprojected locally.
	ProxyURL              string
	CapabilitiesCacheSize int
	FeaturesCacheSize     int
	Timeout               time.Duration
	Circuit               CircuitConfig
}

func DefaultConfig() Config {
	return Config{
		CapabilitiesCacheSize: 64,
		FeaturesCacheSize:     256,
		Timeout:               30 * time.Second,
		Circuit:               DefaultCircuitConfig(),
	}
}

type FeatureQuery struct {
	ServiceURL string
	TypeName   string
	BBox       orb.Bound
	SourceCRS  string
	DestCRS    string
}

func (q FeatureQuery) key() string {
	return strings.Join([]string{
		q.ServiceURL, q.TypeName, FormatBBox(q.BBox), q.SourceCRS, q.DestCRS,
	}, "|")
}

type Client struct {
	http     *http.Client
	proxy    string
	caps     *lru.Cache[string, *Capabilities]
	features *lru.Cache[string, []byte]
	breakers *hostBreakers

	capsFetches atomic.Int64
}

func NewClient(cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.CapabilitiesCacheSize <= 0 {
		cfg.CapabilitiesCacheSize = defaults.CapabilitiesCacheSize
	}
	if cfg.FeaturesCacheSize <= 0 {
		cfg.FeaturesCacheSize = defaults.FeaturesCacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	caps, err := lru.New[string, *Capabilities](cfg.CapabilitiesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("capabilities cache: %w", err)
	}
	features, err := lru.New[string, []byte](cfg.FeaturesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("features cache: %w", err)
	}

	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		proxy:    strings.TrimRight(cfg.ProxyURL, "/"),
		caps:     caps,
		features: features,
		breakers: newHostBreakers(cfg.Circuit),
	}, nil
}

// CachedCapabilities returns a previously fetched document without network access.
func (c *Client) CachedCapabilities(serviceURL string) (*Capabilities, bool) {
	return c.caps.Get(serviceURL)
}

// CapabilitiesFetches counts the capabilities documents fetched over the network.
func (c *Client) CapabilitiesFetches() int64 {
	return c.capsFetches.Load()
}

// Capabilities returns the parsed capabilities for serviceURL, fetching it once.
func (c *Client) Capabilities(ctx context.Context, serviceURL string) (*Capabilities, error) {
	if caps, ok := c.caps.Get(serviceURL); ok {
		return caps, nil
	}

	target := serviceURL
	if c.proxy != "" {
		target = c.proxy + "/proxy/capabilities?url=" + url.QueryEscape(serviceURL)
	}

	data, err := c.get(ctx, hostOf(serviceURL), target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", catalog.ErrCapabilitiesUnavailable, serviceURL, err)
	}
	c.capsFetches.Add(1)

	caps, err := ParseCapabilities(data)
	if err != nil {
		return nil, err
	}
	caps.URL = serviceURL
	c.caps.Add(serviceURL, caps)

	log.Debug("capabilities cached", "url", serviceURL, "service", caps.Service, "layers", len(caps.Layers))
	return caps, nil
}

// Features returns the features of q in q.DestCRS. Every call returns fresh
// feature values, so callers own what they get.
func (c *Client) Features(ctx context.Context, q FeatureQuery) ([]*geojson.Feature, error) {
	key := q.key()

	data, ok := c.features.Get(key)
	if !ok {
		var (
			target = GetFeatureURL(q)
			err    error
		)
		if c.proxy != "" {
			target = c.proxy + "/proxy/features?" + FeatureQueryValues(q).Encode()
		}
		data, err = c.get(ctx, hostOf(q.ServiceURL), target)
		if err != nil {
			return nil, err
		}
		if c.proxy == "" {
			if data, err = ReprojectCollection(data, q.SourceCRS, q.DestCRS); err != nil {
				return nil, err
			}
		}
		c.features.Add(key, data)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode features from %s: %w", q.ServiceURL, err)
	}
	return fc.Features, nil
}

func (c *Client) get(ctx context.Context, host, target string) ([]byte, error) {
	if !c.breakers.Allow(host) {
		return nil, fmt.Errorf("%w: circuit open for %s", catalog.ErrNetworkFailure, host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.breakers.RecordFailure(host)
		}
		return nil, fmt.Errorf("%w: %v", catalog.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breakers.RecordFailure(host)
		return nil, fmt.Errorf("%w: read body: %v", catalog.ErrNetworkFailure, err)
	}

	if resp.StatusCode >= 500 {
		c.breakers.RecordFailure(host)
		return nil, fmt.Errorf("%w: %s returned %d", catalog.ErrNetworkFailure, target, resp.StatusCode)
	}
	c.breakers.RecordSuccess(host)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", target, resp.StatusCode)
	}
	return data, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// FormatBBox renders a bound as minx,miny,maxx,maxy.
func FormatBBox(b orb.Bound) string {
	parts := []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	out := make([]string, len(parts))
	for i, v := range parts {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(out, ",")
}

// ParseBBox is the inverse of FormatBBox.
func ParseBBox(s string) (orb.Bound, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox needs 4 values, got %d", len(fields))
	}
	var v [4]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %q: %w", f, err)
		}
		v[i] = n
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// FeatureQueryValues encodes q as the proxy's query parameters.
func FeatureQueryValues(q FeatureQuery) url.Values {
	v := url.Values{}
	v.Set("url", q.ServiceURL)
	v.Set("typeName", q.TypeName)
	v.Set("bbox", FormatBBox(q.BBox))
	v.Set("srcCrs", q.SourceCRS)
	v.Set("destCrs", q.DestCRS)
	return v
}

// GetFeatureURL builds the WFS 2.0 GetFeature request for q. The bbox is
// expected in the source CRS.
func GetFeatureURL(q FeatureQuery) string {
	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", "2.0.0")
	v.Set("request", "GetFeature")
	v.Set("typeNames", q.TypeName)
	v.Set("outputFormat", "application/json")
	v.Set("srsName", q.SourceCRS)
	v.Set("bbox", FormatBBox(q.BBox)+","+q.SourceCRS)

	sep := "?"
	if strings.Contains(q.ServiceURL, "?") {
		sep = "&"
	}
	return q.ServiceURL + sep + v.Encode()
}

// ReprojectCollection rewrites a GeoJSON feature collection from one CRS to another.
func ReprojectCollection(data []byte, from, to string) ([]byte, error) {
	if from == "" || to == "" {
		return data, nil
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	features, err := geo.ReprojectFeatures(fc.Features, from, to)
	if err != nil {
		return nil, err
	}
	out := geojson.NewFeatureCollection()
	out.Features = features
	return out.MarshalJSON()
}
