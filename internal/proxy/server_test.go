package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/ows"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type upstream struct {
	*httptest.Server
	caps     atomic.Int32
	features atomic.Int32
	lastWFS  atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	capsXML, err := os.ReadFile("../ows/testdata/wmts.xml")
	require.NoError(t, err)

	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{10, 50})
	f.Properties["name"] = "tree"
	fc.Append(f)
	featureJSON, err := fc.MarshalJSON()
	require.NoError(t, err)

	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/wmts", func(w http.ResponseWriter, r *http.Request) {
		u.caps.Add(1)
		w.Header().Set("Content-Type", "text/xml")
		w.Write(capsXML)
	})
	mux.HandleFunc("/wfs", func(w http.ResponseWriter, r *http.Request) {
		u.features.Add(1)
		u.lastWFS.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		w.Write(featureJSON)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func newProxy(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, target string) (int, string) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestCapabilitiesAreCachedByURL(t *testing.T) {
	up := newUpstream(t)
	srv := newProxy(t)

	target := srv.URL + "/proxy/capabilities?url=" + url.QueryEscape(up.URL+"/wmts")
	for i := 0; i < 3; i++ {
		status, body := get(t, target)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, "GLOBAL_WEBMERCATOR")
	}
	assert.Equal(t, int32(1), up.caps.Load())
}

func TestFeaturesAreReprojectedAndCached(t *testing.T) {
	up := newUpstream(t)
	srv := newProxy(t)

	q := ows.FeatureQuery{
		ServiceURL: up.URL + "/wfs",
		TypeName:   "trees",
		BBox:       orb.Bound{Min: orb.Point{9, 49}, Max: orb.Point{11, 51}},
		SourceCRS:  "EPSG:4326",
		DestCRS:    "EPSG:3857",
	}
	target := srv.URL + "/proxy/features?" + ows.FeatureQueryValues(q).Encode()

	status, body := get(t, target)
	require.Equal(t, http.StatusOK, status)
	fc, err := geojson.UnmarshalFeatureCollection([]byte(body))
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	want, err := geo.Reproject(orb.Point{10, 50}, geo.WGS84, geo.WebMercator)
	require.NoError(t, err)
	assert.True(t, geo.ApproxEqual(want, fc.Features[0].Geometry, 1e-6))
	assert.Equal(t, "tree", fc.Features[0].Properties["name"])

	sent := up.lastWFS.Load().(url.Values)
	assert.Equal(t, "GetFeature", sent.Get("request"))
	assert.Equal(t, "trees", sent.Get("typeNames"))
	assert.Equal(t, "9,49,11,51,EPSG:4326", sent.Get("bbox"))

	get(t, target)
	assert.Equal(t, int32(1), up.features.Load())

	q.BBox = orb.Bound{Min: orb.Point{9, 49}, Max: orb.Point{12, 52}}
	get(t, srv.URL+"/proxy/features?"+ows.FeatureQueryValues(q).Encode())
	assert.Equal(t, int32(2), up.features.Load())
}

func TestBadRequests(t *testing.T) {
	up := newUpstream(t)
	srv := newProxy(t)

	for name, target := range map[string]string{
		"no url":       "/proxy/capabilities",
		"bad scheme":   "/proxy/capabilities?url=" + url.QueryEscape("file:///etc/passwd"),
		"no type name": "/proxy/features?url=" + url.QueryEscape(up.URL+"/wfs") + "&bbox=0,0,1,1",
		"bad bbox":     "/proxy/features?url=" + url.QueryEscape(up.URL+"/wfs") + "&typeName=t&bbox=0,0,1",
		"unknown crs":  "/proxy/features?url=" + url.QueryEscape(up.URL+"/wfs") + "&typeName=t&bbox=0,0,1,1&srcCrs=EPSG:31467",
	} {
		t.Run(name, func(t *testing.T) {
			status, _ := get(t, srv.URL+target)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
	assert.Zero(t, up.features.Load())
}

func TestUpstreamFailures(t *testing.T) {
	up := newUpstream(t)
	srv := newProxy(t)

	target := srv.URL + "/proxy/capabilities?url=" + url.QueryEscape(up.URL+"/broken")
	status, _ := get(t, target)
	assert.Equal(t, http.StatusBadGateway, status)

	status, _ = get(t, srv.URL+"/proxy/capabilities?url="+url.QueryEscape(up.URL+"/missing"))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestOWSClientThroughProxy(t *testing.T) {
	up := newUpstream(t)
	srv := newProxy(t)

	client, err := ows.NewClient(ows.Config{ProxyURL: srv.URL})
	require.NoError(t, err)

	caps, err := client.Capabilities(context.Background(), up.URL+"/wmts")
	require.NoError(t, err)
	assert.Equal(t, catalog.KindWMTS, caps.Service)
	_, ok := caps.Layer("grey")
	assert.True(t, ok)

	features, err := client.Features(context.Background(), ows.FeatureQuery{
		ServiceURL: up.URL + "/wfs",
		TypeName:   "trees",
		BBox:       orb.Bound{Min: orb.Point{9, 49}, Max: orb.Point{11, 51}},
		SourceCRS:  "EPSG:4326",
		DestCRS:    "EPSG:3857",
	})
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Greater(t, features[0].Geometry.(orb.Point)[0], 1e6)
}
