package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
)

// FeatureKey identifies a feature for deduplication: its id when it has one,
// otherwise a hash of its attributes. Features without an id that share all
// attributes collapse onto one key.
func FeatureKey(f *geojson.Feature) string {
	if f == nil {
		return ""
	}
	if id := FeatureID(f); id != "" {
		return "id:" + id
	}

	// encoding/json sorts map keys, so equal attribute sets hash equally.
	data, err := json.Marshal(f.Properties)
	if err != nil {
		data = []byte(fmt.Sprint(f.Properties))
	}
	sum := sha256.Sum256(data)
	return "hash:" + hex.EncodeToString(sum[:])
}

// FeatureID is the feature's identifier: its GeoJSON id, or an "id", "fid"
// or "gml_id" property. It is "" when the feature has none.
func FeatureID(f *geojson.Feature) string {
	if f.ID != nil {
		if s := fmt.Sprint(f.ID); s != "" {
			return s
		}
	}
	for _, key := range []string{"id", "fid", "gml_id"} {
		if v, ok := f.Properties[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}
