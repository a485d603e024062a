package upload

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type EventType int

const (
	EventWrite EventType = iota
	EventRemove
)

func (e EventType) String() string {
	switch e {
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

type FileEvent struct {
	Path      string
	Type      EventType
	Timestamp time.Time
}

// FileKind says how a dropped file is imported.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindVector
	KindService
)

const serviceSuffix = ".service.json"

// Classify maps a file name onto its import kind.
func Classify(path string) FileKind {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, serviceSuffix):
		return KindService
	case strings.HasSuffix(name, ".geojson"), strings.HasSuffix(name, ".json"):
		return KindVector
	}
	return KindUnknown
}

var nonID = regexp.MustCompile(`[^a-z0-9_]+`)

// LayerID derives the layer id of an uploaded file: "upload_" plus the file
// name without extension, lower-cased, with runs of other characters
// replaced by underscores.
func LayerID(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, serviceSuffix):
		name = strings.TrimSuffix(name, serviceSuffix)
	default:
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	slug := strings.Trim(nonID.ReplaceAllString(name, "_"), "_")
	if slug == "" {
		slug = "layer"
	}
	return "upload_" + slug
}

// DisplayName is the file name without its import extension.
func DisplayName(path string) string {
	name := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(name), serviceSuffix) {
		return name[:len(name)-len(serviceSuffix)]
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}
