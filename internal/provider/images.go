package provider

import (
	"path"
	"strings"

	"github.com/imgbak/imgbak/internal/errkind"
)

// imageExts are the file extensions treated as images. Listings filter on
// this set so non-image objects in shared buckets are ignored.
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
	".svg":  {},
}

// IsImageKey reports whether the key's extension marks it as an image.
func IsImageKey(key string) bool {
	_, ok := imageExts[strings.ToLower(path.Ext(key))]
	return ok
}

// ImageExts returns the recognized extensions (lowercase, with dot).
func ImageExts() []string {
	out := make([]string, 0, len(imageExts))
	for ext := range imageExts {
		out = append(out, ext)
	}
	return out
}

// Unsupported builds the error returned when op is outside a variant's
// declared capability set.
func Unsupported(name, op string) error {
	return errkind.Newf(errkind.CapabilityUnsupported, op, "provider %s does not support %s", name, op).WithProvider(name)
}
