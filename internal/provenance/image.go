package provenance

import (
	"fmt"
	"strings"
)

// SplitImageRef splits an image reference into name and version on the last
// colon. A colon followed by a slash belongs to a registry port
// (registry:5000/tool), not a tag. A reference without a tag resolves to
// version "latest".
func SplitImageRef(ref string) (name, version string) {
	ref = strings.TrimSpace(ref)
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i+1:], "/") {
		return ref, "latest"
	}
	name, version = ref[:i], ref[i+1:]
	if version == "" {
		version = "latest"
	}
	return name, version
}

// ImageMetadata renders the record's Others field for a container step.
func ImageMetadata(name, version string) string {
	return fmt.Sprintf(`{"docker_image"="%s:%s"}`, name, version)
}
