package model

import (
	"path/filepath"
	"strings"
)

// withinRoot reports whether the cleaned, absolute form of p stays inside
// root. Used both for Planner output validation (P7-adjacent check at
// proposal time) and mirrored by the FSExec adapter's runtime check.
func withinRoot(root, p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	joined := filepath.Join(root, p)
	rootClean := filepath.Clean(root)
	return joined == rootClean || strings.HasPrefix(joined, rootClean+string(filepath.Separator))
}
