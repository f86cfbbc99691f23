package build

import (
	"strings"
)

// Scope is the breadth of an incremental rebuild.
type Scope string

const (
	ScopeFull     Scope = "full"
	ScopeBackend  Scope = "backend"
	ScopeFrontend Scope = "frontend"
	ScopeConfig   Scope = "config"
)

// Tooling and manifest files force a full rebuild whenever touched.
var configPatterns = []string{
	"package.json",
	"tsconfig.json",
	"vite.config",
	"vitest.config",
	"tailwind.config",
	"postcss.config",
	".env",
	"dockerfile",
}

var frontendPatterns = []string{
	"/src/components/",
	"/src/pages/",
	"/src/hooks/",
	"/src/styles/",
	"/src/app.",
	"/src/main.",
	"/public/",
}

var frontendSuffixes = []string{".tsx", ".css", ".scss"}

var backendPatterns = []string{
	"/src/routes/",
	"/src/controllers/",
	"/src/services/",
	"/src/middleware/",
	"/src/db/",
	"/src/models/",
	"/src/api/",
	"/src/server.",
	"/src/index.",
}

// DetectRebuildScope classifies a changed-files list. Rules apply top-down:
// any config file forces full; a list entirely within frontend paths is
// frontend; entirely backend is backend; everything else is full. The result
// is order-independent.
func DetectRebuildScope(changedFiles []string) Scope {
	if len(changedFiles) == 0 {
		return ScopeFull
	}

	for _, f := range changedFiles {
		if isConfigFile(f) {
			return ScopeFull
		}
	}

	allFrontend := true
	allBackend := true
	for _, f := range changedFiles {
		if !isFrontendFile(f) {
			allFrontend = false
		}
		if !isBackendFile(f) {
			allBackend = false
		}
	}
	if allFrontend {
		return ScopeFrontend
	}
	if allBackend {
		return ScopeBackend
	}
	return ScopeFull
}

func normalizePath(path string) string {
	p := strings.ToLower(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isConfigFile(path string) bool {
	p := normalizePath(path)
	for _, pattern := range configPatterns {
		if strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}

func isFrontendFile(path string) bool {
	p := normalizePath(path)
	for _, pattern := range frontendPatterns {
		if strings.Contains(p, pattern) {
			return true
		}
	}
	for _, suffix := range frontendSuffixes {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func isBackendFile(path string) bool {
	p := normalizePath(path)
	for _, pattern := range backendPatterns {
		if strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}
