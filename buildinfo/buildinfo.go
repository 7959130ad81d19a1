package buildinfo

import (
	"runtime/debug"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, dep := range info.Deps {
		if dep.Path == "github.com/formsally/allybridge" {
			version = dep.Version
		}
	}
}

// Version reports the module version embedded at build time, or "unknown"
// when built outside module-aware mode. Reported to MCP servers as the client
// version during session initialization.
func Version() string {
	if version == "" {
		return "unknown"
	}
	return version
}
