// Package version provides the client identification used in handshakes.
package version

import (
	"fmt"
	"runtime/debug"
)

const (
	clientName  = "PW"
	major       = 0
	minor       = 1
	revision    = 0
	modulePath  = "github.com/anacrolix/peerwire"
	unknownPart = "unknown"
)

var (
	// BEP 20 peer id prefix. This should be updated when behaviour changes in a way that other
	// peers could care about.
	DefaultBep20Prefix = GenerateFingerprint(clientName, major, minor, revision, 0)
	// Suitable for the "v" key of an extended handshake.
	DefaultClientVersion string
)

func init() {
	mainPath, mainVersion, libVersion := unknownPart, unknownPart, unknownPart
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		mainPath = buildInfo.Main.Path
		mainVersion = buildInfo.Main.Version
		// Note that if the main module is this module, we get a version of "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if dep.Path == modulePath {
				libVersion = dep.Version
			}
		}
	}
	DefaultClientVersion = fmt.Sprintf("%v %v (peerwire %v)", mainPath, mainVersion, libVersion)
}
