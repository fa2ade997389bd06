// Package version extracts build and dependency information from the
// running binary for `elspeth run -v`, adapted from the teacher's
// runtime/debug-based version package.
package version

import (
	"runtime/debug"
	"sort"
)

// ModulePath is this module's own import path, used by GetModuleVersion to
// tell "this binary IS elspeth" apart from "elspeth is a dependency".
const ModulePath = "github.com/elspeth/elspeth"

// DependencyInfo is one module dependency and its resolved version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the build-time information reported by `elspeth run -v`.
type BuildInfo struct {
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	MainVersion  string           `json:"mainVersion"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts build information embedded at build time via
// runtime/debug.ReadBuildInfo.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{GoVersion: "unknown", MainModule: "unknown", MainVersion: "unknown", Dependencies: []DependencyInfo{}}
	}

	buildInfo := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}

	for _, dep := range info.Deps {
		depInfo := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, depInfo)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}

// GetModuleVersion returns elspeth's own module version: the main module's
// version when this binary IS elspeth, "dev" for an unreleased build, or
// "unknown" if the binary was built without module information.
func GetModuleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Path == ModulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}
	for _, dep := range info.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version + " (replaced)"
			}
			return dep.Version
		}
	}
	return "unknown"
}

// GetDependency returns version information for one dependency, or nil if
// it is not present in the build.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			depInfo := &DependencyInfo{Path: dep.Path, Version: dep.Version}
			if dep.Replace != nil {
				depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
			}
			return depInfo
		}
	}
	return nil
}
