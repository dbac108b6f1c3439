// Package version reports details on the current binary build.
package version

import (
	"runtime"
	"runtime/debug"
)

// VCSTag is the tag of the build, injected with ldflags
var VCSTag = ""

// Info reports details on the current binary
type Info struct {
	VCSCommit string `json:"vcsCommit,omitempty"`
	VCSDate   string `json:"vcsDate,omitempty"`
	VCSRef    string `json:"vcsRef,omitempty"`
	VCSState  string `json:"vcsState,omitempty"`
	VCSTag    string `json:"vcsTag,omitempty"`
	Platform  string `json:"platform,omitempty"`
	GoVer     string `json:"goVer,omitempty"`
	GoCompile string `json:"goCompile,omitempty"`
}

// GetInfo returns the available details on the current binary
func GetInfo() Info {
	i := Info{
		VCSTag:    VCSTag,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		GoVer:     runtime.Version(),
		GoCompile: runtime.Compiler,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.VCSCommit = s.Value
			if len(s.Value) > 8 {
				i.VCSRef = s.Value[:8]
			} else {
				i.VCSRef = s.Value
			}
		case "vcs.time":
			i.VCSDate = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				i.VCSState = "dirty"
			} else {
				i.VCSState = "clean"
			}
		}
	}
	return i
}
