// Package profile resolves the host's os/architecture signature in the
// orchestrator's tool vocabulary and picks the runner tool built for it.
package profile

import (
	"runtime"

	"github.com/terrpan/garm-provider-pm2/internal/provider"
)

// Profile is the {os, architecture} signature of a host.
type Profile struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

func (p Profile) String() string {
	return p.OS + "/" + p.Architecture
}

var osTable = map[string]string{
	"darwin":  "osx",
	"windows": "win",
	"win32":   "win",
}

var archTable = map[string]string{
	"amd64": "x64",
	"386":   "x86",
}

// Resolve rewrites an OS and architecture through the fixed tables.
// Values without an entry pass through unchanged.
func Resolve(goos, goarch string) Profile {
	p := Profile{OS: goos, Architecture: goarch}
	if v, ok := osTable[goos]; ok {
		p.OS = v
	}
	if v, ok := archTable[goarch]; ok {
		p.Architecture = v
	}
	return p
}

// Current returns the profile of the running host.
func Current() Profile {
	return Resolve(runtime.GOOS, runtime.GOARCH)
}

// Selection is the outcome of SelectTool.
type Selection struct {
	Tool    provider.Tool
	Matches int
}

// Ambiguous reports whether more than one tool matched.  The first
// candidate is still selected.
func (s Selection) Ambiguous() bool { return s.Matches > 1 }

// SelectTool returns the tool whose os and architecture equal the
// profile.  No match is a KindNoMatchingTool error naming the
// signature; several matches select the first.
func SelectTool(tools []provider.Tool, p Profile) (Selection, error) {
	var matches []provider.Tool
	for _, t := range tools {
		if t.OS == p.OS && t.Architecture == p.Architecture {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return Selection{}, provider.NewError(provider.KindNoMatchingTool, nil,
			"no tools available for %s", p)
	}
	return Selection{Tool: matches[0], Matches: len(matches)}, nil
}
