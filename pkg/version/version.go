package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g. -ldflags "-X github.com/juststayawake/chatuser/pkg/version.Version=v1.2.0".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = v
		case s.Key == "vcs.time" && info.Date == "":
			info.Date = v
		case s.Key == "vcs.modified" && !info.Dirty:
			info.Dirty = strings.EqualFold(v, "true")
		}
	}
	return info
}

func String() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		out += "+" + shortCommit(v.Commit)
	}
	if v.Dirty {
		out += "+dirty"
	}
	return out
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// Detailed is the multi-line banner printed by the version commands.
func Detailed(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "chatuser"
	}
	out := fmt.Sprintf("%s %s", component, String())
	if d := Current().Date; d != "" {
		out += "\nBuilt: " + d
	}
	return out
}
