// Package version carries the build information stamped in by ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Filled at build time by -ldflags.
var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = ""
	buildDate  = ""
)

// Info is the build information of this binary.
type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

// Get returns the build information.
func Get() Info {
	return Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// PrintVersionInfo writes the build information to stdout.
func PrintVersionInfo() {
	info := Get()
	fmt.Printf("version: %s, commit: %s, built: %s, go: %s, platform: %s\n",
		info.GitVersion, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
}
