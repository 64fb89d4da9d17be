// Package version identifies the running build in logs and User-Agent
// strings.
package version

import "runtime/debug"

const appName = "streamplex"

// commit can be injected for builds without VCS metadata:
//
//	go build -ldflags "-X github.com/streamplex/streamplex/pkg/version.commit=<sha>"
var commit string

// Full returns "streamplex/<short-commit>", with "dev" when no revision
// is known (go test, non-git builds).
func Full() string {
	return appName + "/" + shortCommit()
}

func shortCommit() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
}
