package senate

import (
	"fmt"
	"runtime"
)

var (
	// CurrentCommit is the current git commit hash, injected at build time.
	CurrentCommit = ""

	// CurrentBranch is the current git branch, injected at build time.
	CurrentBranch = ""

	// CurrentVersion is the current release tag, injected at build time.
	CurrentVersion = "dev"

	// BuildDate is the build timestamp, injected at build time.
	BuildDate = ""

	// GoVersion is the Go toolchain version used for the build.
	GoVersion = runtime.Version()

	// Platform is the target os/arch pair.
	Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
)
