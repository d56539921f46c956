package apis

import "runtime"

// Platform is the canonical platform label agents report and release
// artifacts are keyed by, e.g. "linux-amd64". Dashes keep the label
// usable as a URL path segment in the release download route.
func Platform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}
