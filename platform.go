package castore

import "runtime"

// platformString maps the running Go toolchain's GOARCH/GOOS to the
// "<arch>-<os>" system strings derivations declare in their Platform field,
// e.g. "x86_64-linux" or "aarch64-darwin".
func platformString() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}

	osName := runtime.GOOS
	switch osName {
	case "darwin":
		osName = "darwin"
	case "linux":
		osName = "linux"
	}

	return arch + "-" + osName
}
