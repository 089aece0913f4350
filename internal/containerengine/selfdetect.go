package containerengine

import "os"

// RunningInContainer reports whether the current process is itself
// running inside a container, which changes how the engine should reach
// the Docker socket (bind-mounted at the same path vs. reachable only via
// a host-network proxy) and how volume paths should be interpreted.
func RunningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}
	return false
}
