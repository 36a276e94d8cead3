package config

import (
	"os"
	"sync"
)

// HostGatewayAlias reaches services on the host machine from inside a container.
const HostGatewayAlias = "host.docker.internal"

// containerMarkers are files present inside Docker and Podman containers.
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

var inContainer = sync.OnceValue(func() bool {
	for _, marker := range containerMarkers {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
})

// IsRunningInDocker reports whether the engine runs inside a container. Cached after the first call.
func IsRunningInDocker() bool {
	return inContainer()
}

// ResolveHostForDocker maps loopback database and Redis hosts to the host gateway
// when running in a container. Any other host is returned unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, containerized bool) string {
	if !containerized {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return HostGatewayAlias
	}
	return host
}
