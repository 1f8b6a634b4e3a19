// Package namespace provides join and split helpers for namespaced tool
// names of the form server__tool.
//
// Examples:
//
//	weather__forecast          (server "weather", tool "forecast")
//	github__issues__create     (server "github", tool "issues__create")
//
// The separator is two underscores. Splitting always happens on the FIRST
// occurrence, so tool names may themselves contain the separator and the
// server name is still recovered exactly. Server names therefore must not
// contain the separator; Join validation enforces this at registration time.
package namespace

import (
	"fmt"
	"strings"
)

// Sep separates the server name from the tool name in a namespaced name.
const Sep = "__"

// Join builds the namespaced name for a tool on a server.
func Join(serverName, toolName string) string {
	return serverName + Sep + toolName
}

// Split parses a namespaced name back into (serverName, toolName).
// It splits on the first occurrence of Sep so that tool names containing
// the separator round-trip correctly.
func Split(namespaced string) (serverName, toolName string, err error) {
	serverName, toolName, ok := strings.Cut(namespaced, Sep)
	if !ok {
		return "", "", fmt.Errorf("invalid namespaced tool name %q: expected server%stool", namespaced, Sep)
	}
	if serverName == "" {
		return "", "", fmt.Errorf("invalid namespaced tool name %q: empty server name", namespaced)
	}
	return serverName, toolName, nil
}

// ServerPrefix returns the key prefix shared by all tools of one server.
// Useful for prefix scans and bulk removal.
func ServerPrefix(serverName string) string {
	return serverName + Sep
}

// ValidServerName reports whether a server name can be namespaced without
// ambiguity: non-empty and free of the separator.
func ValidServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name must not be empty")
	}
	if strings.Contains(name, Sep) {
		return fmt.Errorf("server name %q must not contain %q", name, Sep)
	}
	return nil
}
