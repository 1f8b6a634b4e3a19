package registry

import (
	"encoding/json"
	"time"
)

// TransportKind says how the gateway reaches a downstream server.
type TransportKind string

const (
	// TransportHTTP connects over streamable HTTP at the server's URL.
	TransportHTTP TransportKind = "http"
	// TransportSSE connects over the legacy SSE endpoint.
	TransportSSE TransportKind = "sse"
	// TransportStdio spawns the server as a subprocess and speaks over pipes.
	TransportStdio TransportKind = "stdio"
)

// ConnectionMode controls whether the gateway holds a session open across
// calls or reconnects per call.
type ConnectionMode string

const (
	ConnectionStateful  ConnectionMode = "stateful"
	ConnectionStateless ConnectionMode = "stateless"
)

// LoadingMode controls when a server's tools become callable.
type LoadingMode string

const (
	// LoadingEager activates every tool as soon as discovery completes.
	LoadingEager LoadingMode = "eager"
	// LoadingDeferred indexes tools for search but activates each one only
	// when a search first surfaces it.
	LoadingDeferred LoadingMode = "deferred"
)

// ServerStatus is the gateway's view of a downstream server's health.
type ServerStatus string

const (
	ServerStatusRegistered  ServerStatus = "registered"
	ServerStatusHealthy     ServerStatus = "healthy"
	ServerStatusUnreachable ServerStatus = "unreachable"
)

// AuthConfig holds static headers attached to every call forwarded to a
// server. Stored separately from the registration so listings never carry
// credentials.
type AuthConfig struct {
	Headers map[string]string `json:"headers"`
}

// ServerRegistration describes one downstream server. Name is the primary
// key and is immutable once created; other fields change only via explicit
// re-registration with overwrite.
type ServerRegistration struct {
	Name           string            `json:"name"`
	Transport      TransportKind     `json:"transport"`
	URL            string            `json:"url,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ConnectionMode ConnectionMode    `json:"connection_mode"`
	LoadingMode    LoadingMode       `json:"loading_mode"`
}

// ServerInfo is the listing view of a registered server.
type ServerInfo struct {
	Name            string        `json:"name"`
	Transport       TransportKind `json:"transport"`
	URL             string        `json:"url,omitempty"`
	LoadingMode     LoadingMode   `json:"loading_mode"`
	Status          ServerStatus  `json:"status"`
	RegisteredAt    time.Time     `json:"registered_at"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`
	ToolCount       int           `json:"tool_count"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// ToolArgument is one parameter of a tool, as extracted from its input schema.
type ToolArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolDefinition is the full schema for one tool as discovered downstream.
// One set per server, replaced wholesale on rediscovery.
type ToolDefinition struct {
	NamespacedName string          `json:"namespaced_name"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	Arguments      []ToolArgument  `json:"arguments,omitempty"`
}

// ToolMetadata is the compact subset of ToolDefinition the search index
// consumes. Persisted separately so the index can be rebuilt without
// refetching full definitions.
type ToolMetadata struct {
	NamespacedName string         `json:"namespaced_name"`
	ServerName     string         `json:"server_name"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Arguments      []ToolArgument `json:"arguments,omitempty"`
}

// MetadataOf derives the indexable metadata from a full definition.
func MetadataOf(serverName string, def ToolDefinition) ToolMetadata {
	return ToolMetadata{
		NamespacedName: def.NamespacedName,
		ServerName:     serverName,
		Name:           def.Name,
		Description:    def.Description,
		Arguments:      def.Arguments,
	}
}
