// Package plugin hosts the server's feature surfaces as dependency-ordered
// plugins. Each plugin declares what it needs through Metadata.Dependencies,
// receives its validated config block on Init, publishes the services it
// exposes through the host registry, and is started only after everything it
// depends on is running. Shutdown walks the same order backwards.
package plugin

import "context"

// Metadata identifies a plugin and the plugins it needs running first.
type Metadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// HealthStatus is one plugin's own view of its liveness.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Plugin is the lifecycle contract every feature surface implements.
//
// ConfigSpec returns a pointer to the struct the plugin's config block
// decodes into, carrying defaults; nil means the plugin takes no block.
// Init receives the decoded, validated value and wires the plugin against
// the host registry. Start begins background work; Stop halts it and must
// respect ctx, which carries the per-plugin shutdown grace.
type Plugin interface {
	Meta() Metadata
	ConfigSpec() any
	Init(ctx context.Context, host *Host, cfg any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) HealthStatus
}
