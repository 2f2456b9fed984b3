// Package spec defines the request payloads accepted by the admin API.
package spec

// AppInstallSpec defines the structure for an app install request.
// This is what is sent to the API.
type AppInstallSpec struct {
	Name           string            `json:"name"`
	Slug           string            `json:"slug"`
	SourceType     string            `json:"source_type"`
	SourceURL      string            `json:"source_url"`
	Version        string            `json:"version,omitempty"`
	InternalPort   int               `json:"internal_port"`
	WebhookPath    string            `json:"webhook_path,omitempty"`
	WebhookEvents  []string          `json:"webhook_events,omitempty"`
	APIPermissions []string          `json:"api_permissions,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecSpec defines a command to run inside an app's container.
type ExecSpec struct {
	Cmd []string `json:"cmd"`
}

// ConnectionSpec defines a node-backend connection create request.
type ConnectionSpec struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Password string `json:"password"`
}

// ConnectionUpdateSpec carries partial connection updates; nil fields are
// left unchanged.
type ConnectionUpdateSpec struct {
	Name     *string `json:"name,omitempty"`
	URL      *string `json:"url,omitempty"`
	Password *string `json:"password,omitempty"`
}
