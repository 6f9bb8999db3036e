package config

type Config struct {
	Feed    FeedConfig    `json:"feed"`
	Logging LoggingConfig `json:"logging"`
	Alert   *AlertConfig  `json:"alert,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Media   MediaConfig   `json:"media,omitempty"`

	// State controls the optional persistence layer used for destination
	// auth state (refreshed access tokens). Event history is never persisted.
	State *StateConfig `json:"state,omitempty"`

	Destinations DestinationsConfig `json:"destinations"`
}

// FeedConfig describes the upstream content feed.
//
// Only events signed by Signer and carrying one of the recognized content
// schemas are republished. Timeline is the shared default routing label:
// destinations without their own timeline override receive events that
// belong to it.
type FeedConfig struct {
	StreamURL string `json:"stream_url"`
	APIBase   string `json:"api_base,omitempty"`
	Signer    string `json:"signer"`
	Timeline  string `json:"timeline"`

	// ReadTimeout bounds a single stream read. Go duration string.
	ReadTimeout string `json:"read_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Alert   LogAlertConfig `json:"alert,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogAlertConfig mirrors records at or above MinLevel to the operator alert
// channel (see AlertConfig). Rate-limited so a failure storm cannot flood it.
type LogAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AlertConfig configures the Telegram operator channel used by the log alert
// sink. Optional; when omitted terminal failures are only logged.
type AlertConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// MetricsConfig controls the HTTP endpoint exposing /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// MediaConfig tunes the media pipeline.
//
// Defaults (when fields are omitted/zero):
//   - max_image_bytes: 976560
//   - max_image_width: 2048
//   - default_aspect:  "4:3" (applied when source dimensions cannot be read)
//   - fetch_timeout:   "30s"
type MediaConfig struct {
	MaxImageBytes int    `json:"max_image_bytes,omitempty"`
	MaxImageWidth int    `json:"max_image_width,omitempty"`
	DefaultAspect string `json:"default_aspect,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`
}

// StateConfig controls the auth-state store.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", state is kept in memory only.
type StateConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DestinationsConfig struct {
	Direct    *DirectConfig    `json:"direct,omitempty"`
	Container *ContainerConfig `json:"container,omitempty"`
	JobQueue  *JobQueueConfig  `json:"jobqueue,omitempty"`
	Multicast *MulticastConfig `json:"multicast,omitempty"`
}

// DirectConfig configures the synchronous-upload destination.
//
// WebhookURL/WebhookImageURL point at the lightweight notification channel
// used instead of the platform API for text-only posts and for the
// single-clean-image special case.
type DirectConfig struct {
	Enabled  bool   `json:"enabled"`
	Timeline string `json:"timeline,omitempty"`

	APIBase         string `json:"api_base,omitempty"`
	APIKey          string `json:"api_key"`
	APIKeySecret    string `json:"api_key_secret"`
	AccessToken     string `json:"access_token"`
	AccessSecret    string `json:"access_secret"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookImageURL string `json:"webhook_image_url,omitempty"`
}

// ContainerConfig configures the polling-container destination.
type ContainerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timeline string `json:"timeline,omitempty"`

	APIBase     string `json:"api_base,omitempty"`
	AccessToken string `json:"access_token"`

	// RefreshSchedule is a cron spec for the access-token refresh job.
	// Default: "0 4 * * *".
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
}

// JobQueueConfig configures the async-job-polling destination.
type JobQueueConfig struct {
	Enabled  bool   `json:"enabled"`
	Timeline string `json:"timeline,omitempty"`

	Service     string `json:"service"`
	Identifier  string `json:"identifier"`
	AppPassword string `json:"app_password"`

	// TranscodeURL is the base URL of the remote transcoding service.
	TranscodeURL string `json:"transcode_url,omitempty"`

	// Langs tags published records. Default: ["ja"].
	Langs []string `json:"langs,omitempty"`
}

// MulticastConfig configures the multi-endpoint-broadcast destination.
type MulticastConfig struct {
	Enabled  bool   `json:"enabled"`
	Timeline string `json:"timeline,omitempty"`

	Endpoints  []string `json:"endpoints"`
	SigningKey string   `json:"signing_key,omitempty"`

	// RatePerSec paces endpoint sends. Default: 5.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
