package models

import "fmt"

// NetworkError indicates a transport failure: connect, TLS, timeout or a
// 5xx that survived retries. StatusCode is zero when no response arrived.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error: %s returned HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("network error: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// PluginError indicates a plugin-specific failure such as a parse error
// or no resolvable sources.
type PluginError struct {
	Plugin string
	Msg    string
	Err    error
}

func (e *PluginError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Msg)
	}
	return e.Msg
}

func (e *PluginError) Unwrap() error { return e.Err }

// SearchError covers orchestration-level search failures: no plugins
// enabled, empty query, or every source failing.
type SearchError struct {
	Msg string
}

func (e *SearchError) Error() string { return e.Msg }

// DownloadError indicates the stream resolved but the download itself
// failed in a way that must not be retried (4xx, filesystem write).
type DownloadError struct {
	Msg string
	Err error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ValidationError indicates input that violates a model invariant.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ConfigurationError indicates injected configuration the core cannot
// interpret.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func NewNetworkError(url string, status int, err error) *NetworkError {
	return &NetworkError{URL: url, StatusCode: status, Err: err}
}

func NewPluginError(plugin, msg string) *PluginError {
	return &PluginError{Plugin: plugin, Msg: msg}
}

func NewSearchError(format string, args ...interface{}) *SearchError {
	return &SearchError{Msg: fmt.Sprintf(format, args...)}
}

func NewDownloadError(msg string, err error) *DownloadError {
	return &DownloadError{Msg: msg, Err: err}
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Msg: msg}
}

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}
