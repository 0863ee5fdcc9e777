package dataguard

import (
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a DataGuard server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// wrapConfig holds per-wrap settings.
type wrapConfig struct {
	agentID         string
	sessionID       string
	tenantID        string
	category        string
	intendedOutcome string
	reportOutcome   bool
}

// WrapOption configures Wrap.
type WrapOption func(*wrapConfig)

// WithAgentID identifies the calling agent.
func WithAgentID(id string) WrapOption {
	return func(w *wrapConfig) { w.agentID = id }
}

// WithSessionID pins the conversation/session id.
func WithSessionID(id string) WrapOption {
	return func(w *wrapConfig) { w.sessionID = id }
}

// WithTenantID sets the tenant carried in the call context.
func WithTenantID(id string) WrapOption {
	return func(w *wrapConfig) { w.tenantID = id }
}

// WithCategory sets the tool category sent with every proposal.
func WithCategory(category string) WrapOption {
	return func(w *wrapConfig) { w.category = category }
}

// WithIntendedOutcome states the agent's purpose for the call.
func WithIntendedOutcome(outcome string) WrapOption {
	return func(w *wrapConfig) { w.intendedOutcome = outcome }
}

// WithOutcomeReporting reports each wrapped call's result back for audit.
func WithOutcomeReporting() WrapOption {
	return func(w *wrapConfig) { w.reportOutcome = true }
}
