// Package tools implements the tool registry and executor: a read-only
// catalog of callable tools with schema-validated parameters, per-call
// timeouts, and network-mode gating.
package tools

import (
	"context"
	"time"
)

// Category groups tools for listing and policy.
type Category string

const (
	CategoryFile   Category = "file"
	CategoryCode   Category = "code"
	CategoryGit    Category = "git"
	CategoryWeb    Category = "web"
	CategorySearch Category = "search"
)

// NetworkType classifies a tool's network behavior. Offline mode blocks
// external_api tools; external_download stays available since one-way
// ingress does not exfiltrate local data.
type NetworkType string

const (
	NetworkLocal            NetworkType = "local"
	NetworkInternal         NetworkType = "internal"
	NetworkExternalAPI      NetworkType = "external_api"
	NetworkExternalDownload NetworkType = "external_download"
)

// Metrics is per-invocation accounting attached to every result.
type Metrics struct {
	Elapsed     time.Duration `json:"elapsed"`
	OutputBytes int           `json:"output_bytes"`
}

// Result is what every tool execution returns. Error is a user-safe message;
// diagnostics go to the server log.
type Result struct {
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Error   string  `json:"error,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a failed result with a user-safe message.
func Fail(message string) *Result {
	return &Result{Success: false, Error: message}
}

// Tool is the contract every registered tool implements. Schema returns a
// JSON Schema document (as a generic value) describing the params object;
// it is compiled once at registration.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	NetworkType() NetworkType
	Schema() map[string]any
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Info is the catalog entry returned by listings.
type Info struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    Category    `json:"category"`
	NetworkType NetworkType `json:"network_type"`
	Available   bool        `json:"available"`
}
