// Package actions implements the verification tasks a user completes in
// exchange for sponsorship, and the registry that resolves them by id.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is the outcome of a plugin validation
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Description tells a sponsor UI what a plugin needs.
// InputSchema describes the user input accepted by Validate and ConfigSchema
// the per-action config accepted at action creation.
type Description struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Instructions string                 `json:"instructions"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
	ConfigSchema map[string]interface{} `json:"configSchema"`
	Verification string                 `json:"verification,omitempty"`
}

// StartContext is passed to Plugin.Start
type StartContext struct {
	UserID     string
	ResourceID string
	ActionID   string
	Config     map[string]interface{}
}

// StartResult is returned by Plugin.Start.
// Metadata is returned to the caller; State is persisted with the redemption
// and handed back to Validate but never shown to the user.
type StartResult struct {
	InstanceID   string                 `json:"instanceId"`
	Instructions string                 `json:"instructions"`
	URL          string                 `json:"url,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	State        map[string]interface{} `json:"-"`
}

// ValidateContext is passed to Plugin.Validate
type ValidateContext struct {
	InstanceID string
	UserID     string
	ResourceID string
	ActionID   string
	Config     map[string]interface{}
	Input      map[string]interface{}
	State      map[string]interface{}
}

// ValidationResult is returned by Plugin.Validate
type ValidationResult struct {
	Status         Status                 `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	RewardEligible bool                   `json:"rewardEligible"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Plugin is a verification task. Implementations must narrow the action
// config into their own typed config and treat malformed input as a failed
// validation rather than an error. Errors are reserved for infrastructure
// failures.
type Plugin interface {
	ID() string
	Describe(config map[string]interface{}) Description
	Start(ctx context.Context, sc StartContext) (*StartResult, error)
	Validate(ctx context.Context, vc ValidateContext) (*ValidationResult, error)
}

// Completed builds a successful validation result
func Completed(metadata map[string]interface{}) *ValidationResult {
	return &ValidationResult{Status: StatusCompleted, RewardEligible: true, Metadata: metadata}
}

// Failed builds a failed validation result
func Failed(format string, args ...interface{}) *ValidationResult {
	return &ValidationResult{Status: StatusFailed, Reason: fmt.Sprintf(format, args...)}
}

// decodeConfig narrows a schema-less config bag into a typed struct
func decodeConfig(raw map[string]interface{}, out interface{}) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// inputString returns a string input field, "" when missing or not a string
func inputString(input map[string]interface{}, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
