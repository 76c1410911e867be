package actions

import (
	"context"
	"regexp"
	"strings"
)

const EmailCaptureID = "email-capture"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type emailCaptureConfig struct {
	ListName    string `json:"listName"`
	ConsentText string `json:"consentText"`
}

// EmailCapture collects the user's email address for the sponsor
type EmailCapture struct{}

func NewEmailCapture() *EmailCapture {
	return &EmailCapture{}
}

func (e *EmailCapture) ID() string {
	return EmailCaptureID
}

func (e *EmailCapture) Describe(config map[string]interface{}) Description {
	var cfg emailCaptureConfig
	instructions := "Share your email address with the sponsor."
	if err := decodeConfig(config, &cfg); err == nil && cfg.ListName != "" {
		instructions = "Share your email address to join " + cfg.ListName + "."
	}
	return Description{
		ID:           EmailCaptureID,
		Name:         "Email capture",
		Description:  "User submits an email address",
		Instructions: instructions,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"email"},
			"properties": map[string]interface{}{
				"email": map[string]interface{}{"type": "string", "format": "email"},
			},
		},
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"listName":    map[string]interface{}{"type": "string"},
				"consentText": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (e *EmailCapture) Start(ctx context.Context, sc StartContext) (*StartResult, error) {
	var cfg emailCaptureConfig
	_ = decodeConfig(sc.Config, &cfg)

	metadata := map[string]interface{}{}
	if cfg.ConsentText != "" {
		metadata["consentText"] = cfg.ConsentText
	}
	return &StartResult{
		InstanceID:   newInstanceID(),
		Instructions: e.Describe(sc.Config).Instructions,
		Metadata:     metadata,
	}, nil
}

func (e *EmailCapture) Validate(ctx context.Context, vc ValidateContext) (*ValidationResult, error) {
	email := strings.TrimSpace(inputString(vc.Input, "email"))
	if email == "" {
		return Failed("Email is required"), nil
	}
	if !emailPattern.MatchString(email) {
		return Failed("Invalid email format"), nil
	}
	return Completed(map[string]interface{}{"email": email}), nil
}
