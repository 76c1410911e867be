package actions

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

const (
	CodeVerificationID = "code-verification"

	defaultCodeLength = 6
	maxCodeLength     = 32
	codeAlphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	expectedCodeKey   = "expectedCode"
)

type codeVerificationConfig struct {
	Code         string `json:"code"`
	AutoGenerate bool   `json:"autoGenerate"`
	CodeLength   int    `json:"codeLength"`
	URL          string `json:"url"`
}

// CodeVerification asks the user for a code published by the sponsor.
// With autoGenerate each instance gets its own code, appended to the sponsor
// URL as the "code" query parameter so the sponsor page can display it.
type CodeVerification struct{}

func NewCodeVerification() *CodeVerification {
	return &CodeVerification{}
}

func (c *CodeVerification) ID() string {
	return CodeVerificationID
}

func (c *CodeVerification) Describe(config map[string]interface{}) Description {
	var cfg codeVerificationConfig
	instructions := "Enter the verification code provided by the sponsor."
	if err := decodeConfig(config, &cfg); err == nil && cfg.URL != "" {
		instructions = "Visit " + cfg.URL + " and enter the verification code shown there."
	}
	return Description{
		ID:           CodeVerificationID,
		Name:         "Code verification",
		Description:  "User submits a code published by the sponsor",
		Instructions: instructions,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"code"},
			"properties": map[string]interface{}{
				"code": map[string]interface{}{"type": "string", "minLength": 1},
			},
		},
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"code":         map[string]interface{}{"type": "string"},
				"autoGenerate": map[string]interface{}{"type": "boolean"},
				"codeLength": map[string]interface{}{
					"type":    "integer",
					"minimum": 4,
					"maximum": maxCodeLength,
				},
				"url": map[string]interface{}{"type": "string", "format": "uri"},
			},
		},
	}
}

func (c *CodeVerification) Start(ctx context.Context, sc StartContext) (*StartResult, error) {
	var cfg codeVerificationConfig
	_ = decodeConfig(sc.Config, &cfg)

	result := &StartResult{
		InstanceID:   newInstanceID(),
		Instructions: c.Describe(sc.Config).Instructions,
		Metadata:     map[string]interface{}{},
		URL:          cfg.URL,
	}

	if cfg.Code == "" && cfg.AutoGenerate {
		code, err := generateCode(cfg.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate verification code: %w", err)
		}
		result.State = map[string]interface{}{expectedCodeKey: code}
		if cfg.URL != "" {
			u, err := url.Parse(cfg.URL)
			if err == nil {
				q := u.Query()
				q.Set("code", code)
				u.RawQuery = q.Encode()
				result.URL = u.String()
			}
		}
	}
	return result, nil
}

func (c *CodeVerification) Validate(ctx context.Context, vc ValidateContext) (*ValidationResult, error) {
	var cfg codeVerificationConfig
	if err := decodeConfig(vc.Config, &cfg); err != nil {
		return Failed("Code verification is misconfigured: %v", err), nil
	}

	expected := strings.TrimSpace(cfg.Code)
	if expected == "" && vc.State != nil {
		expected, _ = vc.State[expectedCodeKey].(string)
	}
	if expected == "" {
		return Failed("No verification code is configured for this action"), nil
	}

	submitted := strings.TrimSpace(inputString(vc.Input, "code"))
	if submitted == "" {
		return Failed("Code is required"), nil
	}
	if !strings.EqualFold(submitted, expected) {
		return Failed("Invalid verification code"), nil
	}
	return Completed(nil), nil
}

func generateCode(length int) (string, error) {
	if length <= 0 {
		length = defaultCodeLength
	}
	if length > maxCodeLength {
		length = maxCodeLength
	}
	max := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
