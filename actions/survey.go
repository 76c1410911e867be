package actions

import (
	"context"
	"strings"
)

const (
	SurveyID = "survey"

	surveyTypeText           = "text"
	surveyTypeMultipleChoice = "multiple-choice"
)

type surveyConfig struct {
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Options  []string `json:"options"`
}

// Survey asks the user a single question
type Survey struct{}

func NewSurvey() *Survey {
	return &Survey{}
}

func (s *Survey) ID() string {
	return SurveyID
}

func (s *Survey) Describe(config map[string]interface{}) Description {
	var cfg surveyConfig
	instructions := "Answer a short survey question."
	if err := decodeConfig(config, &cfg); err == nil && cfg.Question != "" {
		instructions = "Answer the question: " + cfg.Question
	}
	return Description{
		ID:           SurveyID,
		Name:         "Survey",
		Description:  "User answers a sponsor-defined question",
		Instructions: instructions,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"answer"},
			"properties": map[string]interface{}{
				"answer": map[string]interface{}{"type": "string", "minLength": 1},
			},
		},
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"question"},
			"properties": map[string]interface{}{
				"question": map[string]interface{}{"type": "string", "minLength": 1},
				"type": map[string]interface{}{
					"type": "string",
					"enum": []string{surveyTypeText, surveyTypeMultipleChoice},
				},
				"options": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
		},
	}
}

func (s *Survey) Start(ctx context.Context, sc StartContext) (*StartResult, error) {
	var cfg surveyConfig
	_ = decodeConfig(sc.Config, &cfg)

	metadata := map[string]interface{}{
		"question": cfg.Question,
		"type":     surveyType(cfg),
	}
	if len(cfg.Options) > 0 {
		metadata["options"] = cfg.Options
	}
	return &StartResult{
		InstanceID:   newInstanceID(),
		Instructions: s.Describe(sc.Config).Instructions,
		Metadata:     metadata,
	}, nil
}

func (s *Survey) Validate(ctx context.Context, vc ValidateContext) (*ValidationResult, error) {
	var cfg surveyConfig
	if err := decodeConfig(vc.Config, &cfg); err != nil {
		return Failed("Survey is misconfigured: %v", err), nil
	}

	answer := strings.TrimSpace(inputString(vc.Input, "answer"))
	if answer == "" {
		return Failed("Answer is required"), nil
	}

	if surveyType(cfg) == surveyTypeMultipleChoice {
		if !containsString(cfg.Options, answer) {
			return Failed("Answer must be one of the provided options"), nil
		}
	}

	return Completed(map[string]interface{}{"answer": answer}), nil
}

func surveyType(cfg surveyConfig) string {
	if cfg.Type == "" {
		return surveyTypeText
	}
	return cfg.Type
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
