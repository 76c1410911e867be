package actions

import (
	"context"
	"regexp"
	"strings"
)

const GithubStarID = "github-star"

// VerificationUnverified marks results that rest on client-submitted evidence only
const VerificationUnverified = "unverified"

var (
	repositoryPattern     = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	githubUsernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
)

type githubStarConfig struct {
	Repository string `json:"repository"`
}

// GithubStar asks the user to star a repository.
// The star is not checked against the GitHub API; results are marked unverified.
type GithubStar struct{}

func NewGithubStar() *GithubStar {
	return &GithubStar{}
}

func (g *GithubStar) ID() string {
	return GithubStarID
}

func (g *GithubStar) Describe(config map[string]interface{}) Description {
	var cfg githubStarConfig
	instructions := "Star the sponsor's GitHub repository."
	if err := decodeConfig(config, &cfg); err == nil && cfg.Repository != "" {
		instructions = "Star https://github.com/" + cfg.Repository + " and submit your GitHub username."
	}
	return Description{
		ID:           GithubStarID,
		Name:         "GitHub star",
		Description:  "User stars a GitHub repository",
		Instructions: instructions,
		Verification: VerificationUnverified,
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"githubUsername"},
			"properties": map[string]interface{}{
				"githubUsername": map[string]interface{}{"type": "string", "minLength": 1},
			},
		},
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"repository"},
			"properties": map[string]interface{}{
				"repository": map[string]interface{}{
					"type":    "string",
					"pattern": repositoryPattern.String(),
				},
			},
		},
	}
}

func (g *GithubStar) Start(ctx context.Context, sc StartContext) (*StartResult, error) {
	var cfg githubStarConfig
	_ = decodeConfig(sc.Config, &cfg)

	result := &StartResult{
		InstanceID:   newInstanceID(),
		Instructions: g.Describe(sc.Config).Instructions,
		Metadata: map[string]interface{}{
			"repository":   cfg.Repository,
			"verification": VerificationUnverified,
		},
	}
	if cfg.Repository != "" {
		result.URL = "https://github.com/" + cfg.Repository
	}
	return result, nil
}

func (g *GithubStar) Validate(ctx context.Context, vc ValidateContext) (*ValidationResult, error) {
	var cfg githubStarConfig
	if err := decodeConfig(vc.Config, &cfg); err != nil || cfg.Repository == "" {
		return Failed("GitHub repository is not configured"), nil
	}

	username := strings.TrimSpace(inputString(vc.Input, "githubUsername"))
	if username == "" {
		return Failed("GitHub username is required"), nil
	}
	if !githubUsernamePattern.MatchString(username) {
		return Failed("Invalid GitHub username"), nil
	}

	// TODO: confirm the star through the GitHub stargazers API before completing
	return Completed(map[string]interface{}{
		"githubUsername": username,
		"repository":     cfg.Repository,
		"verification":   VerificationUnverified,
	}), nil
}
