// Package config loads the decision settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/decisionbot/project/internal/decision"
)

type Config struct {
	GitHub   GitHubConfig          `toml:"github"`
	Decision DecisionConfig        `toml:"decision"`
	Repos    map[string]RepoConfig `toml:"repos"`
}

type GitHubConfig struct {
	Org string `toml:"org"`
	Bot string `toml:"bot"`
}

// DecisionConfig applies to every repository without its own [repos] entry.
type DecisionConfig struct {
	Team string `toml:"team"`
}

type RepoConfig struct {
	Team     string `toml:"team"`
	Disabled bool   `toml:"disabled"`
}

func Default() Config {
	return Config{
		GitHub: GitHubConfig{Bot: "decisionbot"},
		Repos:  map[string]RepoConfig{},
	}
}

// Load reads path over defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.GitHub.Org = strings.TrimSpace(c.GitHub.Org)
	c.GitHub.Bot = strings.TrimPrefix(strings.TrimSpace(c.GitHub.Bot), "@")
	c.Decision.Team = strings.TrimSpace(c.Decision.Team)
	repos := make(map[string]RepoConfig, len(c.Repos))
	for name, repo := range c.Repos {
		repo.Team = strings.TrimSpace(repo.Team)
		repos[strings.ToLower(strings.TrimSpace(name))] = repo
	}
	c.Repos = repos
}

func (c Config) Validate() error {
	if c.GitHub.Bot == "" {
		return errors.New("github.bot is required")
	}
	for name, repo := range c.Repos {
		owner, repoName, ok := strings.Cut(name, "/")
		if !ok || owner == "" || repoName == "" || strings.Contains(repoName, "/") {
			return fmt.Errorf("repos.%q must be of the form owner/name", name)
		}
		if !repo.Disabled && repo.Team == "" && c.Decision.Team == "" {
			return fmt.Errorf("repos.%q has no team and decision.team is empty", name)
		}
	}
	return nil
}

// ForRepository resolves the decision settings for repo ("owner/name").
// ok is false when the repository is disabled or no team applies to it.
func (c Config) ForRepository(repo string) (decision.Config, bool) {
	team := c.Decision.Team
	if rc, found := c.Repos[strings.ToLower(strings.TrimSpace(repo))]; found {
		if rc.Disabled {
			return decision.Config{}, false
		}
		if rc.Team != "" {
			team = rc.Team
		}
	}
	if team == "" {
		return decision.Config{}, false
	}
	return decision.Config{Team: team}, true
}
