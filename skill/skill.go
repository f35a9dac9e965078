// Package skill loads Agent Skills: directories carrying a SKILL.md file
// whose YAML frontmatter names the skill and whose markdown body instructs
// the agent. Agents referencing a skill get its content appended to their
// system prompt.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentcheck/agentcheck/logger"
)

const (
	FileName     = "SKILL.md"
	MaxNameLen   = 64
	MaxDescLen   = 1024
	MaxCompatLen = 500
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Metadata is the YAML frontmatter of a SKILL.md file, following the Agent
// Skills specification (agentskills.io/specification).
type Metadata struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	License       string            `yaml:"license,omitempty"`
	Compatibility string            `yaml:"compatibility,omitempty"`
	AllowedTools  string            `yaml:"allowed-tools,omitempty"`
	Version       string            `yaml:"version,omitempty"`
	Tags          []string          `yaml:"tags,omitempty"`
	Extra         map[string]string `yaml:"metadata,omitempty"`
}

// Skill is a loaded and validated Agent Skill.
type Skill struct {
	Path     string   // absolute path to the skill directory
	Metadata Metadata // parsed frontmatter
	Content  string   // full SKILL.md content, frontmatter included
	Body     string   // markdown body after the frontmatter
}

// Load reads and validates the skill at the given directory path.
func Load(path string) (*Skill, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve skill path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("skill directory not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skill path must be a directory: %s", absPath)
	}

	raw, err := os.ReadFile(filepath.Join(absPath, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	content := string(raw)

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := validateMetadata(meta); err != nil {
		return nil, fmt.Errorf("invalid skill metadata: %w", err)
	}

	logger.Logger.Info("Loaded skill",
		"name", meta.Name,
		"path", absPath,
		"body_length", len(body))

	return &Skill{
		Path:     absPath,
		Metadata: *meta,
		Content:  content,
		Body:     body,
	}, nil
}

// PromptBlock returns the skill text to append to an agent's system prompt.
// The frontmatter stays in: name and description give the model the framing
// the skill authors intended.
func (s *Skill) PromptBlock() string {
	return s.Content
}

// parseFrontmatter splits a SKILL.md document into its YAML frontmatter and
// markdown body. The frontmatter must open the file and be delimited by ---
// lines.
func parseFrontmatter(content string) (*Metadata, string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	if !strings.HasPrefix(content, "---") {
		return nil, "", fmt.Errorf("%s must start with YAML frontmatter (---)", FileName)
	}

	rest := content[3:]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return nil, "", fmt.Errorf("%s frontmatter not properly closed (missing ---)", FileName)
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, "", fmt.Errorf("invalid YAML frontmatter: %w", err)
	}

	body := rest[end+4:]
	body = strings.TrimPrefix(body, "\n")
	return &meta, body, nil
}

func validateMetadata(m *Metadata) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Name) > MaxNameLen {
		return fmt.Errorf("name must be 1-%d characters, got %d", MaxNameLen, len(m.Name))
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name must be lowercase alphanumeric with hyphens, no leading/trailing/consecutive hyphens: %s", m.Name)
	}

	if m.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(m.Description) > MaxDescLen {
		return fmt.Errorf("description must be 1-%d characters, got %d", MaxDescLen, len(m.Description))
	}

	if len(m.Compatibility) > MaxCompatLen {
		return fmt.Errorf("compatibility must be 1-%d characters, got %d", MaxCompatLen, len(m.Compatibility))
	}
	return nil
}
