package skill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSkill creates a skill directory holding the given SKILL.md content.
func writeSkill(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "test-skill")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	return dir
}

func TestLoadValidSkill(t *testing.T) {
	dir := writeSkill(t, `---
name: code-review
description: Reviews Go code for common mistakes.
license: MIT
version: 1.0.0
compatibility: Requires a filesystem tool.
allowed-tools: fs_read fs_write
tags:
  - review
  - golang
metadata:
  author: someone
---

# Code Review

Check error handling first.
`)

	s, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "code-review", s.Metadata.Name)
	assert.Equal(t, "Reviews Go code for common mistakes.", s.Metadata.Description)
	assert.Equal(t, "MIT", s.Metadata.License)
	assert.Equal(t, "1.0.0", s.Metadata.Version)
	assert.Equal(t, "Requires a filesystem tool.", s.Metadata.Compatibility)
	assert.Equal(t, "fs_read fs_write", s.Metadata.AllowedTools)
	assert.Equal(t, []string{"review", "golang"}, s.Metadata.Tags)
	assert.Equal(t, "someone", s.Metadata.Extra["author"])

	assert.True(t, filepath.IsAbs(s.Path))
	assert.NotContains(t, s.Body, "name: code-review", "frontmatter stays out of the body")
	assert.Contains(t, s.Body, "# Code Review")
	assert.Contains(t, s.Body, "Check error handling first.")
	assert.True(t, strings.HasPrefix(s.Content, "---\n"), "content keeps the frontmatter")

	assert.Equal(t, s.Content, s.PromptBlock(), "the whole document goes into the prompt")
}

func TestLoadHandlesCRLF(t *testing.T) {
	content := "---\r\nname: windows-skill\r\ndescription: Written on Windows.\r\n---\r\n\r\nBody line.\r\n"
	dir := writeSkill(t, content)

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "windows-skill", s.Metadata.Name)
	assert.Contains(t, s.Body, "Body line.")
}

func TestLoadMetadataValidation(t *testing.T) {
	load := func(t *testing.T, frontmatter string) error {
		t.Helper()
		_, err := Load(writeSkill(t, "---\n"+frontmatter+"---\n# Body\n"))
		return err
	}

	t.Run("missing name", func(t *testing.T) {
		err := load(t, "description: No name here.\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("missing description", func(t *testing.T) {
		err := load(t, "name: no-description\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "description is required")
	})

	t.Run("name too long", func(t *testing.T) {
		err := load(t, "name: "+strings.Repeat("a", MaxNameLen+1)+"\ndescription: too long\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name must be 1-64 characters")
	})

	t.Run("description too long", func(t *testing.T) {
		err := load(t, "name: long-description\ndescription: "+strings.Repeat("a", MaxDescLen+1)+"\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "description must be 1-1024 characters")
	})

	t.Run("compatibility too long", func(t *testing.T) {
		err := load(t, "name: long-compat\ndescription: fine\ncompatibility: "+strings.Repeat("a", MaxCompatLen+1)+"\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compatibility must be 1-500 characters")
	})

	t.Run("name format", func(t *testing.T) {
		cases := []struct {
			label     string
			skillName string
			wantErr   bool
		}{
			{"uppercase", "Code-Review", true},
			{"leading hyphen", "-code-review", true},
			{"trailing hyphen", "code-review-", true},
			{"consecutive hyphens", "code--review", true},
			{"underscore", "code_review", true},
			{"simple", "review", false},
			{"hyphenated", "code-review", false},
			{"with numbers", "review-v2", false},
		}
		for _, tc := range cases {
			t.Run(tc.label, func(t *testing.T) {
				err := load(t, "name: "+tc.skillName+"\ndescription: fine\n")
				if tc.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), "lowercase alphanumeric")
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})
}

func TestLoadFrontmatterErrors(t *testing.T) {
	t.Run("no frontmatter", func(t *testing.T) {
		_, err := Load(writeSkill(t, "# Just Markdown\n\nNo frontmatter at all.\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must start with YAML frontmatter")
	})

	t.Run("unclosed frontmatter", func(t *testing.T) {
		_, err := Load(writeSkill(t, "---\nname: unclosed\ndescription: never ends\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not properly closed")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeSkill(t, "---\nname: [unbalanced\n---\nBody\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid YAML frontmatter")
	})
}

func TestLoadPathErrors(t *testing.T) {
	t.Run("non-existent path", func(t *testing.T) {
		_, err := Load("/nonexistent/path/to/skill")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "skill directory not found")
	})

	t.Run("file instead of directory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("content"), 0644))

		_, err := Load(file)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a directory")
	})

	t.Run("directory without SKILL.md", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read SKILL.md")
	})
}
