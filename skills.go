package agora

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Skill is a named instruction package agents can pull into context on
// demand. Agent system prompts carry only name + description; the full
// content travels through the get_skill tool.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// SkillSource supplies the skill catalog. Loading and refreshing skills
// (files, registries) happens behind this interface.
type SkillSource interface {
	List(ctx context.Context) ([]Skill, error)
	Get(ctx context.Context, name string) (Skill, error)
}

// StaticSkills is a fixed in-memory SkillSource.
type StaticSkills map[string]Skill

var _ SkillSource = (StaticSkills)(nil)

func (s StaticSkills) List(_ context.Context) ([]Skill, error) {
	out := make([]Skill, 0, len(s))
	for _, sk := range s {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s StaticSkills) Get(_ context.Context, name string) (Skill, error) {
	sk, ok := s[name]
	if !ok {
		return Skill{}, &ErrNotFound{Kind: "skill", ID: name}
	}
	return sk, nil
}

// skillsPromptBlock renders the catalog section of a system prompt. Empty
// catalog renders nothing.
func skillsPromptBlock(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(skillsBlockHeader)
	b.WriteString("\nThe following skills are available. Call get_skill with the skill name to load the full instructions before relying on one.\n")
	for _, sk := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", sk.Name, sk.Description)
	}
	return b.String()
}
