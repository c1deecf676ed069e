// Package agent defines the agent model and its file-backed registry.
package agent

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Resource types an agent may reference.
const (
	ResourceTool     = "tool"
	ResourceLink     = "link"
	ResourceDocument = "document"
)

// Resource is a tool, link, or document an agent can draw on.
type Resource struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Agent is a configured AI agent.
type Agent struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Goal      string     `json:"goal"`
	Backstory string     `json:"backstory"`
	Resources []Resource `json:"resources,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ValidationError describes a rejected agent field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent: %s %s", e.Field, e.Reason)
}

// Validate checks field constraints. Length bounds are counted in runes.
func (a *Agent) Validate() error {
	if n := len([]rune(strings.TrimSpace(a.Name))); n < 1 || n > 100 {
		return &ValidationError{Field: "name", Reason: "must be 1-100 characters"}
	}
	if len([]rune(strings.TrimSpace(a.Role))) < 10 {
		return &ValidationError{Field: "role", Reason: "must be at least 10 characters"}
	}
	if len([]rune(strings.TrimSpace(a.Goal))) < 10 {
		return &ValidationError{Field: "goal", Reason: "must be at least 10 characters"}
	}
	if len([]rune(strings.TrimSpace(a.Backstory))) < 20 {
		return &ValidationError{Field: "backstory", Reason: "must be at least 20 characters"}
	}
	for i, r := range a.Resources {
		switch r.Type {
		case ResourceTool, ResourceLink, ResourceDocument:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("resources[%d].type", i),
				Reason: "must be one of tool, link, document",
			}
		}
		if strings.TrimSpace(r.Name) == "" {
			return &ValidationError{Field: fmt.Sprintf("resources[%d].name", i), Reason: "must not be empty"}
		}
		if strings.TrimSpace(r.Value) == "" {
			return &ValidationError{Field: fmt.Sprintf("resources[%d].value", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// SystemPrompt renders the agent configuration into a system prompt,
// including a formatted block for any attached resources.
func (a *Agent) SystemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s.\n", a.Name)
	fmt.Fprintf(&sb, "Role: %s\n", a.Role)
	fmt.Fprintf(&sb, "Goal: %s\n", a.Goal)
	fmt.Fprintf(&sb, "Backstory: %s\n", a.Backstory)

	if ctx := formatResources(a.Resources); ctx != "" {
		sb.WriteString("\n")
		sb.WriteString(ctx)
	}
	return sb.String()
}

func formatResources(resources []Resource) string {
	if len(resources) == 0 {
		return ""
	}

	var tools, links, documents []Resource
	for _, r := range resources {
		switch r.Type {
		case ResourceTool:
			tools = append(tools, r)
		case ResourceLink:
			links = append(links, r)
		case ResourceDocument:
			documents = append(documents, r)
		}
	}

	var sb strings.Builder
	if len(tools) > 0 {
		sb.WriteString("=== Available Tools ===\n")
		for _, t := range tools {
			fmt.Fprintf(&sb, "  - %s: %s\n", t.Name, t.Value)
		}
	}
	if len(links) > 0 {
		sb.WriteString("=== Available Links ===\n")
		sb.WriteString("You can reference these links for information:\n")
		for _, l := range links {
			fmt.Fprintf(&sb, "  - %s: %s\n", l.Name, l.Value)
		}
	}
	if len(documents) > 0 {
		sb.WriteString("=== Available Documents ===\n")
		for _, d := range documents {
			fmt.Fprintf(&sb, "  - %s: %s\n", d.Name, d.Value)
		}
	}
	return sb.String()
}

// NewID generates a ULID for agents and sessions. ULIDs sort by creation
// time, which the most-recently-updated listings rely on as a tiebreak.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
