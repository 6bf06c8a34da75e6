package resolver

import (
	"fmt"
	"strings"

	"trackpilot/internal/registry"
)

// systemPrompt renders the operation catalog into the oracle's instruction
// block. The catalog order is deterministic, so identical registries always
// produce identical prompts.
func systemPrompt(reg *registry.Registry) string {
	var b strings.Builder
	b.WriteString("You translate project-management instructions into exactly one operation from the catalog below.\n")
	b.WriteString("Respond with a single JSON object: {\"operation\": <name>, \"parameters\": {<name>: <string value>...}, \"confidence\": <0..1>}.\n")
	b.WriteString("If no catalog operation matches, respond with {\"operation\": \"none\"}.\n")
	b.WriteString("Never invent parameters. Copy summaries and descriptions verbatim from the instruction.\n")
	b.WriteString("Use the conversation context only to resolve references like \"it\" or \"that ticket\".\n\n")
	b.WriteString("Catalog:\n")
	for _, spec := range reg.Operations() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		for _, p := range spec.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			line := fmt.Sprintf("    %s (%s, %s)", p.Name, p.Type, req)
			if len(p.Enum) > 0 {
				line += " one of: " + strings.Join(p.Enum, ", ")
			}
			if p.Default != "" {
				line += " default: " + p.Default
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// userPrompt renders the instruction plus the bounded recent turns.
func userPrompt(instruction string, history *History) string {
	var b strings.Builder
	if turns := history.Turns(); len(turns) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Instruction: ")
	b.WriteString(instruction)
	return b.String()
}
