// Package resolver maps a free-text instruction plus bounded conversation
// context to one registered operation with a filled parameter set. The
// language model is an oracle only: every policy decision (registry
// membership, missing parameters, identifier normalization) happens here.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"trackpilot/internal/registry"
)

// InferenceClient is the natural-language oracle. It is fallible and
// latency-variable and is never trusted to enforce resolver invariants.
type InferenceClient interface {
	Infer(ctx context.Context, system, prompt string) (json.RawMessage, error)
}

// ResolvedIntent is the contract surface handed to the dispatch executor.
// Its operation always exists in the registry and all required parameters
// are present; the executor still re-validates.
type ResolvedIntent struct {
	Operation  string            `json:"operation"`
	Params     map[string]string `json:"params"`
	Confidence float64           `json:"confidence"`
}

// AmbiguousError means the instruction matched an operation but required
// parameters are missing or unusable. Recoverable: the caller should ask a
// clarifying follow-up instead of guessing defaults.
type AmbiguousError struct {
	Operation string
	Missing   []string
	Reasons   []string
}

func (e *AmbiguousError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("instruction is missing %s for %s", strings.Join(e.Missing, ", "), e.Operation)
	}
	return fmt.Sprintf("instruction is ambiguous for %s: %s", e.Operation, strings.Join(e.Reasons, "; "))
}

// UnrecognizedError means no registered operation matches the instruction.
// A collaborator-invented operation name is never silently substituted.
type UnrecognizedError struct {
	Instruction string
	Suggested   string
}

func (e *UnrecognizedError) Error() string {
	if e.Suggested != "" {
		return fmt.Sprintf("no registered operation %q", e.Suggested)
	}
	return "instruction does not match a known operation"
}

// CollaboratorError wraps an inference-collaborator failure.
type CollaboratorError struct {
	Err error
}

func (e *CollaboratorError) Error() string { return fmt.Sprintf("inference collaborator: %v", e.Err) }
func (e *CollaboratorError) Unwrap() error { return e.Err }

// Resolver owns intent resolution policy for one process.
type Resolver struct {
	Registry  *registry.Registry
	Inference InferenceClient
}

func New(reg *registry.Registry, client InferenceClient) *Resolver {
	return &Resolver{Registry: reg, Inference: client}
}

// inferencePayload is the structured response the oracle must produce.
type inferencePayload struct {
	Operation  string            `json:"operation"`
	Parameters map[string]string `json:"parameters"`
	Confidence float64           `json:"confidence"`
}

// Resolve maps instruction text to a ResolvedIntent. history supplies the
// bounded recent turns used only to resolve pronouns and ellipsis.
func (r *Resolver) Resolve(ctx context.Context, instruction string, history *History) (ResolvedIntent, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return ResolvedIntent{}, &UnrecognizedError{Instruction: instruction}
	}
	system := systemPrompt(r.Registry)
	prompt := userPrompt(instruction, history)
	raw, err := r.Inference.Infer(ctx, system, prompt)
	if err != nil {
		return ResolvedIntent{}, &CollaboratorError{Err: err}
	}
	var payload inferencePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ResolvedIntent{}, &CollaboratorError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	payload.Operation = strings.TrimSpace(payload.Operation)
	if payload.Operation == "" || payload.Operation == "none" {
		return ResolvedIntent{}, &UnrecognizedError{Instruction: instruction}
	}
	spec, err := r.Registry.Lookup(payload.Operation)
	if err != nil {
		return ResolvedIntent{}, &UnrecognizedError{Instruction: instruction, Suggested: payload.Operation}
	}

	params := make(map[string]string, len(payload.Parameters))
	for name, value := range payload.Parameters {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		p, known := spec.Param(name)
		if !known {
			// Oracle hallucinated a parameter; drop it rather than
			// forwarding shapes the registry never declared.
			continue
		}
		if p.Type == registry.ParamIdentifier {
			value = NormalizeIdentifier(name, value)
		}
		params[name] = value
	}
	params = r.Registry.ApplyDefaults(spec.Name, params)

	if verrs := r.Registry.Validate(spec.Name, params); len(verrs) > 0 {
		amb := &AmbiguousError{Operation: spec.Name}
		for _, ve := range verrs {
			if ve.Reason == "is required" {
				amb.Missing = append(amb.Missing, ve.Param)
			} else {
				amb.Reasons = append(amb.Reasons, ve.Error())
			}
		}
		sort.Strings(amb.Missing)
		return ResolvedIntent{}, amb
	}

	return ResolvedIntent{
		Operation:  spec.Name,
		Params:     params,
		Confidence: payload.Confidence,
	}, nil
}

var (
	ticketKeyRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*-[0-9]+$`)
	projectKeyRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
)

// Account id prefixes used by hosted trackers; values shaped like these are
// already canonical and pass through untouched.
var accountIDPrefixes = []string{"5d", "557058:", "712020:"}

// NormalizeIdentifier maps tracker identifiers to their canonical casing.
// Free-text values are never routed through here.
func NormalizeIdentifier(param, value string) string {
	switch param {
	case "ticket", "epic":
		if ticketKeyRe.MatchString(value) {
			return strings.ToUpper(value)
		}
	case "project":
		if projectKeyRe.MatchString(value) {
			return strings.ToUpper(value)
		}
	case "assignee":
		for _, prefix := range accountIDPrefixes {
			if strings.HasPrefix(value, prefix) {
				return value
			}
		}
		// Names and emails are resolved to account ids by the tracker.
		return strings.TrimSpace(value)
	}
	return value
}
