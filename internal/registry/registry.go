// Package registry holds the fixed catalog of tracker operations the
// resolver may dispatch. The catalog is built once at process start and is
// read-only afterwards, so it is safe to share across sessions.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ParamType is the semantic type of an operation parameter.
type ParamType string

const (
	// ParamString is a short plain value (a status name, a query).
	ParamString ParamType = "string"
	// ParamIdentifier is a tracker identifier (ticket key, project key,
	// account id) that gets normalized to canonical form.
	ParamIdentifier ParamType = "identifier"
	// ParamEnum restricts the value to a known set.
	ParamEnum ParamType = "enum"
	// ParamFreeText passes through verbatim (summaries, descriptions).
	ParamFreeText ParamType = "text"
)

// Param describes one operation parameter.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  string
	Enum     []string
}

// OperationSpec describes one registered operation: its parameter schema and
// whether executing it mutates tracker state.
type OperationSpec struct {
	Name        string
	Description string
	Mutating    bool
	Params      []Param
}

// Param looks up a parameter by name.
func (s OperationSpec) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// RequiredParams returns the required subset in declaration order.
func (s OperationSpec) RequiredParams() []Param {
	var out []Param
	for _, p := range s.Params {
		if p.Required {
			out = append(out, p)
		}
	}
	return out
}

// ValidationError reports one parameter shape violation.
type ValidationError struct {
	Operation string
	Param     string
	Reason    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: parameter %q %s", e.Operation, e.Param, e.Reason)
}

var ErrNotFound = errors.New("operation not registered")

// Registry is the immutable operation catalog.
type Registry struct {
	ops map[string]OperationSpec
}

// New builds the built-in catalog. Duplicate names are a programming error.
func New() *Registry {
	r := &Registry{ops: make(map[string]OperationSpec)}
	for _, spec := range builtinOperations() {
		r.add(spec)
	}
	return r
}

func (r *Registry) add(spec OperationSpec) {
	if _, exists := r.ops[spec.Name]; exists {
		panic(fmt.Sprintf("registry: duplicate operation %q", spec.Name))
	}
	r.ops[spec.Name] = spec
}

// Lookup returns the spec for name or ErrNotFound.
func (r *Registry) Lookup(name string) (OperationSpec, error) {
	spec, ok := r.ops[name]
	if !ok {
		return OperationSpec{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return spec, nil
}

// Operations returns all specs sorted by name so prompt construction and
// listings are deterministic.
func (r *Registry) Operations() []OperationSpec {
	out := make([]OperationSpec, 0, len(r.ops))
	for _, spec := range r.ops {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks params against the schema for name: required keys present,
// enum values within their known set, no unknown keys. Workflow-dependent
// values (status names) are shape-checked only; legality is decided by the
// tracker at execution time.
func (r *Registry) Validate(name string, params map[string]string) []ValidationError {
	spec, err := r.Lookup(name)
	if err != nil {
		return []ValidationError{{Operation: name, Param: "", Reason: "unknown operation"}}
	}
	var errs []ValidationError
	for _, p := range spec.RequiredParams() {
		if strings.TrimSpace(params[p.Name]) == "" {
			errs = append(errs, ValidationError{Operation: name, Param: p.Name, Reason: "is required"})
		}
	}
	for key, value := range params {
		p, ok := spec.Param(key)
		if !ok {
			errs = append(errs, ValidationError{Operation: name, Param: key, Reason: "is not a known parameter"})
			continue
		}
		if p.Type == ParamEnum && value != "" && !containsFold(p.Enum, value) {
			errs = append(errs, ValidationError{
				Operation: name,
				Param:     key,
				Reason:    fmt.Sprintf("must be one of %s", strings.Join(p.Enum, ", ")),
			})
		}
	}
	if name == "edit-ticket" && len(errs) == 0 {
		if params["summary"] == "" && params["description"] == "" && params["priority"] == "" {
			errs = append(errs, ValidationError{Operation: name, Param: "fields", Reason: "requires at least one of summary, description, priority"})
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Param < errs[j].Param })
	return errs
}

// ApplyDefaults returns a copy of params with optional defaults filled in.
func (r *Registry) ApplyDefaults(name string, params map[string]string) map[string]string {
	spec, err := r.Lookup(name)
	if err != nil {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range spec.Params {
		if p.Default != "" && strings.TrimSpace(out[p.Name]) == "" {
			out[p.Name] = p.Default
		}
	}
	return out
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

var priorityNames = []string{"Critical", "High", "Medium", "Low", "Lowest"}
var ticketTypes = []string{"Task", "Bug", "Story", "Improvement"}

func builtinOperations() []OperationSpec {
	return []OperationSpec{
		{
			Name:        "create-ticket",
			Description: "Create a new ticket in a project",
			Mutating:    true,
			Params: []Param{
				{Name: "project", Type: ParamIdentifier, Required: true},
				{Name: "summary", Type: ParamFreeText, Required: true},
				{Name: "description", Type: ParamFreeText},
				{Name: "type", Type: ParamEnum, Enum: ticketTypes, Default: "Task"},
				{Name: "priority", Type: ParamEnum, Enum: priorityNames, Default: "Medium"},
				{Name: "assignee", Type: ParamIdentifier},
				{Name: "epic", Type: ParamIdentifier},
			},
		},
		{
			Name:        "edit-ticket",
			Description: "Edit summary, description or priority of a ticket",
			Mutating:    true,
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
				{Name: "summary", Type: ParamFreeText},
				{Name: "description", Type: ParamFreeText},
				{Name: "priority", Type: ParamEnum, Enum: priorityNames},
			},
		},
		{
			Name:        "assign-ticket",
			Description: "Assign a ticket to a user by name, email or account id",
			Mutating:    true,
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
				{Name: "assignee", Type: ParamIdentifier, Required: true},
			},
		},
		{
			Name:        "change-status",
			Description: "Move a ticket to a target workflow status",
			Mutating:    true,
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
				// Status names are workflow-specific; legality is the
				// tracker's call at execution time.
				{Name: "status", Type: ParamString, Required: true},
			},
		},
		{
			Name:        "search-tickets",
			Description: "Search tickets with a query expression",
			Params: []Param{
				{Name: "query", Type: ParamFreeText, Required: true},
			},
		},
		{
			Name:        "get-ticket",
			Description: "Fetch details for one ticket",
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
			},
		},
		{
			Name:        "get-url",
			Description: "Return the browse URL for a ticket",
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
			},
		},
		{
			Name:        "list-projects",
			Description: "List all projects",
		},
		{
			Name:        "list-users",
			Description: "List users, optionally scoped to a project",
			Params: []Param{
				{Name: "project", Type: ParamIdentifier},
			},
		},
		{
			Name:        "create-epic",
			Description: "Create a new epic in a project",
			Mutating:    true,
			Params: []Param{
				{Name: "project", Type: ParamIdentifier, Required: true},
				{Name: "summary", Type: ParamFreeText, Required: true},
				{Name: "description", Type: ParamFreeText},
				{Name: "assignee", Type: ParamIdentifier},
			},
		},
		{
			Name:        "list-epics",
			Description: "List epics, optionally scoped to a project",
			Params: []Param{
				{Name: "project", Type: ParamIdentifier},
			},
		},
		{
			Name:        "link-epic",
			Description: "Link a ticket to an epic",
			Mutating:    true,
			Params: []Param{
				{Name: "ticket", Type: ParamIdentifier, Required: true},
				{Name: "epic", Type: ParamIdentifier, Required: true},
			},
		},
	}
}
