package tracker

import "fmt"

// DefaultTableKey is the fallback transition table for projects without
// their own entry.
const DefaultTableKey = "default"

// DefaultTransitions maps common workflow state names to transition
// ids. Callers may supply per-project tables that override it.
var DefaultTransitions = map[string]string{
	"To Do":       "11",
	"In Progress": "21",
	"In Review":   "31",
	"Done":        "41",
}

// TransitionNotFoundError means the requested workflow state is absent
// from both the project-specific and default table. Retrying cannot fix
// a missing mapping, so this is never retried.
type TransitionNotFoundError struct {
	Project string
	State   string
}

func (e TransitionNotFoundError) Error() string {
	return fmt.Sprintf("no transition mapped for state %q in project %q or default table", e.State, e.Project)
}

// Transitions resolves workflow state names to external transition ids,
// per project with a default fallback.
type Transitions struct {
	tables map[string]map[string]string
}

// NewTransitions builds the lookup from configured tables. A missing
// default table gets the built-in one.
func NewTransitions(tables map[string]map[string]string) Transitions {
	t := Transitions{tables: map[string]map[string]string{}}
	for project, table := range tables {
		copied := make(map[string]string, len(table))
		for state, id := range table {
			copied[state] = id
		}
		t.tables[project] = copied
	}
	if _, ok := t.tables[DefaultTableKey]; !ok {
		t.tables[DefaultTableKey] = DefaultTransitions
	}
	return t
}

// Lookup resolves a state name for a project, falling back to the
// default table. It never guesses: an unmapped state is an error.
func (t Transitions) Lookup(project, state string) (string, error) {
	if table, ok := t.tables[project]; ok {
		if id, ok := table[state]; ok {
			return id, nil
		}
	}
	if id, ok := t.tables[DefaultTableKey][state]; ok {
		return id, nil
	}
	return "", TransitionNotFoundError{Project: project, State: state}
}
