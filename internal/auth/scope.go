package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Actions recognized in repository scopes.
const (
	ActionPull = "pull"
	ActionPush = "push"
)

// Scope is one access grant in the Docker v2 token scheme.
type Scope struct {
	Type    string   // "repository" is the only type honored
	Name    string   // repository name or "*"
	Actions []string // "pull", "push" or "*"
}

// ParseScope parses a scope string of the form type:name:action1,action2.
// The name may itself contain colons (a registry host with a port), so the
// actions are split off the last colon rather than the second.
func ParseScope(raw string) (Scope, error) {
	resType, rest, ok := strings.Cut(raw, ":")
	last := strings.LastIndex(rest, ":")
	if !ok || resType == "" || last <= 0 || last == len(rest)-1 {
		return Scope{}, fmt.Errorf("invalid scope format: %q", raw)
	}

	scope := Scope{
		Type:    resType,
		Name:    rest[:last],
		Actions: strings.Split(rest[last+1:], ","),
	}
	for i, action := range scope.Actions {
		scope.Actions[i] = strings.TrimSpace(action)
	}
	return scope, nil
}

// Allows reports whether the scope grants action on the repository.
func (s Scope) Allows(repo, action string) bool {
	if s.Type != "repository" {
		return false
	}
	if s.Name != "*" && s.Name != repo {
		return false
	}
	return slices.Contains(s.Actions, "*") || slices.Contains(s.Actions, action)
}

// String renders the scope back to its wire form.
func (s Scope) String() string {
	return s.Type + ":" + s.Name + ":" + strings.Join(s.Actions, ",")
}
