package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	// AgentTypeKey is the attribute every token carries to identify the agent kind.
	AgentTypeKey = "$agenttype"
	// AgentTypeDefault is the value of AgentTypeKey for tokens of this agent.
	AgentTypeDefault = "default"
)

// Interest describes what a token expects from the caller's attributes.
// It is published as-is; matching happens on the grid side.
type Interest struct {
	Pattern  *regexp.Regexp
	Required bool
}

// NewInterest compiles pattern into an Interest.
func NewInterest(pattern string, required bool) (*Interest, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid selection pattern %q: %w", pattern, err)
	}
	return &Interest{Pattern: re, Required: required}, nil
}

// Matches reports whether value satisfies the interest pattern.
func (i *Interest) Matches(value string) bool {
	if i == nil || i.Pattern == nil {
		return false
	}
	return i.Pattern.MatchString(value)
}

type interestJSON struct {
	SelectionPattern string `json:"selectionPattern"`
	Must             bool   `json:"must"`
}

// MarshalJSON encodes the pattern as its source string.
func (i Interest) MarshalJSON() ([]byte, error) {
	src := ""
	if i.Pattern != nil {
		src = i.Pattern.String()
	}
	return json.Marshal(interestJSON{SelectionPattern: src, Must: i.Required})
}

// UnmarshalJSON decodes and compiles the pattern.
func (i *Interest) UnmarshalJSON(data []byte) error {
	var raw interestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	re, err := regexp.Compile(raw.SelectionPattern)
	if err != nil {
		return fmt.Errorf("invalid selection pattern %q: %w", raw.SelectionPattern, err)
	}
	i.Pattern = re
	i.Required = raw.Must
	return nil
}

// Token is an addressable execution slot published by an agent.
// Values of this type are snapshots: InUse reflects the flag at the time the
// snapshot was taken.
type Token struct {
	ID                string               `json:"id"`
	AgentID           string               `json:"agentid"`
	Attributes        map[string]string    `json:"attributes"`
	SelectionPatterns map[string]*Interest `json:"selectionPatterns,omitempty"`
	Properties        map[string]string    `json:"properties,omitempty"`
	InUse             bool                 `json:"inUse"`
}

// AgentRef identifies an agent towards the grid.
type AgentRef struct {
	AgentID   string `json:"agentId"`
	AgentURL  string `json:"agentUrl"`
	AgentType string `json:"agentType"`
}
