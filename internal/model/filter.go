package model

import "strings"

// EventFilter selects a subset of the event stream. Used by IPC subscribers;
// an empty filter matches everything.
type EventFilter struct {
	AgentTypes  []AgentType `json:"agent_types,omitempty"`
	EventTypes  []EventType `json:"event_types,omitempty"`
	SessionIDs  []string    `json:"session_ids,omitempty"`
	ProjectPath string      `json:"project_path,omitempty"` // prefix match
}

// Matches reports whether the event passes the filter.
func (f *EventFilter) Matches(ev *Event, projectPath string) bool {
	if f == nil {
		return true
	}
	if len(f.AgentTypes) > 0 && !containsAgent(f.AgentTypes, ev.Key.Agent) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsEvent(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, ev.SessionID) {
		return false
	}
	if f.ProjectPath != "" && !strings.HasPrefix(projectPath, f.ProjectPath) {
		return false
	}
	return true
}

func containsAgent(list []AgentType, v AgentType) bool {
	for _, a := range list {
		if a == v {
			return true
		}
	}
	return false
}

func containsEvent(list []EventType, v EventType) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
