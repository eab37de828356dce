package events

import (
	"strings"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

// boardToken stands in for the task id on events that are not about a task.
const boardToken = "board"

// Subjects routes envelopes onto three-token subjects,
// <prefix>.<event type>.<task id>, so subscribers can narrow by type and by
// task with broker-side wildcards.
type Subjects struct {
	Prefix string
}

func DefaultSubjects(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "kanban"
	}
	return Subjects{Prefix: prefix}
}

// For is the subject an envelope is published on.
func (s Subjects) For(env Envelope) string {
	task := boardToken
	if env.TaskID != "" {
		task = subjectToken(env.TaskID)
	}
	return s.prefix() + "." + subjectToken(string(env.Type)) + "." + task
}

// Patterns lists the subscription patterns covering a filter. "*" matches a
// single token on NATS and any run of characters on redis; both agree here
// because every subject has exactly three tokens and tokens never contain
// separators.
func (s Subjects) Patterns(filter Filter) []string {
	task := "*"
	if filter.TaskID != "" {
		task = subjectToken(filter.TaskID)
	}
	if len(filter.Types) == 0 {
		return []string{s.prefix() + ".*." + task}
	}
	patterns := make([]string, 0, len(filter.Types))
	for _, eventType := range filter.Types {
		patterns = append(patterns, s.prefix()+"."+subjectToken(string(eventType))+"."+task)
	}
	return patterns
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return "kanban"
	}
	return s.Prefix
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", "?", "_", "[", "_", "]", "_", " ", "_")

func subjectToken(raw string) string {
	return tokenReplacer.Replace(strings.TrimSpace(raw))
}

// Filter narrows a subscription. The zero value receives everything.
type Filter struct {
	TaskID string
	Types  []contracts.EventType
}

// ParseFilter builds a filter from a task id and a comma separated list of
// event types, as they arrive on a query string.
func ParseFilter(taskID string, types string) (Filter, error) {
	filter := Filter{TaskID: strings.TrimSpace(taskID)}
	seen := map[contracts.EventType]bool{}
	for _, raw := range strings.Split(types, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		eventType, err := contracts.ParseEventType(raw)
		if err != nil {
			return Filter{}, err
		}
		if !seen[eventType] {
			seen[eventType] = true
			filter.Types = append(filter.Types, eventType)
		}
	}
	return filter, nil
}

// Match applies the filter to a decoded envelope. Network buses call it after
// the broker has already narrowed by pattern.
func (f Filter) Match(env Envelope) bool {
	if f.TaskID != "" && env.TaskID != f.TaskID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, eventType := range f.Types {
		if env.Type == eventType {
			return true
		}
	}
	return false
}
