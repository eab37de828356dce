package events

import (
	"reflect"
	"testing"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

func TestSubjectsRouteByTypeAndTask(t *testing.T) {
	subjects := DefaultSubjects(" board. ")
	cases := []struct {
		env  Envelope
		want string
	}{
		{Envelope{Type: contracts.EventTypeReviewRequest, TaskID: "T-1"}, "board.review_request.T-1"},
		{Envelope{Type: contracts.EventTypeSystemInfo}, "board.system_info.board"},
		{Envelope{Type: contracts.EventTypeTaskUpdate, TaskID: "odd.id *>"}, "board.task_update.odd_id___"},
	}
	for _, tc := range cases {
		if got := subjects.For(tc.env); got != tc.want {
			t.Fatalf("For(%#v) = %q, want %q", tc.env, got, tc.want)
		}
	}
	if got := (Subjects{}).For(Envelope{Type: contracts.EventTypeTaskStart, TaskID: "T-2"}); got != "kanban.task_start.T-2" {
		t.Fatalf("zero subjects should use the default prefix, got %q", got)
	}
}

func TestSubjectsPatternsCoverFilter(t *testing.T) {
	subjects := DefaultSubjects("")
	if got := subjects.Patterns(Filter{}); !reflect.DeepEqual(got, []string{"kanban.*.*"}) {
		t.Fatalf("unexpected wildcard patterns %v", got)
	}
	got := subjects.Patterns(Filter{TaskID: "T-1", Types: []contracts.EventType{contracts.EventTypeTaskError, contracts.EventTypeReviewRequest}})
	want := []string{"kanban.task_error.T-1", "kanban.review_request.T-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}

func TestParseFilter(t *testing.T) {
	filter, err := ParseFilter(" T-7 ", "review_request, TASK_ERROR,review_request,")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if filter.TaskID != "T-7" || !reflect.DeepEqual(filter.Types, []contracts.EventType{contracts.EventTypeReviewRequest, contracts.EventTypeTaskError}) {
		t.Fatalf("unexpected filter %#v", filter)
	}
	if _, err := ParseFilter("", "review_request,bogus"); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
	if filter, err := ParseFilter("", ""); err != nil || filter.TaskID != "" || filter.Types != nil {
		t.Fatalf("expected empty filter, got %#v (%v)", filter, err)
	}
}

func TestFilterMatch(t *testing.T) {
	env := Envelope{Type: contracts.EventTypeTaskStart, TaskID: "T-1"}
	if !(Filter{}).Match(env) {
		t.Fatalf("zero filter must match everything")
	}
	if (Filter{TaskID: "T-2"}).Match(env) {
		t.Fatalf("task filter matched another task")
	}
	if (Filter{Types: []contracts.EventType{contracts.EventTypeTaskError}}).Match(env) {
		t.Fatalf("type filter matched another type")
	}
	if !(Filter{TaskID: "T-1", Types: []contracts.EventType{contracts.EventTypeTaskError, contracts.EventTypeTaskStart}}).Match(env) {
		t.Fatalf("expected combined filter to match")
	}
}
