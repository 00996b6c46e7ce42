package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/qbot-dev/qbot/pkg/queue"
	"github.com/qbot-dev/qbot/pkg/state"
)

func privateMsg(userID int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"post_type":"message","message_type":"private","user_id":%d,"raw_message":%q,"message":%q}`,
		userID, text, text))
}

func groupMsg(userID, groupID int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"post_type":"message","message_type":"group","user_id":%d,"group_id":%d,"raw_message":%q,"message":%q}`,
		userID, groupID, text, text))
}

func queuedTexts(q *queue.PriorityQueue) []string {
	var out []string
	for _, evt := range q.Snapshot() {
		out = append(out, evt.RawMessage)
	}
	return out
}

func TestRoute_SleepWindowOnlyAdmitsWake(t *testing.T) {
	q := queue.New(10)
	w := state.NewWindow(false)
	r := New(q, w, "/restart", nil)
	ctx := context.Background()

	if d := r.Route(ctx, privateMsg(1, "hello")); d != DecisionSleeping {
		t.Fatalf("Route(hello) = %s, want sleeping", d)
	}
	if d := r.Route(ctx, privateMsg(1, "/reset")); d != DecisionSleeping {
		t.Fatalf("Route(/reset) = %s, want sleeping", d)
	}
	if d := r.Route(ctx, []byte(`{"post_type":"notice","notice_type":"group_increase","user_id":3}`)); d != DecisionSleeping {
		t.Fatalf("Route(notice) = %s, want sleeping", d)
	}
	if q.Len() != 0 {
		t.Fatalf("queue has %d items while asleep", q.Len())
	}

	if d := r.Route(ctx, privateMsg(1, "  /RESTART now")); d != DecisionQueued {
		t.Fatalf("Route(/RESTART) = %s, want queued", d)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}

	w.Wake()
	if d := r.Route(ctx, privateMsg(1, "hello")); d != DecisionQueued {
		t.Fatalf("Route(hello) after wake = %s, want queued", d)
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}
}

func TestRoute_ResetJumpsFullQueue(t *testing.T) {
	q := queue.New(3)
	r := New(q, state.NewWindow(true), "/restart", nil)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if d := r.Route(ctx, groupMsg(1, 100, text)); d != DecisionQueued {
			t.Fatalf("Route(%s) = %s", text, d)
		}
	}
	if d := r.Route(ctx, groupMsg(1, 100, "d")); d != DecisionRejected {
		t.Fatalf("Route(d) over capacity = %s, want rejected", d)
	}

	if d := r.Route(ctx, groupMsg(2, 100, "/reset")); d != DecisionPriority {
		t.Fatalf("Route(/reset) = %s, want priority", d)
	}

	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if item.Event.RawMessage != "/reset" || !item.Priority {
		t.Fatalf("head = %q priority=%v, want /reset", item.Event.RawMessage, item.Priority)
	}
	if got := fmt.Sprint(queuedTexts(q)); got != "[a b c]" {
		t.Fatalf("rest = %s, want [a b c]", got)
	}
}

func TestRoute_PriorityCommandVariants(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"/reset", true},
		{"!clear", true},
		{"#character 猫娘", true},
		{"/resetting", true},
		{"reset", false},
		{"/help", false},
		{" /reset", false},
	}
	for _, tt := range tests {
		if got := IsPriorityCommand(tt.content); got != tt.want {
			t.Errorf("IsPriorityCommand(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestRoute_BlockedUserDropped(t *testing.T) {
	q := queue.New(10)
	r := New(q, state.NewWindow(true), "/restart", []int64{42})
	ctx := context.Background()

	if d := r.Route(ctx, privateMsg(42, "hi")); d != DecisionBlocked {
		t.Fatalf("Route(blocked) = %s, want blocked", d)
	}
	if d := r.Route(ctx, privateMsg(7, "hi")); d != DecisionQueued {
		t.Fatalf("Route(ok) = %s, want queued", d)
	}

	// only messages are subject to the block-list
	poke := []byte(`{"post_type":"notice","notice_type":"notify","sub_type":"poke","user_id":42,"target_id":1,"self_id":1,"time":1700000000}`)
	if d := r.Route(ctx, poke); d != DecisionQueued {
		t.Fatalf("Route(notice from blocked user) = %s, want queued", d)
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.Len())
	}

	r.SetBlocked(nil)
	if d := r.Route(ctx, privateMsg(42, "hi")); d != DecisionQueued {
		t.Fatalf("Route after unblock = %s, want queued", d)
	}
}

func TestRoute_MetaAndInvalidNeverQueued(t *testing.T) {
	q := queue.New(10)
	r := New(q, state.NewWindow(true), "/restart", nil)
	ctx := context.Background()

	hb := []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat","status":{"online":true,"good":true},"interval":5000}`)
	if d := r.Route(ctx, hb); d != DecisionHandled {
		t.Fatalf("Route(heartbeat) = %s, want handled", d)
	}
	if d := r.Route(ctx, []byte(`{broken`)); d != DecisionInvalid {
		t.Fatalf("Route(broken) = %s, want invalid", d)
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", q.Len())
	}
	s := r.Stats()
	if s.Meta != 1 || s.Invalid != 1 {
		t.Fatalf("Stats() = %+v", s)
	}
}
