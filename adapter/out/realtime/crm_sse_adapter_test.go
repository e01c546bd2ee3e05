package realtime

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"crm_server/core/domain"
)

func TestPushReachesEveryConnection(t *testing.T) {
	a := NewSSEAdapter(zerolog.Nop())
	c1 := a.Subscribe("u1")
	c2 := a.Subscribe("u1")
	other := a.Subscribe("u2")

	if err := a.Push(context.Background(), "u1", &domain.RealtimeEvent{Type: domain.EventTimelineUpdated}); err != nil {
		t.Fatal(err)
	}

	for i, ch := range []<-chan *domain.RealtimeEvent{c1, c2} {
		select {
		case ev := <-ch:
			if ev.Seq != 1 || ev.Timestamp.IsZero() {
				t.Errorf("conn %d: seq=%d timestamp=%v", i, ev.Seq, ev.Timestamp)
			}
		default:
			t.Errorf("conn %d: no event", i)
		}
	}
	select {
	case ev := <-other:
		t.Errorf("u2 received %v", ev.Type)
	default:
	}

	if got := a.ConnectedCount(); got != 2 {
		t.Errorf("ConnectedCount() = %d, want 2", got)
	}
}

func TestPushDropsWhenBufferFull(t *testing.T) {
	a := NewSSEAdapter(zerolog.Nop())
	_ = a.Subscribe("u1")

	for i := 0; i < clientBuffer+5; i++ {
		_ = a.Push(context.Background(), "u1", &domain.RealtimeEvent{Type: domain.EventSyncStatus})
	}

	m := a.Metrics()
	if m.MessagesSent != clientBuffer || m.MessagesDropped != 5 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestClientCloseUnsubscribes(t *testing.T) {
	a := NewSSEAdapter(zerolog.Nop())
	c := a.NewClient("u1", 0)
	if !a.IsConnected("u1") {
		t.Fatal("client not connected")
	}

	c.Close()
	c.Close()

	if a.IsConnected("u1") {
		t.Error("still connected after Close")
	}
	if _, ok := <-c.Events; ok {
		t.Error("events channel not closed")
	}
	if err := a.Push(context.Background(), "u1", &domain.RealtimeEvent{Type: domain.EventEmailError}); err != nil {
		t.Errorf("Push() without listeners error = %v", err)
	}
}

func TestReportProgressPayload(t *testing.T) {
	a := NewSSEAdapter(zerolog.Nop())
	ch := a.Subscribe("u1")

	a.ReportProgress(context.Background(), domain.SyncProgress{
		UserID:       "u1",
		AccountEmail: "me@x.com",
		ContactEmail: "ann@x.com",
		Phase:        domain.SyncPhaseSaving,
		Done:         3,
		Total:        10,
	})

	ev := <-ch
	data, err := SerializeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != string(domain.EventSyncProgress) || decoded.Data["phase"] != "saving" || decoded.Data["done"] != float64(3) {
		t.Errorf("decoded = %+v", decoded)
	}
}
