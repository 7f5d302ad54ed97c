package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: TypeBroadcastFinished, Data: 3})
	// Buffer full: dropped, not blocking.
	b.Publish(Event{Type: TypeBroadcastFinished, Data: 4})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeBroadcastFinished || e.Data != 3 {
			t.Fatalf("event = %+v", e)
		}
		if e.ID == "" || e.Time.IsZero() {
			t.Fatalf("event missing id/time: %+v", e)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeScheduleChanged})
}
