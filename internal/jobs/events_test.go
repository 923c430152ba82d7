package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_DeliversToJobSubscribersOnly(t *testing.T) {
	b := NewBroadcaster()
	chA, cancelA := b.Subscribe("job-a", 4)
	chB, cancelB := b.Subscribe("job-b", 4)
	defer cancelB()

	b.Publish(ProgressEvent{JobID: "job-a", Seq: 1, Type: EventJobStarted})

	select {
	case ev := <-chA:
		assert.Equal(t, int64(1), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected event on job-a subscriber")
	}

	select {
	case ev := <-chB:
		t.Fatalf("job-b subscriber received unexpected event %+v", ev)
	default:
	}

	cancelA()
	cancelA() // idempotent
	_, open := <-chA
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount("job-a"))
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe("job", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ProgressEvent{JobID: "job", Seq: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestProgressEventKeyAndFinal(t *testing.T) {
	ev := ProgressEvent{JobID: "j", TaskID: "t", Status: "completed", Type: EventTaskCompleted}
	assert.Equal(t, "j/t/completed", ev.Key())
	assert.False(t, ev.IsFinal())

	for _, typ := range []EventType{EventJobCompleted, EventJobFailed, EventJobCancelled, EventNeedsCredits} {
		assert.True(t, ProgressEvent{Type: typ}.IsFinal(), string(typ))
	}
}
