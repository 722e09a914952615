package blockstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func TestListenerRegistry_DeliversInRegistrationOrder(t *testing.T) {
	r := NewListenerRegistry()
	first := &recordingListener{}
	second := &recordingListener{}
	r.Register(first)
	r.Register(second)

	r.Notify(Event{Kind: EventCommitLocal, BlockID: 1})
	r.Notify(Event{Kind: EventCommitMaster, BlockID: 1})

	assert.Equal(t, []Event{{Kind: EventCommitLocal, BlockID: 1}, {Kind: EventCommitMaster, BlockID: 1}}, first.events)
	assert.Equal(t, first.events, second.events)
}

func TestListenerRegistry_RegisterAfterNotifyDoesNotSeePastEvents(t *testing.T) {
	r := NewListenerRegistry()
	r.Notify(Event{Kind: EventAccess, BlockID: 1})

	late := &recordingListener{}
	r.Register(late)
	assert.Empty(t, late.events)

	r.Notify(Event{Kind: EventAccess, BlockID: 2})
	assert.Equal(t, []Event{{Kind: EventAccess, BlockID: 2}}, late.events)
}

func TestListenerRegistry_ConcurrentNotifyIsSerializedPerListener(t *testing.T) {
	r := NewListenerRegistry()
	l := &recordingListener{}
	r.Register(l)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Notify(Event{Kind: EventAccess, BlockID: BlockID(i)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, l.events, 50)
}
