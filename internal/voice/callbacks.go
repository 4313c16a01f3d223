package voice

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Callbacks receive session events. All fields are optional. Callbacks run
// on a dedicated goroutine in event order; the session never waits for them.
type Callbacks struct {
	OnTranscription func(speaker Speaker, text string, isFinal bool)
	OnToolInvoked   func(name string, args map[string]any)
	OnError         func(err error)
	OnClose         func()
	// OnInterrupted reports a barge-in and how many playing chunks it cut.
	OnInterrupted func(stopped int)
}

// notifier delivers callbacks off the dispatch path through an unbounded
// queue. After seal it delivers only the final events, exactly once.
type notifier struct {
	logger *log.Logger

	mu     sync.Mutex
	queue  []func()
	sealed bool
	final  []func()
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier(logger *log.Logger) *notifier {
	n := &notifier{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	if n.sealed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	n.signal()
}

// seal discards queued events, delivers final in order and stops the
// goroutine. Later calls are ignored.
func (n *notifier) seal(final ...func()) {
	n.mu.Lock()
	if n.sealed {
		n.mu.Unlock()
		return
	}
	n.sealed = true
	n.queue = nil
	n.final = final
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		if n.sealed {
			final := n.final
			n.final = nil
			n.mu.Unlock()
			for _, fn := range final {
				n.invoke(fn)
			}
			return
		}
		if len(n.queue) > 0 {
			fn := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.mu.Unlock()
			n.invoke(fn)
			continue
		}
		n.mu.Unlock()
		<-n.wake
	}
}

func (n *notifier) invoke(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("session callback panicked", "panic", r)
		}
	}()
	fn()
}
