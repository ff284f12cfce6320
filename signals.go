package ipbus

import "sync"

// SignalBus is the publish/subscribe surface spec §9 calls for: each
// Target exposes one of these so an outer GUI or console (deliberately
// excluded from the core, spec §1) can observe it without the core ever
// importing anything GUI- or logging-shaped. Subscriber callbacks run
// synchronously, on whichever goroutine emits the signal (the caller's
// goroutine for Exchange/SendStatus, the keepalive goroutine for its own
// ticks) — never on an arbitrary I/O goroutine, per spec §9.
type SignalBus struct {
	mu sync.Mutex

	onError          []func(message string, kind ErrorKind)
	onNoResponse     []func(message string)
	onStatusOK       []func()
	onReadSucceeded  []func(wordCount int)
	onWriteSucceeded []func(wordCount int)
}

// NewSignalBus returns an empty bus with no subscribers.
func NewSignalBus() *SignalBus {
	return &SignalBus{}
}

// OnError subscribes to the error(message, kind) signal.
func (b *SignalBus) OnError(fn func(message string, kind ErrorKind)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

// OnNoResponse subscribes to the no_response(message) signal.
func (b *SignalBus) OnNoResponse(fn func(message string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNoResponse = append(b.onNoResponse, fn)
}

// OnStatusOK subscribes to the status_ok signal.
func (b *SignalBus) OnStatusOK(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatusOK = append(b.onStatusOK, fn)
}

// OnReadSucceeded subscribes to the read_succeeded(word_count) signal.
func (b *SignalBus) OnReadSucceeded(fn func(wordCount int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReadSucceeded = append(b.onReadSucceeded, fn)
}

// OnWriteSucceeded subscribes to the write_succeeded(word_count) signal.
func (b *SignalBus) OnWriteSucceeded(fn func(wordCount int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWriteSucceeded = append(b.onWriteSucceeded, fn)
}

func (b *SignalBus) subscribers() ([]func(string, ErrorKind), []func(string), []func(), []func(int), []func(int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onError, b.onNoResponse, b.onStatusOK, b.onReadSucceeded, b.onWriteSucceeded
}

func (b *SignalBus) emitError(message string, kind ErrorKind) {
	fns, _, _, _, _ := b.subscribers()
	for _, fn := range fns {
		fn(message, kind)
	}
}

func (b *SignalBus) emitNoResponse(message string) {
	_, fns, _, _, _ := b.subscribers()
	for _, fn := range fns {
		fn(message)
	}
}

func (b *SignalBus) emitStatusOK() {
	_, _, fns, _, _ := b.subscribers()
	for _, fn := range fns {
		fn()
	}
}

func (b *SignalBus) emitReadSucceeded(wordCount int) {
	_, _, _, fns, _ := b.subscribers()
	for _, fn := range fns {
		fn(wordCount)
	}
}

func (b *SignalBus) emitWriteSucceeded(wordCount int) {
	_, _, _, _, fns := b.subscribers()
	for _, fn := range fns {
		fn(wordCount)
	}
}
