package tts

import "sync"

// BufferSource is the reference AudioSource implementation: an append-only
// byte buffer with listener dispatch. Providers append decoded PCM as it
// arrives and call CloseSource or Fail exactly once when the cycle ends.
//
// Callbacks run synchronously on the appending goroutine, in registration
// order relative to the bytes they announce; a consumer that drains via
// ReadFrom therefore observes bytes in upstream-emission order.
type BufferSource struct {
	mu      sync.Mutex
	buf     []byte
	closed  bool
	failed  error
	onData  func()
	onClose func()
	onError func(error)
}

// NewBufferSource returns an empty source.
func NewBufferSource() *BufferSource {
	return &BufferSource{}
}

// ReadFrom implements AudioSource.
func (s *BufferSource) ReadFrom(offset int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset >= len(s.buf) {
		return nil
	}
	out := make([]byte, len(s.buf)-offset)
	copy(out, s.buf[offset:])
	return out
}

// WriteIndex implements AudioSource.
func (s *BufferSource) WriteIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// OnData implements AudioSource.
func (s *BufferSource) OnData(fn func()) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// OnClose implements AudioSource. If the source already closed before the
// listener was attached, the callback fires immediately.
func (s *BufferSource) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	fire := s.closed
	s.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
}

// OnError implements AudioSource. A pre-existing failure fires immediately.
func (s *BufferSource) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	err := s.failed
	s.mu.Unlock()
	if err != nil && fn != nil {
		fn(err)
	}
}

// RemoveListeners implements AudioSource.
func (s *BufferSource) RemoveListeners() {
	s.mu.Lock()
	s.onData = nil
	s.onClose = nil
	s.onError = nil
	s.mu.Unlock()
}

// Append adds PCM bytes and fires the data-available callback. Appends
// after CloseSource or Fail are ignored.
func (s *BufferSource) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed || s.failed != nil {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, pcm...)
	fn := s.onData
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CloseSource marks end-of-stream and fires the close callback. Idempotent.
func (s *BufferSource) CloseSource() {
	s.mu.Lock()
	if s.closed || s.failed != nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fail marks the cycle failed and fires the error callback. Idempotent with
// CloseSource: the first of the two wins.
func (s *BufferSource) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.closed || s.failed != nil {
		s.mu.Unlock()
		return
	}
	s.failed = err
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Compile-time interface assertion.
var _ AudioSource = (*BufferSource)(nil)
