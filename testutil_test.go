package foyer

import (
	"bytes"
	"net"
	"sync"
)

// fakeCenter records everything the gateway hands back to the silo.
type fakeCenter struct {
	mu    sync.Mutex
	sent  []*Message
	drops [][]ActorID
}

func (c *fakeCenter) SendMessage(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeCenter) RecordClientDrop(actors []ActorID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, actors)
}

func (c *fakeCenter) sentMessages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.sent...)
}

func (c *fakeCenter) droppedActors() []ActorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []ActorID
	for _, d := range c.drops {
		all = append(all, d...)
	}
	return all
}

// fakeRegistrar records client arrivals and departures.
type fakeRegistrar struct {
	mu      sync.Mutex
	added   []ClientID
	dropped []ClientID
}

func (r *fakeRegistrar) ClientAdded(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, id)
}

func (r *fakeRegistrar) ClientDropped(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, id)
}

func (r *fakeRegistrar) droppedClients() []ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClientID(nil), r.dropped...)
}

// fakeSocket is an in-memory Socket with scriptable failure modes.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	failNext error // returned (once) by the next Send
	shortN   int   // number of Sends to under-report by one byte
	closes   int
	remote   string
}

func newFakeSocket(remote string) *fakeSocket {
	return &fakeSocket{remote: remote}
}

func (s *fakeSocket) Send(bufs net.Buffers) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := totalLen(bufs)
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return 0, err
	}
	if s.shortN > 0 {
		s.shortN--
		return want - 1, nil
	}
	var frame []byte
	for _, b := range bufs {
		frame = append(frame, b...)
	}
	s.frames = append(s.frames, frame)
	return want, nil
}

func (s *fakeSocket) RemoteEndpoint() string {
	if s.remote == "" {
		return unknownEndpoint
	}
	return s.remote
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// sentBodies decodes every recorded frame and returns the message bodies
// in wire order.
func (s *fakeSocket) sentBodies() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bodies []interface{}
	for _, frame := range s.frames {
		msgs, err := readFrame(bytes.NewReader(frame))
		if err != nil {
			continue
		}
		for _, m := range msgs {
			bodies = append(bodies, m.Body)
		}
	}
	return bodies
}

// newTestGateway builds an unstarted gateway wired to fresh fakes.
// Sender workers are not running, so tests can drive them synchronously.
func newTestGateway(opts ...Option) (*Gateway, *fakeCenter, *fakeRegistrar) {
	center := &fakeCenter{}
	registrar := &fakeRegistrar{}
	base := []Option{WithSenderQueues(1)}
	g := NewGateway("silo-test:11111", center, append(base, opts...)...)
	g.mu.Lock()
	g.registrar = registrar
	g.mu.Unlock()
	return g, center, registrar
}
