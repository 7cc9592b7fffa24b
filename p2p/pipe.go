package p2p

import (
	"io"
	"sync"
)

// MessagePipe creates two connected in-memory Transports. A message
// written to one end is readable from the other. Closing either end shuts
// both down. Intended for tests.
func MessagePipe() (*PipeEnd, *PipeEnd) {
	ch1 := make(chan Message, 16)
	ch2 := make(chan Message, 16)
	done := make(chan struct{})
	once := new(sync.Once)

	a := &PipeEnd{send: ch1, recv: ch2, done: done, closeOnce: once}
	b := &PipeEnd{send: ch2, recv: ch1, done: done, closeOnce: once}
	return a, b
}

// PipeEnd is one end of a MessagePipe.
type PipeEnd struct {
	send      chan Message
	recv      chan Message
	done      chan struct{}
	closeOnce *sync.Once
}

func (p *PipeEnd) ReadMsg() (Message, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.done:
		return Message{}, io.EOF
	}
}

func (p *PipeEnd) WriteMsg(msg Message) error {
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
