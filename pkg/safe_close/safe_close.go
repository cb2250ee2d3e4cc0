package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a process made of several
// long-running goroutines. CloseWait returns only after every attached
// goroutine has exited.
//
//  1. The owner waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Every sub goroutine is started by Attach (or AttachServe) and waits on the close signal.
//  3. A goroutine hitting a fatal error calls SendCloseSignal with it.
//     CloseWait must not be called from an attached goroutine, it would deadlock.
//  4. Any other caller may call CloseWait to stop everything.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until Done is called and all
// attached goroutines returned. It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends the close signal. Only the first non-nil err
// sent before the signal is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
	}
}

// Err returns the error that closed s, if any.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine tracked by CloseWait.
// f must watch closeSignal and call done before it returns.
// f does not run if s is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// AttachServe runs the blocking serve in an attached goroutine. If serve
// returns first, its error closes s. If s is closed first, stop is called
// and the goroutine waits for serve to return.
func (s *SafeClose) AttachServe(serve func() error, stop func()) {
	s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- serve()
		}()
		select {
		case err := <-errChan:
			s.SendCloseSignal(err)
		case <-closeSignal:
			stop()
			<-errChan
		}
	})
}

// CloseOnDone closes s without error once ctx is done.
func (s *SafeClose) CloseOnDone(ctx context.Context) {
	s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		select {
		case <-ctx.Done():
			s.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})
}

// Done notifies CloseWait that the owner returned. It can be called
// multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
