//go:build linux

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("reactor: loop closed")

// maxTimersPerTick bounds timer work so fd events are not starved.
const maxTimersPerTick = 4096

type registration struct {
	onRead  func()
	onWrite func()
}

func (r *registration) events() uint32 {
	var ev uint32
	if r.onRead != nil {
		ev |= unix.EPOLLIN
	}
	if r.onWrite != nil {
		ev |= unix.EPOLLOUT
	}
	return ev | unix.EPOLLET
}

// Loop is an epoll based reactor. Readiness is edge-triggered: a readable
// callback must drain its fd until EAGAIN.
type Loop struct {
	epfd   int
	wakefd int
	regs   map[int]*registration
	timers timerQueue

	mu     sync.Mutex
	posted []func()
	closed bool

	// stopped is closed once Run returns; pending Calls then fail.
	stopped  chan struct{}
	stopOnce sync.Once

	log *logrus.Entry
}

// NewLoop creates the epoll instance and its wakeup eventfd.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		regs:    make(map[int]*registration),
		stopped: make(chan struct{}),
		log:     logging.Component("reactor"),
	}, nil
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) AfterFunc(d time.Duration, fn func()) func() {
	if d < 0 {
		d = 0
	}
	return l.timers.add(time.Now().Add(d), fn)
}

// RegisterReadable calls fn whenever fd becomes readable.
func (l *Loop) RegisterReadable(fd int, fn func()) error {
	return l.register(fd, func(r *registration) { r.onRead = fn })
}

// RegisterWritable calls fn whenever fd becomes writable.
func (l *Loop) RegisterWritable(fd int, fn func()) error {
	return l.register(fd, func(r *registration) { r.onWrite = fn })
}

func (l *Loop) register(fd int, set func(*registration)) error {
	r, exists := l.regs[fd]
	if !exists {
		r = &registration{}
	}
	set(r)
	ev := &unix.EpollEvent{Events: r.events(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	l.regs[fd] = r
	return nil
}

// Unregister removes every callback of fd.
func (l *Loop) Unregister(fd int) error {
	if _, ok := l.regs[fd]; !ok {
		return nil
	}
	delete(l.regs, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
}

// Call runs fn on the loop goroutine and waits for it to return. It fails
// with ErrClosed once the loop has stopped running.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.posted = append(l.posted, func() {
		fn()
		close(done)
	})
	l.mu.Unlock()
	l.wake()
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) stop() { l.stopOnce.Do(func() { close(l.stopped) }) }

func (l *Loop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		l.log.Debugf("wakeup write failed: %v", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// waitTimeout converts the next timer deadline into an epoll timeout.
func (l *Loop) waitTimeout() int {
	l.mu.Lock()
	pending := len(l.posted) > 0
	l.mu.Unlock()
	if pending {
		return 0
	}
	when, ok := l.timers.next()
	if !ok {
		return -1
	}
	d := time.Until(when)
	if d <= 0 {
		return 0
	}
	// round up so a timer never fires early
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Run drives the loop until ctx is cancelled or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	unblock := context.AfterFunc(ctx, func() { l.Post(func() {}) })
	defer unblock()
	defer l.stop()

	events := make([]unix.EpollEvent, 128)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.EpollWait(l.epfd, events, l.waitTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			r, ok := l.regs[fd]
			if !ok {
				continue
			}
			if mask&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 && r.onRead != nil {
				r.onRead()
			}
			// the read callback may have unregistered the fd
			if r, ok = l.regs[fd]; ok && mask&(unix.EPOLLOUT|unix.EPOLLERR) != 0 && r.onWrite != nil {
				r.onWrite()
			}
		}

		l.runPosted()
		l.timers.runDue(time.Now(), maxTimersPerTick)
	}
}

// Close releases the epoll instance. Pending posted functions are dropped.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.posted = nil
	l.mu.Unlock()
	l.stop()
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}
