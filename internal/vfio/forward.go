//go:build linux

package vfio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/passthrough/internal/hv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Dispatcher receives host interrupts, typically a *hostirq.Controller.
type Dispatcher interface {
	Fire(irq uint32) hv.IRQReturn
}

// Line binds VFIO IRQ index Index of a device to host line HostIRQ.
type Line struct {
	Index   uint32
	HostIRQ uint32
}

type forwardedLine struct {
	Line
	eventfd    int
	automasked bool
}

// Forwarder delivers the interrupts of one VFIO device to a Dispatcher.
// Each line gets an eventfd trigger and a goroutine that waits on it.
type Forwarder struct {
	dev    *Device
	target Dispatcher
	lines  []forwardedLine
	stopfd int

	mu      sync.Mutex
	group   *errgroup.Group
	cancel  context.CancelFunc
	stopped bool
}

// NewForwarder arms an eventfd trigger for every line. Nothing is
// dispatched until Start.
func NewForwarder(dev *Device, target Dispatcher, lines []Line) (*Forwarder, error) {
	stopfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("vfio: stop eventfd: %w", err)
	}
	f := &Forwarder{dev: dev, target: target, stopfd: stopfd}

	for _, l := range lines {
		if err := f.arm(l); err != nil {
			f.release()
			return nil, err
		}
	}
	return f, nil
}

func (f *Forwarder) arm(l Line) error {
	info, err := f.dev.irqInfo(l.Index)
	if err != nil {
		return err
	}
	if info.Flags&irqInfoEventfd == 0 || info.Count == 0 {
		return fmt.Errorf("vfio: %s irq %d cannot signal an eventfd", f.dev.name, l.Index)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("vfio: eventfd for %s irq %d: %w", f.dev.name, l.Index, err)
	}
	if err := f.dev.setIRQs(irqSetActionTrigger, l.Index, 1, []int32{int32(efd)}); err != nil {
		unix.Close(efd)
		return err
	}
	f.lines = append(f.lines, forwardedLine{
		Line:       l,
		eventfd:    efd,
		automasked: info.Flags&irqInfoAutomasked != 0,
	})
	return nil
}

// Start launches one waiter per line. It returns immediately; waiters run
// until ctx is done or Close is called.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.group != nil || f.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	f.group = g
	f.cancel = cancel
	for _, l := range f.lines {
		l := l
		g.Go(func() error { return f.wait(ctx, l) })
	}
	g.Go(func() error {
		<-ctx.Done()
		f.signalStop()
		return nil
	})
}

func (f *Forwarder) signalStop() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(f.stopfd, one[:])
}

func (f *Forwarder) wait(ctx context.Context, l forwardedLine) error {
	fds := []unix.PollFd{
		{Fd: int32(l.eventfd), Events: unix.POLLIN},
		{Fd: int32(f.stopfd), Events: unix.POLLIN},
	}
	var buf [8]byte
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("vfio: poll %s irq %d: %w", f.dev.name, l.Index, err)
		}
		if fds[1].Revents != 0 || ctx.Err() != nil {
			return nil
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if _, err := unix.Read(l.eventfd, buf[:]); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("vfio: read %s irq %d: %w", f.dev.name, l.Index, err)
		}
		if f.target.Fire(l.HostIRQ) != hv.IRQHandled {
			slog.Debug("vfio: interrupt not handled", "device", f.dev.name, "index", l.Index, "irq", l.HostIRQ)
		}
		// Level lines are masked by the kernel on delivery.
		if l.automasked {
			if err := f.dev.setIRQs(irqSetActionUnmask, l.Index, 1, nil); err != nil {
				slog.Warn("vfio: unmask failed", "device", f.dev.name, "index", l.Index, "err", err)
			}
		}
	}
}

// Close stops the waiters, disables the triggers and closes the eventfds.
// It returns the first waiter error, if any.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	g, cancel := f.group, f.cancel
	f.mu.Unlock()

	var err error
	if g != nil {
		cancel()
		err = g.Wait()
	}
	f.release()
	return err
}

func (f *Forwarder) release() {
	for _, l := range f.lines {
		if err := f.dev.setIRQs(irqSetActionTrigger, l.Index, 0, nil); err != nil {
			slog.Warn("vfio: disable trigger failed", "device", f.dev.name, "index", l.Index, "err", err)
		}
		unix.Close(l.eventfd)
	}
	f.lines = nil
	unix.Close(f.stopfd)
}
