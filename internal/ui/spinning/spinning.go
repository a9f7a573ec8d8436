// Package spinning provides a small spinner for the stretches where the
// trainer is busy without batch-level progress (model construction, final
// drain), plus the interrupt hook that turns Ctrl+C into a graceful
// orchestrator shutdown.
package spinning

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune("|/-\\")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme is the rune cycle the spinner draws.
	Theme = ThemeAscii
)

// SafeInterrupt captures SIGINT and SIGTERM and calls onInterrupt, which
// should ask the orchestrator to stop. If the program is still alive after
// gracePeriod, the terminal is restored and the process exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Interrupted (signal %q), draining workers... (up to %s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Shutdown grace period of %s expired, exiting.", gracePeriod)
	}()
}

// Reset restores the cursor and default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// Spinning is a live spinner; create with New, stop with Done.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// New starts drawing a spinner on its own goroutine until Done is called
// or ctx is cancelled.
func New(ctx context.Context) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		fmt.Print("\033[?25l")       // Hide cursor.
		defer fmt.Print("\033[?25h") // Restore cursor.

		idx := 0
		fmt.Print("  ")
		for {
			fmt.Printf("\b\b%c ", Theme[idx])
			idx = (idx + 1) % len(Theme)
			select {
			case <-ctx.Done():
				fmt.Print("\b\b")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clean up the terminal.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
