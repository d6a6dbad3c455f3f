package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	gosync "sync"
	"time"

	"github.com/google/shlex"
)

// CheckFunc reports nil when the remote API is reachable.
type CheckFunc func(ctx context.Context) error

// CommandCheck builds a CheckFunc that runs a shell-style
// command line and treats a zero exit status as online, e.g.
// "nmcli networking connectivity check" or
// "curl -fsS --max-time 3 https://crm.example.com/health".
func CommandCheck(cmdline string) (CheckFunc, error) {
	args, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parsing probe command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("probe command is empty")
	}
	return func(ctx context.Context) error {
		return exec.CommandContext(ctx, args[0], args[1:]...).Run()
	}, nil
}

// Prober polls a CheckFunc and reports connectivity
// transitions. The first probe always reports.
type Prober struct {
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	onChange func(online bool)

	mu     gosync.Mutex
	known  bool
	online bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
}

// NewProber creates a Prober. Each check is bounded by the
// smaller of interval and 10s.
func NewProber(
	interval time.Duration, check CheckFunc, onChange func(online bool),
) (*Prober, error) {
	if check == nil || onChange == nil {
		return nil, errors.New("prober needs a check and a callback")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid probe interval %s", interval)
	}
	return &Prober{
		check:    check,
		interval: interval,
		timeout:  min(interval, 10*time.Second),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Probe runs the check once and reports a transition if the
// result differs from the last one. It returns the result.
func (p *Prober) Probe(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.check(checkCtx)
	cancel()
	if ctx.Err() != nil {
		// Stopped mid-check; the result says nothing about
		// the network.
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.online
	}
	online := err == nil

	p.mu.Lock()
	changed := !p.known || p.online != online
	p.known = true
	p.online = online
	p.mu.Unlock()

	if changed {
		if err != nil {
			log.Printf("probe: unreachable: %v", err)
		}
		p.onChange(online)
	}
	return online
}

// Start probes immediately and then every interval until Stop.
func (p *Prober) Start() {
	go p.loop()
}

// Stop ends polling and waits for the loop to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *Prober) loop() {
	defer close(p.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
