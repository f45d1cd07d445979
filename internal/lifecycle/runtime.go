// Package lifecycle starts and stops long-running parts of the engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type entry struct {
	name      string
	component Component
}

// Runtime starts components in registration order and stops them in
// reverse. Components started before a failing one are stopped again.
type Runtime struct {
	entries     []entry
	started     []entry
	StopTimeout time.Duration
}

func NewRuntime() *Runtime {
	return &Runtime{StopTimeout: 10 * time.Second}
}

func (r *Runtime) Register(name string, component Component) {
	if component == nil {
		return
	}
	r.entries = append(r.entries, entry{name: name, component: component})
}

func (r *Runtime) Start(ctx context.Context) error {
	r.started = r.started[:0]
	for _, e := range r.entries {
		if err := e.component.Start(ctx); err != nil {
			_ = stopEntries(ctx, r.started)
			r.started = nil
			return fmt.Errorf("start %s: %w", e.name, err)
		}
		getLogEntry().WithField("component", e.name).Debug("started")
		r.started = append(r.started, e)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	err := stopEntries(ctx, r.started)
	r.started = nil
	return err
}

// Run starts every component, blocks until ctx is done and stops them
// within StopTimeout.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	getLogEntry().Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.StopTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func stopEntries(ctx context.Context, entries []entry) error {
	var stopErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.component.Stop(ctx); err != nil {
			getLogEntry().WithField("component", e.name).WithField("error", err.Error()).Warn("stop failed")
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", e.name, err))
			continue
		}
		getLogEntry().WithField("component", e.name).Debug("stopped")
	}
	return stopErr
}

func getLogEntry() *log.Entry {
	return log.WithField("object", "Runtime")
}
