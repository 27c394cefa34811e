/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package irq models the interrupt flag of a single CPU and the critical
// sections kernel code builds on it.
//
// Handlers raised while interrupts are masked stay pending and are delivered,
// in order, as soon as the flag is restored to enabled. Handlers themselves
// run with interrupts masked, like on entry to an interrupt gate.
package irq

import "sync"

// State is a saved interrupt flag, true if interrupts were enabled.
type State bool

// Handler is an interrupt service routine.
type Handler func()

// Controller is the interrupt flag of one CPU.
type Controller struct {
	mu      sync.Mutex
	enabled bool
	pending []Handler
}

// NewController returns a Controller with interrupts enabled.
func NewController() *Controller {
	return &Controller{enabled: true}
}

// Enabled reports whether interrupts are currently enabled.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Pending returns the number of handlers waiting for interrupts to be enabled.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Disable masks interrupts and returns the previous state.
func (c *Controller) Disable() State {
	c.mu.Lock()
	s := State(c.enabled)
	c.enabled = false
	c.mu.Unlock()
	return s
}

// Restore sets the flag back to s. If that enables interrupts, pending handlers run before it returns.
func (c *Controller) Restore(s State) {
	c.set(s)
	if s {
		c.deliver()
	}
}

// set writes the flag without delivering pending handlers.
func (c *Controller) set(s State) {
	c.mu.Lock()
	c.enabled = bool(s)
	c.mu.Unlock()
}

// Raise signals an interrupt. h runs immediately if interrupts are enabled, otherwise it is queued.
func (c *Controller) Raise(h Handler) {
	c.mu.Lock()
	if !c.enabled {
		c.pending = append(c.pending, h)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.run(h)
}

func (c *Controller) run(h Handler) {
	s := c.Disable()
	defer c.Restore(s)
	h()
}

func (c *Controller) deliver() {
	for {
		c.mu.Lock()
		if !c.enabled || len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		h := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.run(h)
	}
}

// Section is a critical section that masks interrupts on entry and restores
// the previous flag on exit. It implements sync.Locker.
//
// Section assumes the single-CPU model of Controller: entries may nest across
// different sections, but a section must be left by the code that entered it.
type Section struct {
	c     *Controller
	mu    sync.Mutex
	saved State
}

// NewSection returns a Section masking interrupts of c.
func NewSection(c *Controller) *Section {
	return &Section{c: c}
}

// Lock enters the critical section. The flag is sampled only once the section
// is owned, so a caller waiting for it saves the state its owner restores.
func (s *Section) Lock() {
	s.mu.Lock()
	s.saved = s.c.Disable()
}

// Unlock leaves the critical section. Handlers raised inside it run now if interrupts become enabled.
func (s *Section) Unlock() {
	st := s.saved
	s.c.set(st)
	s.mu.Unlock()
	if st {
		s.c.deliver()
	}
}
