// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import "sync"

// Observer receives the state-change notifications a Client emits.
// Implementations must not block for long, since notification happens on
// the thread driving the reply.
type Observer interface {
	OnRegistrationChanged(registered bool)
	OnCredentialsChanged(scopes []string)
	OnFlavourChanged(flavour string)
	OnDone()
}

// ObserverFuncs is a function adapter for Observer; any unset field is a
// no-op, so callers can implement only the notifications they care about.
type ObserverFuncs struct {
	RegistrationChanged func(registered bool)
	CredentialsChanged  func(scopes []string)
	FlavourChanged      func(flavour string)
	Done                func()
}

func (f ObserverFuncs) OnRegistrationChanged(registered bool) {
	if f.RegistrationChanged != nil {
		f.RegistrationChanged(registered)
	}
}

func (f ObserverFuncs) OnCredentialsChanged(scopes []string) {
	if f.CredentialsChanged != nil {
		f.CredentialsChanged(scopes)
	}
}

func (f ObserverFuncs) OnFlavourChanged(flavour string) {
	if f.FlavourChanged != nil {
		f.FlavourChanged(flavour)
	}
}

func (f ObserverFuncs) OnDone() {
	if f.Done != nil {
		f.Done()
	}
}

// noopObserver is used when a Client is constructed without one, so the
// rest of the code never needs a nil check before notifying.
type noopObserver struct{}

func (noopObserver) OnRegistrationChanged(bool)    {}
func (noopObserver) OnCredentialsChanged([]string) {}
func (noopObserver) OnFlavourChanged(string)       {}
func (noopObserver) OnDone()                       {}

// dispatcher wraps a Client's Observer with the copy-then-unlock dispatch
// technique: the lock guarding the observer field is never held while the
// observer callback itself runs, so a callback that calls back into the
// Client cannot deadlock against it.
type dispatcher struct {
	mu       sync.RWMutex
	observer Observer
}

func newDispatcher(o Observer) *dispatcher {
	if o == nil {
		o = noopObserver{}
	}
	return &dispatcher{observer: o}
}

func (d *dispatcher) set(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

func (d *dispatcher) current() Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.observer
}

func (d *dispatcher) registrationChanged(registered bool) {
	d.current().OnRegistrationChanged(registered)
}

func (d *dispatcher) credentialsChanged(scopes []string) {
	d.current().OnCredentialsChanged(scopes)
}

func (d *dispatcher) flavourChanged(flavour string) {
	d.current().OnFlavourChanged(flavour)
}

func (d *dispatcher) done() {
	d.current().OnDone()
}
