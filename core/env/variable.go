// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package env

import (
	"errors"
	"sync"
)

// ErrReadOnly is returned when setting a variable that has no setter.
var ErrReadOnly = errors.New("env: variable is read-only")

// Variable is a named value cell.
type Variable interface {
	Get() interface{}
	Set(interface{}) error
}

// Literal holds its value directly.
type Literal struct {
	sync.Mutex
	v interface{}
}

// NewLiteral returns a Literal holding v.
func NewLiteral(v interface{}) *Literal {
	return &Literal{v: v}
}

// Get returns the current value.
func (l *Literal) Get() interface{} {
	l.Lock()
	defer l.Unlock()
	return l.v
}

// Set replaces the value.
func (l *Literal) Set(v interface{}) error {
	l.Lock()
	defer l.Unlock()
	l.v = v
	return nil
}

// Proxy forwards to external accessors, for live state that can't be
// copied into the executor.
type Proxy struct {
	get func() interface{}
	set func(interface{}) error
}

// NewProxy returns a Proxy. A nil set makes the variable read-only.
func NewProxy(get func() interface{}, set func(interface{}) error) *Proxy {
	return &Proxy{get: get, set: set}
}

// Get calls the getter.
func (p *Proxy) Get() interface{} {
	if p.get == nil {
		return nil
	}
	return p.get()
}

// Set calls the setter.
func (p *Proxy) Set(v interface{}) error {
	if p.set == nil {
		return ErrReadOnly
	}
	return p.set(v)
}
