// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package resolver

import "sync"

// StaticProvider serves a fixed, mutable connection table. Tests and
// the simulator use it instead of the OS table.
type StaticProvider struct {
	mu   sync.Mutex
	rows []Row
	err  error

	// Calls counts Table invocations, so debounce behavior can be
	// asserted.
	Calls int
}

// NewStaticProvider creates a provider serving the given rows.
func NewStaticProvider(rows ...Row) *StaticProvider {
	return &StaticProvider{rows: rows}
}

// Table returns the current rows.
func (p *StaticProvider) Table() ([]Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Row, len(p.rows))
	copy(out, p.rows)
	return out, nil
}

// SetRows replaces the table contents.
func (p *StaticProvider) SetRows(rows ...Row) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = rows
}

// SetError makes Table fail until cleared.
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// CallCount returns how many times Table was invoked.
func (p *StaticProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls
}
