package automation

import (
	"github.com/teranos/automaton/pulse/signal"
)

// SerialCoordinator allows one display at a time.
type SerialCoordinator struct {
	ready *signal.Value[bool]
}

// NewSerialCoordinator creates a coordinator that is ready while nothing is displayed
func NewSerialCoordinator() *SerialCoordinator {
	return &SerialCoordinator{ready: signal.NewValue(true)}
}

func (c *SerialCoordinator) Ready() signal.Source         { return c.ready }
func (c *SerialCoordinator) WillDisplay(*Prepared)        { c.ready.Set(false) }
func (c *SerialCoordinator) FinishedDisplaying(*Prepared) { c.ready.Set(true) }

// ConcurrentCoordinator places no limit on simultaneous displays, for distinct surfaces.
type ConcurrentCoordinator struct{}

func (ConcurrentCoordinator) Ready() signal.Source         { return signal.Always(true) }
func (ConcurrentCoordinator) WillDisplay(*Prepared)        {}
func (ConcurrentCoordinator) FinishedDisplaying(*Prepared) {}
