package automation

import (
	"sync"

	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

// Environment tracks the app state delays wait on, fed from engine events.
type Environment struct {
	foreground *signal.Value[bool]
	screen     *signal.Value[string]

	mu      sync.Mutex
	regions map[string]bool
	version *signal.Value[uint64] // bumped on every region change
}

// NewEnvironment returns an environment starting in the background with no screen or regions
func NewEnvironment() *Environment {
	return &Environment{
		foreground: signal.NewValue(false),
		screen:     signal.NewValue(""),
		regions:    make(map[string]bool),
		version:    signal.NewValue(uint64(0)),
	}
}

// Observe applies an event to the tracked state
func (env *Environment) Observe(ev schedule.Event) {
	switch ev.Type {
	case schedule.EventForeground, schedule.EventAppInit:
		env.foreground.Set(true)
	case schedule.EventBackground:
		env.foreground.Set(false)
	case schedule.EventScreen:
		env.screen.Set(ev.Name)
	case schedule.EventRegionEnter, schedule.EventRegionExit:
		env.mu.Lock()
		if ev.Type == schedule.EventRegionEnter {
			env.regions[ev.Name] = true
		} else {
			delete(env.regions, ev.Name)
		}
		next := env.version.Get() + 1
		env.mu.Unlock()
		env.version.Set(next)
	}
}

func (env *Environment) Foreground() bool { return env.foreground.Get() }
func (env *Environment) Screen() string   { return env.screen.Get() }

// InRegion reports whether the last region event for id was an enter
func (env *Environment) InRegion(id string) bool {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.regions[id]
}

// DelayReady returns a Source that is true while the delay's app state, screen and region hold.
func (env *Environment) DelayReady(d *schedule.Delay) signal.Source {
	if d == nil {
		return signal.Always(true)
	}
	return signal.Derived(func() bool {
		switch d.AppState {
		case schedule.AppStateForeground:
			if !env.Foreground() {
				return false
			}
		case schedule.AppStateBackground:
			if env.Foreground() {
				return false
			}
		}
		if len(d.Screens) > 0 && !contains(d.Screens, env.Screen()) {
			return false
		}
		if d.RegionID != "" && !env.InRegion(d.RegionID) {
			return false
		}
		return true
	}, env.foreground, env.screen, env.version)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
