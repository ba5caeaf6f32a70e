// Package faults injects simulated upload failures per device for
// client retry testing.
package faults

import (
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/timex"
)

// Profile describes how uploads from a device should fail.
type Profile struct {
	FailRate float64   `json:"failPutRate"`
	HTTPCode int       `json:"httpCode"`
	Until    time.Time `json:"untilTs"`
}

// Entry is a profile bound to its device, as returned by List.
type Entry struct {
	DeviceID string `json:"deviceId"`
	Profile
}

// Harness holds active fault profiles. The zero value is not usable; call New.
type Harness struct {
	mu       sync.Mutex
	profiles map[string]Profile
	now      timex.Clock
	roll     func() float64
}

func New() *Harness {
	return &Harness{
		profiles: make(map[string]Profile),
		now:      timex.UTCNow,
		roll:     rand.Float64,
	}
}

// WithClock replaces the time source.
func (h *Harness) WithClock(c timex.Clock) *Harness {
	h.now = c
	return h
}

// WithRand replaces the source of trial values in [0,1).
func (h *Harness) WithRand(f func() float64) *Harness {
	h.roll = f
	return h
}

// Set installs p for deviceID. A zero or already passed Until clears the
// device's profile. FailRate is clamped to [0,1]; a code outside 4xx/5xx
// becomes 503.
func (h *Harness) Set(deviceID string, p Profile) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.Until.IsZero() || !p.Until.After(h.now()) {
		delete(h.profiles, deviceID)
		return
	}
	p.FailRate = min(max(p.FailRate, 0), 1)
	if p.HTTPCode < 400 || p.HTTPCode > 599 {
		p.HTTPCode = http.StatusServiceUnavailable
	}
	h.profiles[deviceID] = p
}

// ShouldFail runs one trial for deviceID and reports the status to answer
// with when it fails. Expired profiles are dropped.
func (h *Harness) ShouldFail(deviceID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.profiles[deviceID]
	if !ok {
		return 0, false
	}
	if !p.Until.After(h.now()) {
		delete(h.profiles, deviceID)
		return 0, false
	}
	if h.roll() < p.FailRate {
		return p.HTTPCode, true
	}
	return 0, false
}

// List returns the active profiles ordered by device id.
func (h *Harness) List() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	out := make([]Entry, 0, len(h.profiles))
	for id, p := range h.profiles {
		if !p.Until.After(now) {
			delete(h.profiles, id)
			continue
		}
		out = append(out, Entry{DeviceID: id, Profile: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
