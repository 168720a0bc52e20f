// Package mirror maps a logical artifact URL to a set of equivalent
// physical mirror URLs, with per-mirror health tracking and exponential
// cooldown on failure.
package mirror

import (
	"math/rand"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	baseCooldown = 1 * time.Second
	maxCooldown  = 60 * time.Second
)

// Entry tracks the health of one physical URL.
type Entry struct {
	PhysicalURL   string
	LastErrorAt   time.Time
	CooldownUntil time.Time
	SuccessCount  int
	FailureCount  int
}

func (e *Entry) inCooldown(now time.Time) bool {
	return now.Before(e.CooldownUntil)
}

// Registry resolves a logical URL to its candidate physical mirrors and
// tracks their health. It is safe for concurrent use: the Client calls it
// from worker goroutines during GET.
type Registry struct {
	mu      sync.Mutex
	mirrors map[string][]*Entry
	rng     *rand.Rand
}

// New returns an empty Registry. If seed is non-nil, mirror selection is
// deterministic (a test hook); otherwise it is time-seeded.
func New(seed *int64) *Registry {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	} else {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Registry{
		mirrors: make(map[string][]*Entry),
		rng:     rand.New(src),
	}
}

// LoadFiles reads one or more mirror files (JSON mapping logical URL to a
// list of physical URLs) and merges them into the registry. Missing files
// are ignored; entries with empty arrays are ignored.
func (r *Registry) LoadFiles(paths []string) error {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var mapping map[string][]string
		if err := json.Unmarshal(data, &mapping); err != nil {
			return err
		}
		for logical, physicals := range mapping {
			if len(physicals) == 0 {
				continue
			}
			r.Add(logical, physicals)
		}
	}
	return nil
}

// Add registers additional physical URLs for a logical URL.
func (r *Registry) Add(logicalURL string, physicalURLs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[string]bool, len(r.mirrors[logicalURL]))
	for _, e := range r.mirrors[logicalURL] {
		existing[e.PhysicalURL] = true
	}
	for _, p := range physicalURLs {
		if existing[p] {
			continue
		}
		r.mirrors[logicalURL] = append(r.mirrors[logicalURL], &Entry{PhysicalURL: p})
		existing[p] = true
	}
}

// Pick chooses a candidate physical URL for logicalURL, preferring mirrors
// not in cooldown, selected uniformly at random. The logical URL itself is
// always a candidate. excluded lists URLs already tried for this request.
func (r *Registry) Pick(logicalURL string, excluded map[string]bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var candidates []string

	if !excluded[logicalURL] {
		candidates = append(candidates, logicalURL)
	}
	for _, e := range r.mirrors[logicalURL] {
		if excluded[e.PhysicalURL] || e.inCooldown(now) {
			continue
		}
		candidates = append(candidates, e.PhysicalURL)
	}
	if len(candidates) == 0 {
		// Nothing eligible; fall back to anything not excluded, even in cooldown,
		// so a request with all mirrors cooling down still has somewhere to go.
		if !excluded[logicalURL] {
			return logicalURL, true
		}
		for _, e := range r.mirrors[logicalURL] {
			if !excluded[e.PhysicalURL] {
				candidates = append(candidates, e.PhysicalURL)
			}
		}
		if len(candidates) == 0 {
			return "", false
		}
	}
	return candidates[r.rng.Intn(len(candidates))], true
}

// RecordFailure applies exponential cooldown to a mirror and records the
// failure. The logical URL itself has no cooldown tracked (it is always a
// fallback candidate and cooldown only applies to registered physical
// mirrors), consistent with it being "always a candidate" per spec.
func (r *Registry) RecordFailure(logicalURL, physicalURL string, at time.Time) {
	if logicalURL == physicalURL {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(logicalURL, physicalURL)
	if e == nil {
		return
	}
	e.LastErrorAt = at
	e.FailureCount++
	cooldown := baseCooldown << uint(min(e.FailureCount-1, 6))
	if cooldown > maxCooldown || cooldown <= 0 {
		cooldown = maxCooldown
	}
	e.CooldownUntil = at.Add(cooldown)
}

// RecordSuccess resets a mirror's failure count and cooldown.
func (r *Registry) RecordSuccess(logicalURL, physicalURL string) {
	if logicalURL == physicalURL {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(logicalURL, physicalURL)
	if e == nil {
		return
	}
	e.FailureCount = 0
	e.SuccessCount++
	e.CooldownUntil = time.Time{}
}

// ReapCooldowns clears cooldowns that have expired by now; failure and
// success counts are kept. Called from Client.Monitor on each tick.
func (r *Registry) ReapCooldowns(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entries := range r.mirrors {
		for _, e := range entries {
			if !e.CooldownUntil.IsZero() && now.After(e.CooldownUntil) {
				e.CooldownUntil = time.Time{}
			}
		}
	}
}

func (r *Registry) entry(logicalURL, physicalURL string) *Entry {
	for _, e := range r.mirrors[logicalURL] {
		if e.PhysicalURL == physicalURL {
			return e
		}
	}
	return nil
}
