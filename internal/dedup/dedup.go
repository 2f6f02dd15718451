// Package dedup suppresses repeated error reports. The first error for a
// (session, context) key logs immediately; repeats are counted and surfaced
// as periodic summaries carrying first/last timestamps and the total count.
package dedup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// summaryInterval is the minimum gap between summaries for one key.
	summaryInterval = 30 * time.Second
	// summaryEvery forces a summary after this many unreported repeats.
	summaryEvery = 100
)

type entry struct {
	first   time.Time
	last    time.Time
	count   int
	flushed int
	sample  string
	limiter *rate.Limiter
}

// Sink deduplicates error reports. Safe for concurrent use.
type Sink struct {
	mu       sync.Mutex
	log      zerolog.Logger
	interval time.Duration
	entries  map[string]*entry
}

func NewSink(log zerolog.Logger) *Sink {
	return &Sink{
		log:      log,
		interval: summaryInterval,
		entries:  make(map[string]*entry),
	}
}

// Report records one occurrence of err for the given session and context.
func (s *Sink) Report(sessionID, context string, err error) {
	if err == nil {
		return
	}
	key := sessionID + "\x00" + context
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			first:   now,
			sample:  err.Error(),
			limiter: rate.NewLimiter(rate.Every(s.interval), 1),
		}
		e.limiter.Allow() // drain the initial token; summaries start one interval in
		s.entries[key] = e
		e.count = 1
		e.flushed = 1
		e.last = now
		s.log.Warn().
			Str("session", sessionID).
			Str("context", context).
			Err(err).
			Msg("error")
		return
	}

	e.count++
	e.last = now
	e.sample = err.Error()
	if e.count-e.flushed >= summaryEvery || e.limiter.Allow() {
		s.emitLocked(sessionID, context, e)
	}
}

// Forget drops all entries for a session, emitting pending summaries first.
func (s *Sink) Forget(sessionID string) {
	prefix := sessionID + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if e.count > e.flushed {
				s.emitLocked(sessionID, key[len(prefix):], e)
			}
			delete(s.entries, key)
		}
	}
}

// Flush emits a summary for every key with unreported repeats.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.count > e.flushed {
			sessionID, context := splitKey(key)
			s.emitLocked(sessionID, context, e)
		}
	}
}

func (s *Sink) emitLocked(sessionID, context string, e *entry) {
	s.log.Warn().
		Str("session", sessionID).
		Str("context", context).
		Time("first", e.first).
		Time("last", e.last).
		Int("count", e.count).
		Str("error", e.sample).
		Msg("repeated errors")
	e.flushed = e.count
}

func splitKey(key string) (sessionID, context string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
