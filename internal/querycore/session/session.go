// Package session defines the immutable request-scoped Session snapshot and
// QueryId generation, the two small data types every other querycore package
// builds on.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the configuration captured at submission time. It is treated as
// an immutable snapshot for the lifetime of the query it belongs to.
type Session struct {
	User       string
	Source     string
	Catalog    string
	Schema     string
	TimeZone   string
	Language   string
	Properties map[string]string
}

// Property returns the value of a session property and whether it was set.
func (s Session) Property(name string) (string, bool) {
	v, ok := s.Properties[name]
	return v, ok
}

// QueryId is an opaque, textually formed identifier, globally unique per
// coordinator instance. Generated from a timestamp-derived monotonic counter
// plus a coordinator instance tag, matching the teacher's
// infrastructure/logging trace-ID generation idiom (google/uuid for the
// instance tag, a counter for intra-process uniqueness).
type QueryId string

// IdGenerator produces QueryIds unique within one coordinator process.
type IdGenerator struct {
	instanceTag string
	counter     atomic.Uint64
}

// NewIdGenerator creates a generator tagged with a fresh random instance id.
func NewIdGenerator() *IdGenerator {
	return &IdGenerator{instanceTag: uuid.New().String()[:8]}
}

// Next returns a new QueryId of the form
// <yyyymmdd>_<hhmmss>_<00001>_<instance-tag>, mirroring the teacher's
// trace-ID-style (timestamp + counter + tag) identifier shape.
func (g *IdGenerator) Next() QueryId {
	n := g.counter.Add(1)
	now := time.Now().UTC()
	return QueryId(fmt.Sprintf("%s_%05d_%s", now.Format("20060102_150405"), n, g.instanceTag))
}

func (id QueryId) String() string { return string(id) }
