package teleop

import (
	"sort"
	"sync"
	"time"
)

type SourceKind int

const (
	Image SourceKind = iota
	Inertial
	Power
	Thermal

	numKinds = int(Thermal) + 1
)

var sourceNames = [numKinds]string{"image", "inertial", "power", "thermal"}

func (k SourceKind) String() string {
	if k < 0 || int(k) >= numKinds {
		return "unknown"
	}
	return sourceNames[k]
}

// Reading is what a capability provider returns from a single read.
type Reading struct {
	Image  []byte
	Fields map[string]float64
}

// Snapshot is the latest published reading of one source. It is never
// modified after NewSnapshot returns.
type Snapshot struct {
	Kind       SourceKind
	Seq        uint64
	CapturedAt time.Time

	image  []byte
	fields map[string]float64
}

func NewSnapshot(kind SourceKind, seq uint64, capturedAt time.Time, r Reading) *Snapshot {
	s := &Snapshot{
		Kind:       kind,
		Seq:        seq,
		CapturedAt: capturedAt,
	}
	if r.Image != nil {
		s.image = append([]byte(nil), r.Image...)
	}
	if len(r.Fields) > 0 {
		s.fields = make(map[string]float64, len(r.Fields))
		for k, v := range r.Fields {
			s.fields[k] = v
		}
	}
	return s
}

// Image returns the frame bytes. The slice is shared and must not be written.
func (s *Snapshot) Image() []byte {
	if s == nil {
		return nil
	}
	return s.image
}

// Fields returns a copy of the numeric fields.
func (s *Snapshot) Fields() map[string]float64 {
	if s == nil {
		return nil
	}
	out := make(map[string]float64, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

func (s *Snapshot) Field(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.fields[name]
	return v, ok
}

func (s *Snapshot) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Age is the time elapsed since capture, using the monotonic clock.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.CapturedAt)
}

// State holds the latest snapshot per source kind behind a single lock.
type State struct {
	mu    sync.Mutex
	slots [numKinds]*Snapshot
}

func NewState() *State {
	return &State{}
}

func (st *State) Publish(s *Snapshot) {
	if s == nil || int(s.Kind) < 0 || int(s.Kind) >= numKinds {
		return
	}
	st.mu.Lock()
	st.slots[s.Kind] = s
	st.mu.Unlock()
}

func (st *State) Latest(kind SourceKind) *Snapshot {
	if int(kind) < 0 || int(kind) >= numKinds {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.slots[kind]
}

// Consolidated is the set of latest snapshots taken under one lock
// acquisition. Missing sources are nil.
type Consolidated struct {
	Image    *Snapshot
	Inertial *Snapshot
	Power    *Snapshot
	Thermal  *Snapshot
}

func (st *State) Consolidated() Consolidated {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Consolidated{
		Image:    st.slots[Image],
		Inertial: st.slots[Inertial],
		Power:    st.slots[Power],
		Thermal:  st.slots[Thermal],
	}
}

// Fields merges the telemetry fields of every non-image source, adding the
// sequence number and age in milliseconds of each present source.
func (c Consolidated) Fields(now time.Time) map[string]float64 {
	out := map[string]float64{}
	for _, s := range []*Snapshot{c.Image, c.Inertial, c.Power, c.Thermal} {
		if s == nil {
			continue
		}
		for k, v := range s.fields {
			out[k] = v
		}
		name := s.Kind.String()
		out["seq_"+name] = float64(s.Seq)
		out["age_ms_"+name] = float64(s.Age(now).Milliseconds())
	}
	return out
}
