package crawler

import (
	"sync"

	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/maltedev/shop-scraper/internal/sink"
)

// State of a single site crawl. It only ever moves forward.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Outcome says what Commit did with a candidate record.
type Outcome int

const (
	OutcomeSaved Outcome = iota
	OutcomeDuplicate
	OutcomeQuotaReached
	OutcomeMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeQuotaReached:
		return "quota_reached"
	case OutcomeMiss:
		return "miss"
	}
	return "unknown"
}

// Admission reports a Commit. Ordinal is the 1-based save order and is only
// set for OutcomeSaved. WriteErr holds the SaveFunc error, which does not undo
// the save.
type Admission struct {
	Outcome  Outcome
	Ordinal  int
	Record   models.ProductRecord
	WriteErr error
}

// SaveFunc is called inside the quota critical section for every saved
// record, so calls are serialized and ordered by ordinal.
type SaveFunc func(rec models.ProductRecord, ordinal int) error

// Quota owns the saved-record count for one site crawl together with the
// sink the records go to.
type Quota struct {
	mu      sync.Mutex
	target  int
	saved   int
	state   State
	sink    *sink.ResultSink
	onSave  SaveFunc
	onDrain []func()
}

// NewQuota creates a running quota. A nil sink gets a sink without dedup.
func NewQuota(target int, s *sink.ResultSink, onSave SaveFunc) *Quota {
	if s == nil {
		s = sink.New(sink.Options{})
	}
	return &Quota{
		target: target,
		sink:   s,
		onSave: onSave,
	}
}

// OnDrain registers fn to run once the target is reached.
func (q *Quota) OnDrain(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrain = append(q.onDrain, fn)
}

// Commit checks for spare capacity, runs extract, adds the record to the sink
// and increments the count as one atomic step. Concurrent callers can never
// push the count past the target or share an ordinal.
func (q *Quota) Commit(extract func() (models.ProductRecord, error)) (Admission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateRunning || q.saved >= q.target {
		return Admission{Outcome: OutcomeQuotaReached}, nil
	}

	rec, err := extract()
	if err != nil {
		return Admission{Outcome: OutcomeMiss, Record: rec}, err
	}
	if err := rec.Validate(); err != nil {
		return Admission{Outcome: OutcomeMiss, Record: rec}, err
	}

	if outcome := q.sink.Add(rec); outcome != sink.Added {
		return Admission{Outcome: OutcomeDuplicate, Record: rec}, nil
	}

	q.saved++
	adm := Admission{Outcome: OutcomeSaved, Ordinal: q.saved, Record: rec}

	if q.onSave != nil {
		adm.WriteErr = q.onSave(rec, adm.Ordinal)
	}

	if q.saved >= q.target {
		q.drainLocked()
	}

	return adm, nil
}

func (q *Quota) drainLocked() {
	if q.state != StateRunning {
		return
	}
	q.state = StateDraining
	for _, fn := range q.onDrain {
		fn()
	}
}

// LinkBudget caps how many product links a listing page may enqueue. It is
// 0 once the crawl has stopped running.
func (q *Quota) LinkBudget() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateRunning {
		return 0
	}
	return q.target - q.saved
}

// Remaining is target minus saved regardless of state.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.saved >= q.target {
		return 0
	}
	return q.target - q.saved
}

// Saved is the number of records admitted so far.
func (q *Quota) Saved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saved
}

// Target is the number of records the crawl stops at.
func (q *Quota) Target() int {
	return q.target
}

// State is the current lifecycle state.
func (q *Quota) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stop moves the quota to StateStopped. Later commits report
// OutcomeQuotaReached.
func (q *Quota) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = StateStopped
}
