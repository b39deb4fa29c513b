package guardrail

import (
	"container/list"
	"sync"
	"time"

	"github.com/smartops/remediator/internal/action"
)

// defaultKeyCap bounds how many distinct targets the tracker remembers
// before evicting the least recently touched one.
const defaultKeyCap = 10000

type scaleEvent struct {
	at    time.Time
	delta int
}

// entry is the per-target history record. lastByType drives cooldown,
// timesByType the hourly cap, scaleUps the velocity cap. Cooldown and
// the hourly budget are both keyed by (namespace, name, type): a run
// of restarts must not consume a scale's budget.
type entry struct {
	key         string
	lastByType  map[action.Type]time.Time
	timesByType map[action.Type][]time.Time
	scaleUps    []scaleEvent
	lru         *list.Element
}

// Tracker keeps bounded per-target action history. All methods are
// safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	cap      int
	cooldown time.Duration
	entries  map[string]*entry
	order    *list.List
}

// NewTracker builds a Tracker remembering at most keyCap targets.
// cooldown is the window inside which an entry is protected from
// eviction; losing it would silently reset the cooldown rule.
func NewTracker(keyCap int, cooldown time.Duration) *Tracker {
	if keyCap <= 0 {
		keyCap = defaultKeyCap
	}
	return &Tracker{
		cap:      keyCap,
		cooldown: cooldown,
		entries:  make(map[string]*entry),
		order:    list.New(),
	}
}

func targetKey(t action.Target) string { return t.Namespace + "/" + t.Name }

func (tr *Tracker) touch(e *entry) {
	tr.order.MoveToFront(e.lru)
}

func (tr *Tracker) get(t action.Target) (*entry, bool) {
	e, ok := tr.entries[targetKey(t)]
	return e, ok
}

func (tr *Tracker) getOrCreate(t action.Target, now time.Time) *entry {
	k := targetKey(t)
	if e, ok := tr.entries[k]; ok {
		tr.touch(e)
		return e
	}
	if len(tr.entries) >= tr.cap {
		tr.evict(now)
	}
	e := &entry{
		key:         k,
		lastByType:  make(map[action.Type]time.Time),
		timesByType: make(map[action.Type][]time.Time),
	}
	e.lru = tr.order.PushFront(e)
	tr.entries[k] = e
	return e
}

// evict drops the least recently touched entry that is not inside an
// active cooldown window. When every entry is cooling down the map is
// allowed to exceed its cap until one ages out.
func (tr *Tracker) evict(now time.Time) {
	for el := tr.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.inCooldown(now, tr.cooldown) {
			continue
		}
		tr.order.Remove(el)
		delete(tr.entries, e.key)
		return
	}
}

func (e *entry) inCooldown(now time.Time, cooldown time.Duration) bool {
	for _, at := range e.lastByType {
		if now.Sub(at) < cooldown {
			return true
		}
	}
	return false
}

func (e *entry) prune(now time.Time) {
	cutHour := now.Add(-time.Hour)
	for typ, times := range e.timesByType {
		i := 0
		for ; i < len(times); i++ {
			if times[i].After(cutHour) {
				break
			}
		}
		if i == len(times) {
			delete(e.timesByType, typ)
			continue
		}
		e.timesByType[typ] = times[i:]
	}

	cut15 := now.Add(-15 * time.Minute)
	j := 0
	for ; j < len(e.scaleUps); j++ {
		if e.scaleUps[j].at.After(cut15) {
			break
		}
	}
	e.scaleUps = e.scaleUps[j:]
}

// LastAction returns when an action of the request's type last ran
// against its target.
func (tr *Tracker) LastAction(req action.Request, now time.Time) (time.Time, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.get(req.Target)
	if !ok {
		return time.Time{}, false
	}
	at, ok := e.lastByType[req.Type]
	return at, ok
}

// ActionsInWindow counts recorded actions of one type against a
// target inside the trailing window.
func (tr *Tracker) ActionsInWindow(t action.Target, typ action.Type, now time.Time, window time.Duration) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.get(t)
	if !ok {
		return 0
	}
	e.prune(now)
	n := 0
	cut := now.Add(-window)
	for _, at := range e.timesByType[typ] {
		if at.After(cut) {
			n++
		}
	}
	return n
}

// ScaleDeltaInWindow sums positive replica deltas recorded against a
// target inside the trailing window.
func (tr *Tracker) ScaleDeltaInWindow(t action.Target, now time.Time, window time.Duration) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.get(t)
	if !ok {
		return 0
	}
	e.prune(now)
	sum := 0
	cut := now.Add(-window)
	for _, ev := range e.scaleUps {
		if ev.at.After(cut) {
			sum += ev.delta
		}
	}
	return sum
}

// Record stores an admitted action. Scale-downs count against the
// hourly cap but not the velocity window.
func (tr *Tracker) Record(req action.Request, currentReplicas int, now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.getOrCreate(req.Target, now)
	e.lastByType[req.Type] = now
	e.timesByType[req.Type] = append(e.timesByType[req.Type], now)
	if d := req.Delta(currentReplicas); d > 0 {
		e.scaleUps = append(e.scaleUps, scaleEvent{at: now, delta: d})
	}
	e.prune(now)
}

// Snapshot is the tracker view served by the status endpoint.
type Snapshot struct {
	TrackedTargets int            `json:"trackedTargets"`
	ActionsLastHr  map[string]int `json:"actionsLastHour"`
}

// Snapshot summarizes recorded history.
func (tr *Tracker) Snapshot(now time.Time) Snapshot {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s := Snapshot{
		TrackedTargets: len(tr.entries),
		ActionsLastHr:  make(map[string]int),
	}
	cut := now.Add(-time.Hour)
	for k, e := range tr.entries {
		n := 0
		for _, times := range e.timesByType {
			for _, at := range times {
				if at.After(cut) {
					n++
				}
			}
		}
		if n > 0 {
			s.ActionsLastHr[k] = n
		}
	}
	return s
}
