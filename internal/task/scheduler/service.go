package scheduler

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"reminderd/internal/clock"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	"reminderd/internal/recurrence"
	"reminderd/internal/rules"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// maxSkips bounds how many occurrences Arm walks past when every offset of
// an occurrence is already due.
const maxSkips = 8

// A fire the executor refuses is retried submitRetries times, waiting
// submitBackoff, then twice that, and so on.
const (
	submitRetries = 3
	submitBackoff = time.Second
)

type Options struct {
	Clock    clock.Clock
	Executor Executor
	Next     NextFunc
	OnFire   FireFunc
	Log      logx.Logger
	Bus      eventbus.Bus
	Location *time.Location
}

type Service struct {
	clock  clock.Clock
	exec   Executor
	next   NextFunc
	onFire FireFunc
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	loc     *time.Location
	genSeq  uint64
	entries map[string]*entry
}

type entry struct {
	rule     rules.Rule
	gen      uint64
	state    State
	next     time.Time
	timers   map[int]clock.Timer // by offset
	lastFire time.Time
}

func New(opt Options) *Service {
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Next == nil {
		opt.Next = recurrence.Next
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	return &Service{
		clock:   opt.Clock,
		exec:    opt.Executor,
		next:    opt.Next,
		onFire:  opt.OnFire,
		log:     opt.Log,
		bus:     opt.Bus,
		loc:     opt.Location,
		entries: map[string]*entry{},
	}
}

// SetLocation changes the wall clock used for later arms. Callers rearm
// afterwards.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) nowLocked() time.Time {
	return s.clock.Now().In(s.loc)
}

// Arm cancels the rule's current generation and arms one timer per alert
// offset of its next occurrence. Offsets whose instant is not in the future
// are skipped; if that leaves nothing, the following occurrence is tried.
// A disabled rule is cancelled instead.
func (s *Service) Arm(r rules.Rule) {
	if !r.Enabled {
		s.Cancel(r.ID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(r.Clone())
	s.publishLiveLocked()
}

func (s *Service) armLocked(r rules.Rule) {
	e := s.entries[r.ID]
	if e == nil {
		e = &entry{}
		s.entries[r.ID] = e
	}
	stopAll(e)
	s.genSeq++
	e.gen = s.genSeq
	e.rule = r
	e.next = time.Time{}

	now := s.nowLocked()
	offsets := alertOffsets(r.Alerts)
	from := now
	for i := 0; i <= maxSkips; i++ {
		occ, ok := s.next(r, from)
		if !ok {
			break
		}
		for _, off := range offsets {
			due := occ.Add(-time.Duration(off) * time.Minute)
			if !due.After(now) {
				continue
			}
			gen, id, off := e.gen, r.ID, off
			e.timers[off] = s.clock.AfterFunc(due.Sub(now), func() {
				s.callback(id, gen, off, occ, due, 0)
			})
		}
		if len(e.timers) > 0 {
			e.next = occ
			break
		}
		s.log.Debug("all alerts of occurrence already due; skipping", logx.String("id", r.ID), logx.Time("occurrence", occ))
		from = occ
	}

	if len(e.timers) == 0 {
		e.state = Unarmed
		s.log.Debug("rule has no upcoming trigger", logx.String("id", r.ID), logx.String("title", r.Title))
		return
	}
	e.state = Armed
	s.log.Debug("rule armed",
		logx.String("id", r.ID),
		logx.String("title", r.Title),
		logx.Time("next", e.next),
		logx.Int("timers", len(e.timers)),
		logx.Uint64("gen", e.gen),
	)
	eventbus.Publish(s.bus, eventbus.TimerArmed, EntryInfo{ID: r.ID, Title: r.Title, State: Armed, Next: e.next, Gen: e.gen, Live: len(e.timers)})
}

// callback runs on the clock's goroutine; all real work is queued. When the
// queue refuses the fire, the timer slot stays live and is retried; after
// the last retry the alert is dropped and the rule moves on to its next
// occurrence so it keeps firing.
func (s *Service) callback(id string, gen uint64, off int, occ, due time.Time, attempt int) {
	if s.exec == nil {
		return
	}
	err := s.exec.Submit("fire:"+id, func(ctx context.Context) error {
		s.fire(ctx, id, gen, off, occ, due)
		return nil
	})
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrStopped) {
		s.log.Debug("timer fire after executor stop", logx.String("id", id))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.gen != gen {
		return
	}
	if attempt < submitRetries {
		wait := submitBackoff << attempt
		s.log.Warn("timer fire not queued; retrying",
			logx.String("id", id),
			logx.Int("offset", off),
			logx.Int("attempt", attempt+1),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		e.timers[off] = s.clock.AfterFunc(wait, func() {
			s.callback(id, gen, off, occ, due, attempt+1)
		})
		return
	}
	s.log.Error("timer fire dropped", logx.String("id", id), logx.Int("offset", off), logx.Time("occurrence", occ), logx.Err(err))
	delete(e.timers, off)
	if len(e.timers) == 0 {
		s.armLocked(e.rule)
	}
	s.publishLiveLocked()
}

func (s *Service) fire(ctx context.Context, id string, gen uint64, off int, occ, due time.Time) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.gen != gen {
		s.mu.Unlock()
		s.log.Debug("stale timer dropped", logx.String("id", id), logx.Uint64("gen", gen))
		return
	}
	now := s.nowLocked()
	delete(e.timers, off)
	if supersededLocked(e, off, occ, now) {
		s.publishLiveLocked()
		s.mu.Unlock()
		s.log.Debug("earlier alert superseded by a later one also due", logx.String("id", id), logx.Int("offset", off))
		return
	}
	e.state = Fired
	e.lastFire = now
	r := e.rule.Clone()
	s.publishLiveLocked()
	s.mu.Unlock()

	f := Fire{Rule: r, Offset: off, Occurrence: occ, Due: due, At: now}
	metrics.RecordFire(string(r.Kind), f.Late())
	eventbus.Publish(s.bus, eventbus.TimerFired, EntryInfo{ID: id, Title: r.Title, State: Fired, Next: occ, Gen: gen})
	if s.onFire != nil {
		s.onFire(ctx, f)
	}

	// Fired -> Armed, unless the handler cancelled or re-armed the rule.
	s.mu.Lock()
	defer s.mu.Unlock()
	e = s.entries[id]
	if e == nil || e.gen != gen {
		return
	}
	s.armLocked(e.rule)
	s.publishLiveLocked()
}

// Cancel stops every timer of id. Unknown ids are ignored.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
	s.publishLiveLocked()
}

func (s *Service) cancelLocked(id string) {
	e := s.entries[id]
	if e == nil {
		return
	}
	wasLive := len(e.timers) > 0
	stopAll(e)
	s.genSeq++
	e.gen = s.genSeq
	e.state = Cancelled
	e.next = time.Time{}
	if wasLive {
		eventbus.Publish(s.bus, eventbus.TimerCancelled, EntryInfo{ID: id, Title: e.rule.Title, State: Cancelled, Gen: e.gen})
	}
}

// CancelAll stops every timer and forgets every rule.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
	s.publishLiveLocked()
}

func (s *Service) cancelAllLocked() {
	for id := range s.entries {
		s.cancelLocked(id)
	}
	// Generations come from one counter, so dropping entries cannot let an
	// old callback match a future arm.
	clear(s.entries)
}

// RearmAll cancels everything and, when enabled, arms every enabled rule.
func (s *Service) RearmAll(rs []rules.Rule, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
	if enabled {
		for _, r := range rs {
			if r.Enabled {
				s.armLocked(r.Clone())
			}
		}
	}
	s.publishLiveLocked()
	metrics.RecordRearm()
	s.log.Debug("rearm pass", logx.Bool("enabled", enabled), logx.Int("rules", len(rs)), logx.Int("live", s.liveLocked()))
}

// Live returns the number of pending timers of id.
func (s *Service) Live(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return len(e.timers)
	}
	return 0
}

// LiveTotal returns the number of pending timers across all rules.
func (s *Service) LiveTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Service) liveLocked() int {
	n := 0
	for _, e := range s.entries {
		n += len(e.timers)
	}
	return n
}

// Next returns the occurrence id is armed for.
func (s *Service) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.state != Armed {
		return time.Time{}, false
	}
	return e.next, true
}

// Snapshot lists every known rule, soonest first.
func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for id, e := range s.entries {
		offs := make([]int, 0, len(e.timers))
		for off := range e.timers {
			offs = append(offs, off)
		}
		slices.Sort(offs)
		out = append(out, EntryInfo{
			ID:       id,
			Title:    e.rule.Title,
			State:    e.state,
			Next:     e.next,
			Gen:      e.gen,
			Live:     len(e.timers),
			Offsets:  offs,
			LastFire: e.lastFire,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Next.IsZero() != b.Next.IsZero() {
			return !a.Next.IsZero()
		}
		if !a.Next.Equal(b.Next) {
			return a.Next.Before(b.Next)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Service) publishLiveLocked() {
	metrics.SetLiveTimers(s.liveLocked())
}

// supersededLocked reports whether a smaller offset of the same occurrence is
// also overdue, in which case only that one is delivered.
func supersededLocked(e *entry, off int, occ, now time.Time) bool {
	for o := range e.timers {
		if o < off && !occ.Add(-time.Duration(o)*time.Minute).After(now) {
			return true
		}
	}
	return false
}

func stopAll(e *entry) {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = map[int]clock.Timer{}
}

func alertOffsets(alerts []int) []int {
	out := make([]int, 0, len(alerts))
	for _, a := range alerts {
		if a >= 0 && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		out = append(out, 0)
	}
	return out
}
