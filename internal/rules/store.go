package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Store is the RuleStore: the in-memory document plus its persistence.
// Every mutation is applied to a copy, persisted whole, and only then
// becomes visible.
type Store struct {
	kv  storage.Store
	log logx.Logger
	now func() time.Time

	mu sync.RWMutex
	st State
}

func NewStore(kv storage.Store, log logx.Logger, now func() time.Time) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{kv: kv, log: log, now: now, st: DefaultState()}
}

// NewID returns a fresh custom rule id.
func NewID() string {
	return "reminder_" + uuid.NewString()
}

// Load reads the document. A missing document leaves the defaults in place
// and reports fresh=true; a malformed one is logged and replaced by defaults.
func (s *Store) Load(ctx context.Context) (fresh bool, err error) {
	raw, err := s.kv.Get(ctx, StateKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.set(DefaultState())
		s.log.Info("no reminder document; starting from defaults")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", StateKey, err)
	}
	st, derr := Decode(raw, s.log)
	if derr != nil {
		s.log.Warn("reminder document malformed; using defaults", logx.Err(derr))
	}
	s.set(st)
	return false, nil
}

// Save persists the current document.
func (s *Store) Save(ctx context.Context) error {
	return s.persist(ctx, s.State())
}

// State returns a deep copy of the current document.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Clone()
}

// Rule returns a copy of the custom rule with id.
func (s *Store) Rule(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.st.Find(id)
	if i < 0 {
		return Rule{}, false
	}
	return s.st.CustomReminders[i].Clone(), true
}

// Mutate applies fn to a copy of the document and persists the result.
// If fn or the write fails, the stored document is unchanged.
func (s *Store) Mutate(ctx context.Context, fn func(*State) error) (State, error) {
	next := s.State()
	if err := fn(&next); err != nil {
		return State{}, err
	}
	if err := s.persist(ctx, next); err != nil {
		return State{}, err
	}
	s.set(next)
	return next.Clone(), nil
}

// Create adds a new custom rule. The id is assigned here and the rule
// starts enabled.
func (s *Store) Create(ctx context.Context, r Rule) (Rule, error) {
	r = r.Clone()
	r.ID = NewID()
	r.Enabled = true
	s.normalize(&r)
	if err := ValidateRule(r); err != nil {
		return Rule{}, err
	}
	_, err := s.Mutate(ctx, func(st *State) error {
		st.CustomReminders = append(st.CustomReminders, r)
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	s.log.Info("reminder created", logx.String("id", r.ID), logx.String("title", r.Title), logx.String("repeat", string(r.Kind)))
	return r.Clone(), nil
}

// Update patches the rule with id. The id cannot change.
func (s *Store) Update(ctx context.Context, id string, patch func(*Rule)) (Rule, error) {
	var out Rule
	_, err := s.Mutate(ctx, func(st *State) error {
		i := st.Find(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		r := st.CustomReminders[i].Clone()
		patch(&r)
		r.ID = id
		s.normalize(&r)
		if err := ValidateRule(r); err != nil {
			return err
		}
		st.CustomReminders[i] = r
		out = r
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	return out.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.Mutate(ctx, func(st *State) error {
		i := st.Find(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		st.CustomReminders = append(st.CustomReminders[:i], st.CustomReminders[i+1:]...)
		return nil
	})
	return err
}

func (s *Store) SetEnabled(ctx context.Context, id string, on bool) (Rule, error) {
	return s.Update(ctx, id, func(r *Rule) { r.Enabled = on })
}

func (s *Store) SetGlobal(ctx context.Context, on bool) error {
	_, err := s.Mutate(ctx, func(st *State) error {
		st.GlobalEnabled = on
		return nil
	})
	return err
}

// ToggleSystem flips one catalog entry. An unknown type is logged and
// reported as ErrUnknownSystemType without touching the document.
func (s *Store) ToggleSystem(ctx context.Context, t SystemType, on bool) (SystemRule, error) {
	return s.UpdateSystem(ctx, t, func(sr *SystemRule) { sr.Enabled = on })
}

func (s *Store) UpdateSystem(ctx context.Context, t SystemType, patch func(*SystemRule)) (SystemRule, error) {
	if _, ok := DefaultSystem(t); !ok {
		s.log.Warn("unknown system notification type", logx.String("type", string(t)))
		return SystemRule{}, fmt.Errorf("%w: %q", ErrUnknownSystemType, t)
	}
	var out SystemRule
	_, err := s.Mutate(ctx, func(st *State) error {
		sr, ok := st.SystemNotifications[t]
		if !ok {
			sr, _ = DefaultSystem(t)
		}
		sr = sr.Clone()
		patch(&sr)
		if err := ValidateSystem(t, sr); err != nil {
			return err
		}
		if st.SystemNotifications == nil {
			st.SystemNotifications = map[SystemType]SystemRule{}
		}
		st.SystemNotifications[t] = sr
		out = sr
		return nil
	})
	if err != nil {
		return SystemRule{}, err
	}
	return out.Clone(), nil
}

// Replace swaps in a whole document (import).
func (s *Store) Replace(ctx context.Context, st State) error {
	_, err := s.Mutate(ctx, func(cur *State) error {
		*cur = st.Clone()
		return nil
	})
	return err
}

func (s *Store) normalize(r *Rule) {
	if r.Kind != KindWeekly {
		r.Weekdays = []int{}
	}
	if r.Kind == KindDaily || r.Kind == KindWeekly {
		r.Date = ""
	}
	if (r.Kind == KindMonthly || r.Kind == KindYearly) && r.Date == "" {
		r.Date = s.now().Format(dateLayout)
	}
}

func (s *Store) set(st State) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, st State) error {
	b, err := Encode(st)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, StateKey, b); err != nil {
		return fmt.Errorf("save %s: %w", StateKey, err)
	}
	return nil
}
