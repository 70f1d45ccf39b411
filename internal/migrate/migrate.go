// Package migrate translates the flat legacy notification settings into
// the reminder document, once.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"reminderd/internal/rules"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Legacy keys, as written by the previous settings screen.
const (
	KeyGlobal          = "notifications_enabled"
	KeyWaterAlert      = "notification_water"
	KeyWaterInterval   = "notification_water_interval_enabled"
	KeyProteinAlert    = "notification_protein"
	KeyWaterIntervalMn = "notification_water_interval"
)

// Keys lists every legacy key; all of them are deleted after a migration.
var Keys = []string{KeyGlobal, KeyWaterAlert, KeyWaterInterval, KeyProteinAlert, KeyWaterIntervalMn}

// PermissionChecker reports whether notifications can currently be delivered.
type PermissionChecker interface {
	Granted(ctx context.Context) bool
}

// RuleStore is the subset of rules.Store the migrator needs.
type RuleStore interface {
	Mutate(ctx context.Context, fn func(*rules.State) error) (rules.State, error)
}

type Migrator struct {
	kv    storage.Store
	rules RuleStore
	perm  PermissionChecker
	log   logx.Logger
}

func New(kv storage.Store, rs RuleStore, perm PermissionChecker, log logx.Logger) *Migrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Migrator{kv: kv, rules: rs, perm: perm, log: log}
}

// Run applies any legacy keys to the document, persists it, and deletes the
// keys. With no legacy key present it does nothing and reports false, so a
// second run is always a no-op.
func (m *Migrator) Run(ctx context.Context) (bool, error) {
	found := map[string]string{}
	for _, k := range Keys {
		v, err := m.kv.Get(ctx, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read legacy key %s: %w", k, err)
		}
		found[k] = strings.TrimSpace(string(v))
	}
	if len(found) == 0 {
		return false, nil
	}

	granted := m.perm != nil && m.perm.Granted(ctx)
	_, err := m.rules.Mutate(ctx, func(st *rules.State) error {
		m.apply(st, found)
		if granted {
			st.GlobalEnabled = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist migrated settings: %w", err)
	}

	for _, k := range Keys {
		if err := m.kv.Delete(ctx, k); err != nil {
			m.log.Warn("legacy key not deleted", logx.String("key", k), logx.Err(err))
		}
	}
	m.log.Info("migrated legacy notification settings", logx.Int("keys", len(found)), logx.Bool("permission", granted))
	return true, nil
}

func (m *Migrator) apply(st *rules.State, found map[string]string) {
	if v, ok := found[KeyGlobal]; ok {
		st.GlobalEnabled = v == "true"
	}
	set := func(t rules.SystemType, key string) {
		v, ok := found[key]
		if !ok {
			return
		}
		sr, ok := st.SystemNotifications[t]
		if !ok {
			sr, _ = rules.DefaultSystem(t)
		}
		sr.Enabled = v == "true"
		st.SystemNotifications[t] = sr
	}
	set(rules.WaterAlert, KeyWaterAlert)
	set(rules.ProteinAlert, KeyProteinAlert)
	set(rules.WaterInterval, KeyWaterInterval)

	v, ok := found[KeyWaterIntervalMn]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		m.log.Warn("legacy water interval unreadable; keeping default", logx.String("value", v), logx.Err(err))
		return
	}
	if !slices.Contains(rules.IntervalChoices, n) {
		m.log.Warn("legacy water interval not allowed; keeping default", logx.Int("value", n))
		return
	}
	sr := st.SystemNotifications[rules.WaterInterval]
	sr.Interval = n
	st.SystemNotifications[rules.WaterInterval] = sr
}
