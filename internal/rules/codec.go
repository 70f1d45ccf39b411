package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	logx "reminderd/pkg/logx"
)

// ErrMalformed reports a document that could not be parsed at all. Decode
// still returns usable defaults alongside it.
var ErrMalformed = errors.New("malformed reminder document")

type rawState struct {
	GlobalEnabled       *bool                      `json:"globalEnabled"`
	SystemNotifications map[string]json.RawMessage `json:"systemNotifications"`
	CustomReminders     []json.RawMessage          `json:"customReminders"`
}

// Decode merges raw over DefaultState. Missing fields keep their defaults,
// unknown system types and unreadable entries are dropped with a warning.
func Decode(raw []byte, log logx.Logger) (State, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	st := DefaultState()

	var in rawState
	if err := json.Unmarshal(raw, &in); err != nil {
		return st, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.GlobalEnabled != nil {
		st.GlobalEnabled = *in.GlobalEnabled
	}

	for key, msg := range in.SystemNotifications {
		t, ok := ParseSystemType(key)
		if !ok {
			log.Warn("dropping unknown system notification", logx.String("type", key))
			continue
		}
		merged := st.SystemNotifications[t].Clone()
		if err := json.Unmarshal(msg, &merged); err != nil {
			log.Warn("system notification unreadable; using default", logx.String("type", key), logx.Err(err))
			continue
		}
		st.SystemNotifications[t] = merged
	}

	for i, msg := range in.CustomReminders {
		r := Rule{Kind: KindOnce, Enabled: true}
		if err := json.Unmarshal(msg, &r); err != nil {
			log.Warn("dropping unreadable reminder", logx.Int("index", i), logx.Err(err))
			continue
		}
		if r.ID == "" {
			log.Warn("dropping reminder without id", logx.Int("index", i), logx.String("title", r.Title))
			continue
		}
		if r.Alerts == nil {
			r.Alerts = []int{0}
		}
		st.CustomReminders = append(st.CustomReminders, r)
	}
	return st, nil
}

// Encode serializes the whole document.
func Encode(st State) ([]byte, error) {
	if st.CustomReminders == nil {
		st.CustomReminders = []Rule{}
	}
	if st.SystemNotifications == nil {
		st.SystemNotifications = map[SystemType]SystemRule{}
	}
	return json.Marshal(st)
}
