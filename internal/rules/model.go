package rules

// Kind is a recurrence kind. Values are the persisted "repeat" strings.
type Kind string

const (
	KindOnce    Kind = "none"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindYearly  Kind = "yearly"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOnce, KindDaily, KindWeekly, KindMonthly, KindYearly:
		return true
	default:
		return false
	}
}

// Rule is a user-defined reminder.
type Rule struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Time     string `json:"time"`
	Kind     Kind   `json:"repeat"`
	Alerts   []int  `json:"alerts"`
	Notes    string `json:"notes"`
	Enabled  bool   `json:"enabled"`
	Weekdays []int  `json:"days"`
	Date     string `json:"date,omitempty"`
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	r.Alerts = cloneInts(r.Alerts)
	r.Weekdays = cloneInts(r.Weekdays)
	return r
}

// SystemType names one entry of the fixed system catalog.
type SystemType string

const (
	WaterAlert    SystemType = "waterAlert"
	WaterInterval SystemType = "waterInterval"
	ProteinAlert  SystemType = "proteinAlert"
)

// SystemTypes returns the catalog in display order.
func SystemTypes() []SystemType {
	return []SystemType{WaterAlert, WaterInterval, ProteinAlert}
}

func ParseSystemType(s string) (SystemType, bool) {
	switch SystemType(s) {
	case WaterAlert, WaterInterval, ProteinAlert:
		return SystemType(s), true
	default:
		return "", false
	}
}

// TimeBased reports whether the type fires at a wall-clock time
// (as opposed to the interval gate).
func (t SystemType) TimeBased() bool {
	switch t {
	case WaterAlert, ProteinAlert:
		return true
	case WaterInterval:
		return false
	default:
		return false
	}
}

// Window is an inclusive HH:MM range within one day.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SystemRule is one built-in notification. Only the fields that belong to
// its type are meaningful; the rest stay zero.
type SystemRule struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time,omitempty"`
	Days    []int  `json:"days"`
	Message string `json:"message"`

	// goal alerts
	OnlyIfGoalNotMet bool `json:"onlyIfGoalNotMet"`

	// water interval
	Interval        int     `json:"interval,omitempty"`
	ActiveWindow    *Window `json:"activeWindow,omitempty"`
	OnlyIfBelowGoal bool    `json:"onlyIfBelowGoal"`
}

func (s SystemRule) Clone() SystemRule {
	s.Days = cloneInts(s.Days)
	if s.ActiveWindow != nil {
		w := *s.ActiveWindow
		s.ActiveWindow = &w
	}
	return s
}

// State is the whole persisted reminder document.
type State struct {
	GlobalEnabled       bool                      `json:"globalEnabled"`
	SystemNotifications map[SystemType]SystemRule `json:"systemNotifications"`
	CustomReminders     []Rule                    `json:"customReminders"`
}

func (s State) Clone() State {
	out := State{GlobalEnabled: s.GlobalEnabled}
	if s.SystemNotifications != nil {
		out.SystemNotifications = make(map[SystemType]SystemRule, len(s.SystemNotifications))
		for k, v := range s.SystemNotifications {
			out.SystemNotifications[k] = v.Clone()
		}
	}
	out.CustomReminders = make([]Rule, 0, len(s.CustomReminders))
	for _, r := range s.CustomReminders {
		out.CustomReminders = append(out.CustomReminders, r.Clone())
	}
	return out
}

// Find returns the index of the custom rule with id, or -1.
func (s State) Find(id string) int {
	for i, r := range s.CustomReminders {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	return append([]int{}, in...)
}
