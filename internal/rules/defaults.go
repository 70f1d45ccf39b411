package rules

// StateKey is the storage key of the reminder document.
const StateKey = "reminders_data"

// MaxAlerts bounds the alert offsets of one custom rule.
const MaxAlerts = 5

var (
	// AlertChoices are the offsets (minutes before the trigger) offered by the UI.
	AlertChoices = []int{0, 5, 15, 30, 60, 120, 1440}
	// IntervalChoices are the allowed water interval cadences in minutes.
	IntervalChoices = []int{60, 120, 180, 240}
)

var allDays = []int{1, 2, 3, 4, 5, 6, 0}

// DefaultSystem returns the catalog default for t.
func DefaultSystem(t SystemType) (SystemRule, bool) {
	switch t {
	case WaterAlert:
		return SystemRule{
			Time:             "20:00",
			Days:             cloneInts(allDays),
			OnlyIfGoalNotMet: true,
			Message:          "Don't forget your daily water goal!",
		}, true
	case WaterInterval:
		return SystemRule{
			Interval:        120,
			ActiveWindow:    &Window{Start: "08:00", End: "22:00"},
			Days:            cloneInts(allDays),
			OnlyIfBelowGoal: true,
			Message:         "Time to drink water!",
		}, true
	case ProteinAlert:
		return SystemRule{
			Time:             "20:00",
			Days:             cloneInts(allDays),
			OnlyIfGoalNotMet: true,
			Message:          "Check your protein intake for today",
		}, true
	default:
		return SystemRule{}, false
	}
}

// DefaultState is the document used on first run and as the fallback for a
// malformed one. Everything starts disabled.
func DefaultState() State {
	st := State{
		SystemNotifications: make(map[SystemType]SystemRule, 3),
		CustomReminders:     []Rule{},
	}
	for _, t := range SystemTypes() {
		def, _ := DefaultSystem(t)
		st.SystemNotifications[t] = def
	}
	return st
}
