package eventbus

// Event types published by reminderd components.
const (
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"

	TimerArmed     = "scheduler.armed"
	TimerFired     = "scheduler.fired"
	TimerCancelled = "scheduler.cancelled"
	GateTick       = "scheduler.gate_tick"

	NotifierSent       = "notifier.sent"
	NotifierSuppressed = "notifier.suppressed"
	NotifierFailed     = "notifier.failed"

	RemindersChanged          = "reminders.changed"
	RemindersMigrated         = "reminders.migrated"
	RemindersPermissionDenied = "reminders.permission_denied"

	ConfigReloaded = "config.reloaded"
)
