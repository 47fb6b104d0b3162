package metrics

// Sync-engine metrics, registered on the default registry and incremented by
// the syncengine package.
var (
	ChangeEventsReceived = NewCounterVec(Opts{
		Name: "sync_change_events_received_total",
		Help: "Raw change events delivered by the stream, by entity.",
	}, []string{"entity"})

	ReconcilePasses = NewCounterVec(Opts{
		Name: "sync_reconcile_passes_total",
		Help: "Reconciliation passes, by outcome (committed, unchanged, filtered, failed).",
	}, []string{"outcome"})

	ReconnectAttempts = NewCounterVec(Opts{
		Name: "sync_reconnect_attempts_total",
		Help: "Automatic and manual reconnect attempts, by trigger.",
	}, []string{"trigger"})

	ToggleFailures = NewCounterVec(Opts{
		Name: "sync_toggle_failures_total",
		Help: "Completion-toggle failures, by step.",
	}, []string{"step"})

	NotificationsEmitted = NewCounterVec(Opts{
		Name: "sync_notifications_emitted_total",
		Help: "Notifications produced by the fanout, by kind.",
	}, []string{"kind"})

	LiveEngines = NewGauge(Opts{
		Name: "sync_live_engines",
		Help: "Number of per-user sync engines currently running.",
	})
)

func init() {
	Default.MustRegister(
		ChangeEventsReceived,
		ReconcilePasses,
		ReconnectAttempts,
		ToggleFailures,
		NotificationsEmitted,
		LiveEngines,
	)
}
