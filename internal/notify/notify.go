// Package notify delivers fire-and-forget notifications when a run
// suspends for approval or reaches a terminal state.
package notify

// Kind classifies a notification.
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindWarning
	KindError
)

// Notification is one message to deliver.
type Notification struct {
	Title   string
	Message string
	Kind    Kind
	RunID   string
}

// Notifier delivers notifications. Delivery failures are logged by
// callers, never propagated into run state.
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (testing or disabled notifications).
type NoopNotifier struct{}

func (NoopNotifier) Send(Notification) error { return nil }
