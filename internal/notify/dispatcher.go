package notify

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"go.uber.org/zap"
)

// Decision is the outcome of evaluating an incoming message for an alert.
type Decision int

const (
	DecisionSuppress Decision = iota
	DecisionAlertSilent
	DecisionAlertWithSound
)

func (d Decision) String() string {
	switch d {
	case DecisionAlertSilent:
		return "alert_silent"
	case DecisionAlertWithSound:
		return "alert_with_sound"
	default:
		return "suppress"
	}
}

// Context captures the client state relevant to alerting.
type Context struct {
	IsOwnMessage      bool
	IsWindowHidden    bool
	UserOptedIn       bool
	PermissionGranted bool
}

const (
	maxBodyLength = 100
	imageBody     = "sent an image"
)

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Alerter Alerter
	Logger  *zap.Logger
}

// Dispatcher decides whether an incoming message warrants an alert and fires it.
type Dispatcher struct {
	alerter Alerter
	logger  *zap.Logger
}

// NewDispatcher constructs a dispatcher; a nil alerter behaves like NopAlerter.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NopAlerter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{alerter: alerter, logger: logger}
}

// Decide evaluates the alert policy without side effects.
// Own messages never alert. A hidden window with opt-in and permission gets a
// system notification with sound. Otherwise messages from others get the ambient
// silent cue when the platform offers one; that cue ignores visibility and opt-in.
func (d *Dispatcher) Decide(_ messages.MessageRecord, alertContext Context) Decision {
	if alertContext.IsOwnMessage {
		return DecisionSuppress
	}
	if alertContext.IsWindowHidden && alertContext.UserOptedIn && alertContext.PermissionGranted {
		return DecisionAlertWithSound
	}
	if d.supportsSilent() {
		return DecisionAlertSilent
	}
	return DecisionSuppress
}

// OnMessageArrived decides and fires the alert. Alert failures are logged and never returned.
func (d *Dispatcher) OnMessageArrived(record messages.MessageRecord, alertContext Context) Decision {
	decision := d.Decide(record, alertContext)
	if decision == DecisionSuppress {
		return decision
	}

	kind := KindSound
	if decision == DecisionAlertSilent {
		kind = KindSilent
	}
	if kind == KindSound && !d.supportsSound() {
		if !d.supportsSilent() {
			d.logger.Debug("alert unavailable", zap.String("message_id", record.ID))
			return decision
		}
		kind = KindSilent
	}

	if err := d.fire(kind, record.Sender, alertBody(record)); err != nil {
		d.logger.Warn("alert failed",
			zap.String("message_id", record.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	return decision
}

func (d *Dispatcher) fire(kind Kind, title, body string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("alerter panic: %v", recovered)
		}
	}()
	return d.alerter.Fire(kind, title, body)
}

func (d *Dispatcher) supportsSilent() (supported bool) {
	defer func() {
		if recover() != nil {
			supported = false
		}
	}()
	return d.alerter.SupportsSilentAlert()
}

func (d *Dispatcher) supportsSound() (supported bool) {
	defer func() {
		if recover() != nil {
			supported = false
		}
	}()
	return d.alerter.SupportsSoundAlert()
}

func alertBody(record messages.MessageRecord) string {
	if !record.HasText() {
		return imageBody
	}
	return truncate(record.Text, maxBodyLength)
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
