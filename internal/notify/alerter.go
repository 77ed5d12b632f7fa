package notify

import (
	"errors"

	"github.com/gen2brain/beeep"
)

// Kind selects how an alert is delivered.
type Kind string

const (
	KindSilent Kind = "silent"
	KindSound  Kind = "sound"
)

// ErrUnsupportedKind is returned when an alerter cannot deliver the requested kind.
var ErrUnsupportedKind = errors.New("notify: unsupported alert kind")

// Alerter is the platform alerting capability.
type Alerter interface {
	SupportsSilentAlert() bool
	SupportsSoundAlert() bool
	Fire(kind Kind, title, body string) error
}

// NopAlerter supports nothing and fires nothing.
type NopAlerter struct{}

func (NopAlerter) SupportsSilentAlert() bool { return false }
func (NopAlerter) SupportsSoundAlert() bool  { return false }
func (NopAlerter) Fire(Kind, string, string) error {
	return ErrUnsupportedKind
}

// DesktopAlerterConfig toggles the desktop alert kinds.
type DesktopAlerterConfig struct {
	AppName string
	Silent  bool
	Sound   bool
}

// DesktopAlerter raises OS notifications through beeep.
// Silent alerts are plain notifications; sound alerts also play the system beep.
type DesktopAlerter struct {
	silent bool
	sound  bool
}

// NewDesktopAlerter constructs a DesktopAlerter.
func NewDesktopAlerter(cfg DesktopAlerterConfig) *DesktopAlerter {
	if cfg.AppName != "" {
		beeep.AppName = cfg.AppName
	}
	return &DesktopAlerter{silent: cfg.Silent, sound: cfg.Sound}
}

func (a *DesktopAlerter) SupportsSilentAlert() bool { return a.silent }
func (a *DesktopAlerter) SupportsSoundAlert() bool  { return a.sound }

func (a *DesktopAlerter) Fire(kind Kind, title, body string) error {
	switch {
	case kind == KindSilent && a.silent:
		return beeep.Notify(title, body, "")
	case kind == KindSound && a.sound:
		return beeep.Alert(title, body, "")
	default:
		return ErrUnsupportedKind
	}
}
