// Package risk classifies whether the customer could lose access to their
// funds. The classification is recomputed whenever one of its inputs changes
// and is published to subscribers.
package risk

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/subscribe"
)

// Cause is the reason funds are at risk. Lower values take precedence.
type Cause uint8

const (
	// CauseMissingHardware means no hardware factor is paired.
	CauseMissingHardware Cause = iota + 1

	// CauseMissingCloudBackup means the mobile key has no cloud backup.
	CauseMissingCloudBackup

	// CauseMissingEmergencyBackup means there is no emergency key
	// backup.
	CauseMissingEmergencyBackup

	// CauseMissingContactMethod means the customer cannot be notified of
	// a recovery on every required channel.
	CauseMissingContactMethod
)

// String returns a human readable name for the cause.
func (c Cause) String() string {
	switch c {
	case CauseMissingHardware:
		return "MissingHardware"

	case CauseMissingCloudBackup:
		return "MissingCloudBackup"

	case CauseMissingEmergencyBackup:
		return "MissingEmergencyBackup"

	case CauseMissingContactMethod:
		return "MissingContactMethod"

	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// Level is the result of an evaluation: either Protected or AtRisk.
type Level interface {
	// Priority is zero when protected, otherwise the cause's priority.
	Priority() int

	String() string

	isLevel()
}

// Protected means no risk was found.
type Protected struct{}

// Priority returns zero.
func (Protected) Priority() int { return 0 }

// String returns "Protected".
func (Protected) String() string { return "Protected" }

func (Protected) isLevel() {}

// AtRisk carries the most severe cause found.
type AtRisk struct {
	Cause Cause
}

// Priority returns the cause's priority.
func (a AtRisk) Priority() int { return int(a.Cause) }

// String returns a description including the cause.
func (a AtRisk) String() string {
	return fmt.Sprintf("AtRisk(%v)", a.Cause)
}

func (AtRisk) isLevel() {}

// BackupHealth is the state of a key backup.
type BackupHealth uint8

const (
	// BackupUnknown means the backup has not been checked yet. It is not
	// reported as a risk.
	BackupUnknown BackupHealth = iota

	// BackupHealthy means the backup exists and is current.
	BackupHealthy

	// BackupMissing means there is no usable backup.
	BackupMissing
)

// Inputs are the signals the evaluation depends on.
type Inputs struct {
	// AccountActive is false while no full account exists. Nothing is at
	// risk then.
	AccountActive bool

	// HardwarePresent is true if a hardware factor with firmware is
	// paired.
	HardwarePresent bool

	// MobileKeyBackup is the cloud backup of the mobile key.
	MobileKeyBackup BackupHealth

	// EmergencyKeyBackup is the emergency key backup.
	EmergencyKeyBackup BackupHealth

	// ContactMethodsComplete is true if every notification channel the
	// recovery flow needs is set up.
	ContactMethodsComplete bool
}

// Evaluate classifies the inputs. Causes are checked in priority order and
// the first match wins.
func Evaluate(in Inputs) Level {
	if !in.AccountActive {
		return Protected{}
	}

	switch {
	case !in.HardwarePresent:
		return AtRisk{Cause: CauseMissingHardware}

	case in.MobileKeyBackup == BackupMissing:
		return AtRisk{Cause: CauseMissingCloudBackup}

	case in.EmergencyKeyBackup == BackupMissing:
		return AtRisk{Cause: CauseMissingEmergencyBackup}

	case !in.ContactMethodsComplete:
		return AtRisk{Cause: CauseMissingContactMethod}
	}

	return Protected{}
}

// Evaluator keeps the latest inputs and republishes the level each time it
// changes.
type Evaluator struct {
	metrics *monitoring.Metrics
	updates *subscribe.Server[Level]

	mu      sync.Mutex
	started bool
	inputs  Inputs
	level   Level
}

// NewEvaluator creates an evaluator with initial inputs. The metrics may be
// nil.
func NewEvaluator(initial Inputs, metrics *monitoring.Metrics) *Evaluator {
	level := Evaluate(initial)
	metrics.SetRiskLevel(level.Priority())

	return &Evaluator{
		metrics: metrics,
		updates: subscribe.NewServer[Level](),
		inputs:  initial,
		level:   level,
	}
}

// Start starts delivering updates to subscribers.
func (e *Evaluator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.updates.Start(); err != nil {
		return err
	}
	e.started = true

	return nil
}

// Stop ends every subscription.
func (e *Evaluator) Stop() error {
	return e.updates.Stop()
}

// Subscribe returns a client notified of every level change.
func (e *Evaluator) Subscribe() (*subscribe.Client[Level], error) {
	return e.updates.Subscribe()
}

// Level returns the current level.
func (e *Evaluator) Level() Level {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.level
}

// Inputs returns the current inputs.
func (e *Evaluator) Inputs() Inputs {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.inputs
}

// Update applies a change to the inputs and re-evaluates. It returns the new
// level. Changes are published in the order they are applied.
func (e *Evaluator) Update(change func(*Inputs)) (Level, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	change(&e.inputs)
	level := Evaluate(e.inputs)
	if level == e.level {
		return level, nil
	}
	e.level = level

	e.metrics.SetRiskLevel(level.Priority())

	log.Infof("Funds risk level changed to %v", level)

	if !e.started {
		return level, nil
	}

	return level, e.updates.SendUpdate(level)
}

// SetAccountActive updates the account status.
func (e *Evaluator) SetAccountActive(active bool) (Level, error) {
	return e.Update(func(in *Inputs) {
		in.AccountActive = active
	})
}

// SetHardwarePresent updates the hardware presence.
func (e *Evaluator) SetHardwarePresent(present bool) (Level, error) {
	return e.Update(func(in *Inputs) {
		in.HardwarePresent = present
	})
}

// SetMobileKeyBackup updates the cloud backup health.
func (e *Evaluator) SetMobileKeyBackup(health BackupHealth) (Level, error) {
	return e.Update(func(in *Inputs) {
		in.MobileKeyBackup = health
	})
}

// SetEmergencyKeyBackup updates the emergency backup health.
func (e *Evaluator) SetEmergencyKeyBackup(health BackupHealth) (Level,
	error) {

	return e.Update(func(in *Inputs) {
		in.EmergencyKeyBackup = health
	})
}

// SetContactMethodsComplete updates the notification channel completeness.
func (e *Evaluator) SetContactMethodsComplete(complete bool) (Level, error) {
	return e.Update(func(in *Inputs) {
		in.ContactMethodsComplete = complete
	})
}
