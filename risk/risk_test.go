package risk

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func protectedInputs() Inputs {
	return Inputs{
		AccountActive:          true,
		HardwarePresent:        true,
		MobileKeyBackup:        BackupHealthy,
		EmergencyKeyBackup:     BackupHealthy,
		ContactMethodsComplete: true,
	}
}

// TestEvaluatePriority checks the cause reported when several signals are
// missing at once.
func TestEvaluatePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change func(*Inputs)
		want   Level
	}{
		{
			name:   "all good",
			change: func(*Inputs) {},
			want:   Protected{},
		},
		{
			name: "no account",
			change: func(in *Inputs) {
				*in = Inputs{}
			},
			want: Protected{},
		},
		{
			name: "hardware and cloud backup missing",
			change: func(in *Inputs) {
				in.HardwarePresent = false
				in.MobileKeyBackup = BackupMissing
			},
			want: AtRisk{Cause: CauseMissingHardware},
		},
		{
			name: "both backups missing",
			change: func(in *Inputs) {
				in.MobileKeyBackup = BackupMissing
				in.EmergencyKeyBackup = BackupMissing
			},
			want: AtRisk{Cause: CauseMissingCloudBackup},
		},
		{
			name: "emergency backup and contacts missing",
			change: func(in *Inputs) {
				in.EmergencyKeyBackup = BackupMissing
				in.ContactMethodsComplete = false
			},
			want: AtRisk{Cause: CauseMissingEmergencyBackup},
		},
		{
			name: "contacts missing",
			change: func(in *Inputs) {
				in.ContactMethodsComplete = false
			},
			want: AtRisk{Cause: CauseMissingContactMethod},
		},
		{
			name: "unknown backup health",
			change: func(in *Inputs) {
				in.MobileKeyBackup = BackupUnknown
			},
			want: Protected{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := protectedInputs()
			tc.change(&in)
			require.Equal(t, tc.want, Evaluate(in))
		})
	}
}

// TestEvaluateDeterminism checks the reported cause is always the most
// severe one present, whatever else is missing.
func TestEvaluateDeterminism(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		health := rapid.SampledFrom([]BackupHealth{
			BackupUnknown, BackupHealthy, BackupMissing,
		})
		in := Inputs{
			AccountActive:          rapid.Bool().Draw(t, "active"),
			HardwarePresent:        rapid.Bool().Draw(t, "hw"),
			MobileKeyBackup:        health.Draw(t, "cloud"),
			EmergencyKeyBackup:     health.Draw(t, "emergency"),
			ContactMethodsComplete: rapid.Bool().Draw(t, "contacts"),
		}

		var present []Cause
		if !in.HardwarePresent {
			present = append(present, CauseMissingHardware)
		}
		if in.MobileKeyBackup == BackupMissing {
			present = append(present, CauseMissingCloudBackup)
		}
		if in.EmergencyKeyBackup == BackupMissing {
			present = append(present, CauseMissingEmergencyBackup)
		}
		if !in.ContactMethodsComplete {
			present = append(present, CauseMissingContactMethod)
		}

		level := Evaluate(in)
		switch {
		case !in.AccountActive || len(present) == 0:
			require.Equal(t, Protected{}, level)

		default:
			require.Equal(t, AtRisk{Cause: present[0]}, level)
			for _, c := range present {
				require.LessOrEqual(t, level.Priority(), int(c))
			}
		}

		// Evaluation is a pure function of its inputs.
		require.Equal(t, level, Evaluate(in))
	})
}

// TestEvaluatorPublishesChanges checks subscribers only see level changes
// and the current level follows the inputs.
func TestEvaluatorPublishesChanges(t *testing.T) {
	t.Parallel()

	metrics := monitoring.NewMetrics()
	e := NewEvaluator(protectedInputs(), metrics)
	require.NoError(t, e.Start())
	defer func() {
		require.NoError(t, e.Stop())
	}()

	sub, err := e.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	next := func() Level {
		select {
		case level := <-sub.Updates():
			return level

		case <-time.After(5 * time.Second):
			t.Fatalf("no update")
			return nil
		}
	}

	level, err := e.SetMobileKeyBackup(BackupMissing)
	require.NoError(t, err)
	require.Equal(t, AtRisk{Cause: CauseMissingCloudBackup}, level)
	require.Equal(t, level, next())

	// A lower priority signal does not change the reported cause.
	level, err = e.SetContactMethodsComplete(false)
	require.NoError(t, err)
	require.Equal(t, AtRisk{Cause: CauseMissingCloudBackup}, level)

	level, err = e.SetHardwarePresent(false)
	require.NoError(t, err)
	require.Equal(t, AtRisk{Cause: CauseMissingHardware}, level)
	require.Equal(t, level, next())
	require.Equal(t, level, e.Level())

	_, err = e.SetAccountActive(false)
	require.NoError(t, err)
	require.Equal(t, Protected{}, next())
	require.Equal(t, Protected{}, e.Level())
}
