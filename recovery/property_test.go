package recovery_test

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/recovery"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestPropertyUniqueness runs random sequences of operations against one
// account and checks at most one recovery is ever active and that every
// operation fails exactly when the lifecycle forbids it.
func TestPropertyUniqueness(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		delay := rapid.Int64Range(
			int64(time.Minute), int64(30*24*time.Hour),
		).Draw(rt, "delay")
		h := newHarness(rt, harnessConfig{
			delay: time.Duration(delay),
		})

		var (
			active  bool
			endsAt  time.Time
			started time.Time
		)

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{
				"initiate", "cancel", "advance", "complete",
			}).Draw(rt, "op")

			switch op {
			case "initiate":
				event, err := h.coord.Initiate(
					h.ctx, h.lostHardwareRequest(),
				)
				if active {
					requireKind(
						rt, err,
						recovery.KindRecoveryAlreadyExists,
					)
					break
				}

				require.NoError(rt, err)
				require.Equal(rt, time.Duration(delay),
					event.DelayEndsAt.Sub(event.StartedAt))

				active = true
				started, endsAt = event.StartedAt, event.DelayEndsAt

			case "cancel":
				err := h.coord.Cancel(h.ctx, h.cancelRequest())
				if active {
					require.NoError(rt, err)
					active = false
					break
				}
				require.Error(rt, err)

			case "advance":
				d := rapid.Int64Range(
					0, 2*delay,
				).Draw(rt, "advance")
				h.advance(time.Duration(d))

			case "complete":
				err := h.coord.CompleteRotation(h.ctx)
				now := h.clock.Now()
				switch {
				case active && now.Before(endsAt):
					requireKind(
						rt, err,
						recovery.KindDelayNotElapsed,
					)

				case active:
					require.NoError(rt, err)
					require.False(rt,
						now.Before(started.Add(
							time.Duration(delay),
						)))
					active = false

				default:
					require.Error(rt, err)
				}
			}

			status, err := h.coord.Status(h.ctx)
			require.NoError(rt, err)

			state := recovery.StateOf(status)
			isActive := state == recovery.StatePending ||
				state == recovery.StateReadyToComplete
			require.Equal(rt, active, isActive)

			if active {
				require.Equal(rt, endsAt,
					status.UnsafeFromSome().DelayEndsAt)
			}
		}
	})
}

// TestStaleContactRule checks only contacts enrolled before a social
// recovery started are treated as stale.
func TestStaleContactRule(t *testing.T) {
	t.Parallel()

	start := testTime

	tests := []struct {
		name       string
		social     bool
		enrolledAt time.Time
		stale      bool
	}{
		{
			name:       "social, enrolled before",
			social:     true,
			enrolledAt: start.Add(-time.Hour),
			stale:      true,
		},
		{
			name:       "social, enrolled during delay",
			social:     true,
			enrolledAt: start.Add(time.Hour),
			stale:      false,
		},
		{
			name:       "not social",
			social:     false,
			enrolledAt: start.Add(-time.Hour),
			stale:      false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event := &ledger.RecoveryEvent{
				StartedAt:      start,
				SocialRecovery: tc.social,
			}
			contact := &ledger.TrustedContact{
				EnrolledAt: tc.enrolledAt,
			}

			require.Equal(t, tc.stale,
				recovery.StaleContact(event, contact))
		})
	}
}
