package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestMetrics checks the counters move and that a nil *Metrics is inert.
func TestMetrics(t *testing.T) {
	t.Parallel()

	var inert *Metrics
	inert.RecoveryInitiated()
	inert.RotationStepFailed("activate-keyset")
	inert.SocialResponse(true)
	inert.SetRiskLevel(2)

	m := NewMetrics()
	m.RecoveryInitiated()
	m.RecoveryInitiated()
	m.RotationStepFailed("verify-auth-keys")
	m.SweepBroadcast(false)
	m.SetRiskLevel(3)

	require.EqualValues(t, 2, testutil.ToFloat64(m.initiations))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.rotationFailure.WithLabelValues("verify-auth-keys"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.sweepTxns.WithLabelValues("failed"),
	))
	require.EqualValues(t, 3, testutil.ToFloat64(m.riskLevel))

	require.Equal(t, 1, testutil.CollectAndCount(m.sweepTxns))
	require.NotNil(t, m.Registry())
}
