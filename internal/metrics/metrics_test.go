package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveCallRecordsOkAndError(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	reg.ObserveCall("MOUNT_FUSE", nil)
	reg.ObserveCall("MOUNT_FUSE", errors.New("boom"))

	ok := reg.PrivHelperCalls.WithLabelValues("MOUNT_FUSE", "ok")
	bad := reg.PrivHelperCalls.WithLabelValues("MOUNT_FUSE", "error")
	require.Equal(t, float64(1), counterValue(t, ok))
	require.Equal(t, float64(1), counterValue(t, bad))
}

func TestGaugesStartAtZero(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	var m dto.Metric
	require.NoError(t, reg.InodeMapLoaded.Write(&m))
	require.Equal(t, float64(0), m.GetGauge().GetValue())
}

func TestTwoRegistriesAreIndependent(t *testing.T) {
	r1 := NewRegistry(prometheus.NewRegistry())
	r2 := NewRegistry(prometheus.NewRegistry())

	r1.ObserveCall("UNMOUNT_FUSE", nil)
	require.Equal(t, float64(1), counterValue(t, r1.PrivHelperCalls.WithLabelValues("UNMOUNT_FUSE", "ok")))
	require.Equal(t, float64(0), counterValue(t, r2.PrivHelperCalls.WithLabelValues("UNMOUNT_FUSE", "ok")))
}
