package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func intPtr(v int) *int { return &v }

func TestComputeWindowDecadeScenarios(t *testing.T) {
	now := d(2024, 1, 1)
	cases := []struct {
		end  time.Time
		want time.Time
	}{
		{d(2024, 1, 8), d(2024, 1, 20)},
		{d(2024, 1, 15), d(2024, 1, 31)},
		{d(2024, 1, 25), d(2024, 2, 10)},
		{d(2024, 2, 20), d(2024, 2, 29)},
		{d(2024, 12, 31), d(2025, 1, 10)},
	}
	for _, tc := range cases {
		w, ok := ComputeWindow(tc.end, PeriodicityDecade, Override{}, now)
		require.True(t, ok)
		require.Equal(t, tc.want, w.Start, "period end %s", tc.end)
		require.Equal(t, tc.want, w.End)
	}
}

func TestComputeWindowDecadeIsSingleDayAfterPeriodEnd(t *testing.T) {
	start := d(2023, 1, 1)
	for i := 0; i < 730; i++ {
		end := start.AddDate(0, 0, i)
		w, ok := ComputeWindow(end, PeriodicityDecade, Override{}, end)
		require.True(t, ok)
		require.Equal(t, w.Start, w.End)
		require.False(t, w.End.Before(end), "due %s before period end %s", w.End, end)
	}
}

func TestComputeWindowOtherPeriodicities(t *testing.T) {
	now := d(2024, 6, 1)

	w, ok := ComputeWindow(d(2024, 1, 31), PeriodicityBimonthly, Override{}, now)
	require.True(t, ok)
	require.Equal(t, d(2024, 2, 25), w.Start)
	require.Equal(t, d(2024, 2, 29), w.End)

	w, ok = ComputeWindow(d(2024, 3, 31), PeriodicityBimonthly, Override{}, now)
	require.True(t, ok)
	require.Equal(t, d(2024, 4, 25), w.Start)
	require.Equal(t, d(2024, 4, 30), w.End)

	w, ok = ComputeWindow(d(2024, 3, 31), PeriodicityQuarterly, Override{}, now)
	require.True(t, ok)
	require.Equal(t, d(2024, 4, 24), w.Start)
	require.Equal(t, w.Start, w.End)

	w, ok = ComputeWindow(d(2024, 12, 31), PeriodicityMonthly, Override{}, now)
	require.True(t, ok)
	require.Equal(t, d(2025, 1, 10), w.End)
}

func TestComputeWindowOverrideUsesCurrentMonth(t *testing.T) {
	now := d(2024, 2, 14)
	w, ok := ComputeWindow(d(2023, 5, 31), PeriodicityMonthly, Override{Start: intPtr(0), End: intPtr(40)}, now)
	require.True(t, ok)
	require.Equal(t, d(2024, 2, 1), w.Start)
	require.Equal(t, d(2024, 2, 29), w.End)

	w, ok = ComputeWindow(time.Time{}, PeriodicityDecade, Override{Start: intPtr(12), End: intPtr(5)}, now)
	require.True(t, ok)
	require.Equal(t, d(2024, 2, 12), w.Start)
	require.Equal(t, d(2024, 2, 12), w.End)
}

func TestComputeWindowAbsentWithoutPeriodEnd(t *testing.T) {
	_, ok := ComputeWindow(time.Time{}, PeriodicityDecade, Override{Start: intPtr(3)}, d(2024, 1, 1))
	require.False(t, ok)
	require.False(t, IsWithinWindow(time.Time{}, PeriodicityDecade, Override{}, d(2024, 1, 1)))
}

func TestWindowPredicatesUseProvidedClock(t *testing.T) {
	end := d(2024, 1, 31)
	require.False(t, IsWithinWindow(end, PeriodicityBimonthly, Override{}, d(2024, 2, 24)))
	require.True(t, IsWithinWindow(end, PeriodicityBimonthly, Override{}, time.Date(2024, 2, 26, 17, 30, 0, 0, time.UTC)))
	require.False(t, IsLastSendDay(end, PeriodicityBimonthly, Override{}, d(2024, 2, 26)))
	require.True(t, IsLastSendDay(end, PeriodicityBimonthly, Override{}, time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)))
}

func TestParsePeriodicity(t *testing.T) {
	p, err := ParsePeriodicity(" Monthly ")
	require.NoError(t, err)
	require.Equal(t, PeriodicityMonthly, p)

	p, err = ParsePeriodicity("")
	require.NoError(t, err)
	require.Equal(t, PeriodicityDecade, p)

	_, err = ParsePeriodicity("weekly")
	require.Error(t, err)
}
