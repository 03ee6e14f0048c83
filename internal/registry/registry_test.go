package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

func testSources() []crawler.DataSource {
	return []crawler.DataSource{
		{ID: "worldbank", Name: "World Bank", Enabled: true, Priority: 3, RateLimit: 60, RetryAttempts: 2, TimeoutSeconds: 30},
		{ID: "fred", Name: "FRED", Enabled: true, Priority: 1, RateLimit: 120, RetryAttempts: 3, TimeoutSeconds: 30},
		{ID: "bls", Name: "BLS", Enabled: true, Priority: 1, RateLimit: 25, RetryAttempts: 3, TimeoutSeconds: 45},
	}
}

// TestNewRejectsInvalidSources guards the DataSource invariants at startup.
func TestNewRejectsInvalidSources(t *testing.T) {
	t.Parallel()

	bad := testSources()
	bad[0].RateLimit = 0
	_, err := New(bad)
	require.Error(t, err)

	dup := append(testSources(), testSources()[1])
	_, err = New(dup)
	require.ErrorContains(t, err, "duplicate")
}

// TestListOrdersByPriorityThenID ensures deterministic listing.
func TestListOrdersByPriorityThenID(t *testing.T) {
	t.Parallel()

	reg, err := New(testSources())
	require.NoError(t, err)

	var ids []string
	for _, src := range reg.List() {
		ids = append(ids, src.ID)
		require.Equal(t, crawler.HealthHealthy, src.HealthStatus)
	}
	require.Equal(t, []string{"bls", "fred", "worldbank"}, ids)
}

// TestUpdateRoundTrip checks updates are visible immediately and snapshots are stable.
func TestUpdateRoundTrip(t *testing.T) {
	t.Parallel()

	reg, err := New(testSources())
	require.NoError(t, err)

	snapshot, err := reg.Get("fred")
	require.NoError(t, err)

	limit := 5
	updated, err := reg.Update("fred", crawler.SourcePatch{RateLimit: &limit})
	require.NoError(t, err)
	require.Equal(t, 5, updated.RateLimit)

	got, err := reg.Get("fred")
	require.NoError(t, err)
	require.Equal(t, 5, got.RateLimit)
	require.Equal(t, 120, snapshot.RateLimit)
}

// TestUpdateErrors covers unknown ids and invalid patches.
func TestUpdateErrors(t *testing.T) {
	t.Parallel()

	reg, err := New(testSources())
	require.NoError(t, err)

	limit := 5
	_, err = reg.Update("imf", crawler.SourcePatch{RateLimit: &limit})
	require.ErrorIs(t, err, crawler.ErrNotFound)

	negative := -1
	_, err = reg.Update("fred", crawler.SourcePatch{RetryAttempts: &negative})
	var vErr *crawler.ValidationError
	require.ErrorAs(t, err, &vErr)

	got, err := reg.Get("fred")
	require.NoError(t, err)
	require.Equal(t, 3, got.RetryAttempts)

	_, err = reg.Get("imf")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

// TestRecordHealth stores health fields reported by the monitor.
func TestRecordHealth(t *testing.T) {
	t.Parallel()

	reg, err := New(testSources())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := "transient: HTTP 503"
	reg.RecordHealth("bls", crawler.HealthWarning, &now, &msg)
	reg.RecordHealth("missing", crawler.HealthError, nil, nil)

	got, err := reg.Get("bls")
	require.NoError(t, err)
	require.Equal(t, crawler.HealthWarning, got.HealthStatus)
	require.Equal(t, now, *got.LastSuccess)
	require.Equal(t, msg, *got.LastError)

	reg.RecordHealth("bls", crawler.HealthError, nil, nil)
	got, err = reg.Get("bls")
	require.NoError(t, err)
	require.Equal(t, crawler.HealthError, got.HealthStatus)
	require.Equal(t, now, *got.LastSuccess)
}

// TestApplyDefaultsFollowsInheritedValues updates only inherited fields and
// stops once a source sets its own value.
func TestApplyDefaultsFollowsInheritedValues(t *testing.T) {
	t.Parallel()

	sources := testSources()
	sources[0].InheritsTimeout = true
	sources[0].InheritsRetries = true
	sources[1].InheritsRetries = true
	reg, err := New(sources)
	require.NoError(t, err)

	require.Equal(t, []string{"fred", "worldbank"}, reg.ApplyDefaults(60, 0))

	wb, err := reg.Get("worldbank")
	require.NoError(t, err)
	require.Equal(t, 60, wb.TimeoutSeconds)
	require.Equal(t, 0, wb.RetryAttempts)

	fred, err := reg.Get("fred")
	require.NoError(t, err)
	require.Equal(t, 30, fred.TimeoutSeconds)
	require.Equal(t, 0, fred.RetryAttempts)

	bls, err := reg.Get("bls")
	require.NoError(t, err)
	require.Equal(t, 3, bls.RetryAttempts)

	own := 4
	_, err = reg.Update("fred", crawler.SourcePatch{RetryAttempts: &own})
	require.NoError(t, err)
	require.Equal(t, []string{"worldbank"}, reg.ApplyDefaults(90, 1))
	fred, err = reg.Get("fred")
	require.NoError(t, err)
	require.Equal(t, 4, fred.RetryAttempts)

	require.Empty(t, reg.ApplyDefaults(90, 1))
}
