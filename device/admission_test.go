package device

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("invalid config", func(t *testing.T) {
		_, err := newAdmission(AdmissionConfig{Rate: 0, Burst: 1, CacheSize: 1})
		assert.Error(t, err)
		_, err = newAdmission(AdmissionConfig{Rate: 1, Burst: 1, CacheSize: 0})
		assert.Error(t, err)
	})

	t.Run("token bucket per key", func(t *testing.T) {
		a, err := newAdmission(AdmissionConfig{Rate: 2, Burst: 1, CacheSize: 8})
		require.NoError(t, err)
		assert.True(t, a.allow("a", now))
		assert.False(t, a.allow("a", now))
		assert.False(t, a.allow("a", now.Add(100*time.Millisecond)))
		assert.True(t, a.allow("a", now.Add(600*time.Millisecond)))
		assert.True(t, a.allow("b", now))
	})

	t.Run("cache is bounded", func(t *testing.T) {
		a, err := newAdmission(AdmissionConfig{Rate: 1, Burst: 1, CacheSize: 4})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			a.allow(fmt.Sprintf("10.0.0.%d", i), now)
		}
		assert.Equal(t, 4, a.tracked())
		// The oldest entry was evicted, so it starts with a fresh bucket.
		assert.True(t, a.allow("10.0.0.0", now))
	})
}
