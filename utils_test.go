package planogram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeJSONResponse(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(SanitizeJSONResponse([]byte("```json\n{\"a\":1}\n```"))))
	assert.Equal(t, `{"a":1}`, string(SanitizeJSONResponse([]byte("  {\"a\":1}  "))))
	assert.Equal(t, `[1]`, string(SanitizeJSONResponse([]byte("```[1]```"))))
}

func TestRetryable(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := retryable(func() error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		}, 3, time.Millisecond, quietLog)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max", func(t *testing.T) {
		calls := 0
		err := retryable(func() error {
			calls++
			return errors.New("down")
		}, 2, time.Millisecond, quietLog)
		assert.EqualError(t, err, "down")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		quota := errors.New("quota")
		err := retryable(func() error {
			calls++
			return permanent{quota}
		}, 5, time.Millisecond, quietLog)
		assert.Equal(t, 1, calls)
		assert.Same(t, quota, unwrapPermanent(err))
	})

	t.Run("zero max calls once", func(t *testing.T) {
		calls := 0
		_ = retryable(func() error { calls++; return errors.New("x") }, 0, time.Millisecond, quietLog)
		assert.Equal(t, 1, calls)
	})
}
