package queue

import (
	"testing"
	"time"

	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/stretchr/testify/assert"
)

func TestRetryDelayDoublesFromOneSecond(t *testing.T) {
	assert.Equal(t, 1*time.Second, RetryDelay(0, nil, nil))
	assert.Equal(t, 2*time.Second, RetryDelay(1, nil, nil))
	assert.Equal(t, 4*time.Second, RetryDelay(2, nil, nil))
}

func TestQueuesCoverEveryPlatform(t *testing.T) {
	queues := Queues()

	assert.Equal(t, 1, queues[DefaultQueue])
	for _, p := range platform.All() {
		assert.Equal(t, 1, queues[QueueName(p)], "missing queue for %s", p)
	}
	assert.Len(t, queues, len(platform.All())+1)
}

func TestQueueNameIsThePlatform(t *testing.T) {
	assert.Equal(t, "twitter", QueueName(platform.Twitter))
	assert.Equal(t, "linkedin", QueueName(platform.LinkedIn))
}
