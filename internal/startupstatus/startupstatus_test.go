package startupstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	ch := NewChannel()
	var a, b []string
	ch.Subscribe(func(line string) { a = append(a, line) })
	ch.Subscribe(func(line string) { b = append(b, line) })

	ch.Publish("mounting /home/user/repo")
	ch.Publish("checkout complete")

	assert.Equal(t, []string{"mounting /home/user/repo", "checkout complete"}, a)
	assert.Equal(t, []string{"mounting /home/user/repo", "checkout complete"}, b)
}

func TestStartupCompletedDropsSubscribers(t *testing.T) {
	ch := NewChannel()
	var got []string
	ch.Subscribe(func(line string) { got = append(got, line) })

	ch.StartupCompleted()
	ch.Publish("should not be seen")

	assert.Empty(t, got)
}

func TestSubscribeAfterStartupCompletedIsNoOp(t *testing.T) {
	ch := NewChannel()
	ch.StartupCompleted()

	called := false
	ch.Subscribe(func(line string) { called = true })
	ch.Publish("anything")

	assert.False(t, called)
}
