package redis

import (
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"navsync/internal/navbus"
)

func TestMirror_BuffersWhenUnreachable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	m := NewMirror(client, 2, zerolog.Nop())
	buffered := 0
	m.OnBuffer = func() { buffered++ }

	for i := 0; i < 3; i++ {
		err := m.Handle(navbus.Event{ID: "e", Slug: "tech"})
		assert.Error(t, err)
	}
	assert.Equal(t, 3, buffered)
	assert.Equal(t, 2, m.PendingCount(), "oldest dropped beyond capacity")
	assert.Equal(t, "pub:nav:tech", ChannelFor("tech"))
}
