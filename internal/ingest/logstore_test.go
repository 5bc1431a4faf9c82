package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogStoreAppendAndTail(t *testing.T) {
	ls := NewLogStore(500)

	ls.Append("app-1", ChannelPipeline, "analysis started")
	ls.Append("app-1", ChannelDeploy, "deployment triggered")
	ls.Append("app-2", ChannelPipeline, "other app")

	feed := ls.Tail("app-1", 0)
	assert.Len(t, feed, 2)
	assert.Equal(t, "analysis started", feed[0].Line)
	assert.Equal(t, ChannelPipeline, feed[0].Channel)
	assert.Equal(t, "deployment triggered", feed[1].Line)

	assert.Len(t, ls.Tail("app-2", 0), 1)
	assert.Empty(t, ls.Tail("app-3", 0))
}

func TestLogStoreTailSubset(t *testing.T) {
	ls := NewLogStore(500)
	for i := 0; i < 10; i++ {
		ls.Append("app-1", ChannelPipeline, fmt.Sprintf("line %d", i))
	}

	feed := ls.Tail("app-1", 3)
	assert.Len(t, feed, 3)
	assert.Equal(t, "line 7", feed[0].Line)
	assert.Equal(t, "line 9", feed[2].Line)
}

func TestLogStoreEvictsOldEntries(t *testing.T) {
	ls := NewLogStore(5)
	for i := 0; i < 12; i++ {
		ls.Append("app-1", ChannelPipeline, fmt.Sprintf("line %d", i))
	}

	feed := ls.Tail("app-1", 0)
	assert.Len(t, feed, 5)
	assert.Equal(t, "line 7", feed[0].Line)
	assert.Equal(t, "line 11", feed[4].Line)
}

func TestLogStoreDrop(t *testing.T) {
	ls := NewLogStore(500)
	ls.Append("app-1", ChannelPipeline, "something")
	ls.Drop("app-1")
	assert.Empty(t, ls.Tail("app-1", 0))
}
