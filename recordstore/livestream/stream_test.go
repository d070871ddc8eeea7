package livestream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/changebus"
	"github.com/recordstreams/recordstore-go/recordstore/livestream"
	"github.com/recordstreams/recordstore-go/recordstore/memoryengine"
	"github.com/recordstreams/recordstore-go/testutil/recordstore/fixtures"
)

const authorTopic = recordstore.Topic("author")

type streamWorld struct {
	engine  *memoryengine.Engine
	sess    *memoryengine.Session
	bus     *changebus.Bus
	authors *recordstore.Repository[fixtures.Author]
}

func newStreamWorld(t *testing.T) streamWorld {
	t.Helper()

	engine, err := memoryengine.NewEngine(memoryengine.WithAutoKey("authors", "id"))
	require.NoError(t, err)

	bus, err := changebus.New()
	require.NoError(t, err)

	meta, err := fixtures.AuthorMetadata(nil)
	require.NoError(t, err)

	authors, err := recordstore.NewRepository(meta, recordstore.WithPublisher[fixtures.Author](bus))
	require.NoError(t, err)

	return streamWorld{engine: engine, sess: engine.Begin(), bus: bus, authors: authors}
}

func (w streamWorld) seedAuthor(t *testing.T, name string, status string) fixtures.Author {
	t.Helper()

	author, err := w.authors.Create(t.Context(), w.sess, recordstore.FieldMap{
		"name":   name,
		"status": status,
	}, nil)
	require.NoError(t, err)

	return author
}

// awaitSubscriber polls until the stream has registered its tail subscription.
func (w streamWorld) awaitSubscriber(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for w.bus.SubscriberCount(authorTopic) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed to the bus")
		}

		time.Sleep(time.Millisecond)
	}
}

func Test_Open_ValidatesItsCollaborators(t *testing.T) {
	world := newStreamWorld(t)

	testCases := []struct {
		name        string
		open        func() (*livestream.Stream, error)
		expectedErr error
	}{
		{
			name: "nil_bus",
			open: func() (*livestream.Stream, error) {
				return livestream.Open(nil, authorTopic, world.authors, world.sess)
			},
			expectedErr: livestream.ErrNilBus,
		},
		{
			name: "nil_snapshotter",
			open: func() (*livestream.Stream, error) {
				return livestream.Open(world.bus, authorTopic, nil, world.sess)
			},
			expectedErr: livestream.ErrNilSnapshotter,
		},
		{
			name: "nil_session",
			open: func() (*livestream.Stream, error) {
				return livestream.Open(world.bus, authorTopic, world.authors, nil)
			},
			expectedErr: recordstore.ErrNilSession,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.open()

			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func Test_Stream_SnapshotFirstThenLiveTail(t *testing.T) {
	// arrange
	world := newStreamWorld(t)
	world.seedAuthor(t, "ada", "active")
	world.seedAuthor(t, "grace", "retired")
	world.seedAuthor(t, "barbara", "active")
	world.seedAuthor(t, "edsger", "retired")
	world.seedAuthor(t, "donald", "active")

	stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess,
		livestream.WithPredicate(recordstore.Where(recordstore.P("status", "active"))))
	require.NoError(t, err)

	defer func() { _ = stream.Close() }()

	// assert: snapshot events come first, filtered, as synthetic creations
	expectedNames := []string{"ada", "barbara", "donald"}
	for _, name := range expectedNames {
		event, nextErr := stream.Next(t.Context())
		require.NoError(t, nextErr)
		assert.Equal(t, recordstore.EventCreated, event.Type)
		assert.Equal(t, name, event.Data["name"], "snapshot arrives in key order")
	}

	// act: mutate after the snapshot is drained
	go func() {
		world.awaitSubscriber(t)
		world.seedAuthor(t, "tony", "retired") // filtered out
		world.seedAuthor(t, "leslie", "active")
	}()

	// assert: only the matching live event arrives
	event, nextErr := stream.Next(t.Context())
	require.NoError(t, nextErr)
	assert.Equal(t, recordstore.EventCreated, event.Type)
	assert.Equal(t, "leslie", event.Data["name"])
}

func Test_Stream_DoesNotReplayEventsPublishedWhileSnapshotting(t *testing.T) {
	// arrange
	world := newStreamWorld(t)
	world.seedAuthor(t, "ada", "active")

	stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess)
	require.NoError(t, err)

	defer func() { _ = stream.Close() }()

	// consume the snapshot, so the stream is about to subscribe
	snapshotEvent, nextErr := stream.Next(t.Context())
	require.NoError(t, nextErr)
	assert.Equal(t, "ada", snapshotEvent.Data["name"])

	// act: this mutation happens before the tail subscription exists
	world.seedAuthor(t, "lost", "active")

	go func() {
		world.awaitSubscriber(t)
		world.seedAuthor(t, "leslie", "active")
	}()

	// assert: the pre-subscription event is neither replayed nor duplicated
	event, nextErr := stream.Next(t.Context())
	require.NoError(t, nextErr)
	assert.Equal(t, "leslie", event.Data["name"])
}

func Test_Stream_CloseUnblocksNextAndRemovesSubscription(t *testing.T) {
	world := newStreamWorld(t)
	world.seedAuthor(t, "ada", "active")

	stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess)
	require.NoError(t, err)

	_, nextErr := stream.Next(t.Context())
	require.NoError(t, nextErr)

	go func() {
		world.awaitSubscriber(t)
		_ = stream.Close()
	}()

	_, nextErr = stream.Next(t.Context())
	assert.ErrorIs(t, nextErr, livestream.ErrStreamClosed)
	assert.Zero(t, world.bus.SubscriberCount(authorTopic), "closing must remove the bus subscription")

	_, nextErr = stream.Next(t.Context())
	assert.ErrorIs(t, nextErr, livestream.ErrStreamClosed, "a closed stream stays closed")

	assert.NoError(t, stream.Close(), "close is safe to repeat")
}

func Test_Stream_CloseDuringSnapshot_PreventsTailSubscription(t *testing.T) {
	// arrange
	world := newStreamWorld(t)
	world.seedAuthor(t, "ada", "active")
	world.seedAuthor(t, "grace", "active")

	stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess)
	require.NoError(t, err)

	_, nextErr := stream.Next(t.Context())
	require.NoError(t, nextErr)

	// act: close while snapshot events are still pending
	require.NoError(t, stream.Close())

	// assert
	_, nextErr = stream.Next(t.Context())
	assert.ErrorIs(t, nextErr, livestream.ErrStreamClosed)
	assert.Zero(t, world.bus.SubscriberCount(authorTopic), "a stream closed before tailing must never subscribe")
}

func Test_Stream_CloseRacingABlockedNext_IsSafe(t *testing.T) {
	world := newStreamWorld(t)
	world.seedAuthor(t, "ada", "active")

	// Repeat the close-while-blocked shape so the race detector sees many
	// interleavings of Close against the consumer goroutine.
	for range 25 {
		stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess)
		require.NoError(t, err)

		_, nextErr := stream.Next(t.Context())
		require.NoError(t, nextErr)

		closed := make(chan struct{})

		go func() {
			defer close(closed)
			world.awaitSubscriber(t)
			_ = stream.Close()
		}()

		for {
			if _, nextErr := stream.Next(t.Context()); nextErr != nil {
				assert.ErrorIs(t, nextErr, livestream.ErrStreamClosed)
				break
			}
		}

		<-closed
		require.Zero(t, world.bus.SubscriberCount(authorTopic))
	}
}

func Test_Stream_NextIsCancellable(t *testing.T) {
	world := newStreamWorld(t)

	stream, err := livestream.Open(world.bus, authorTopic, world.authors, world.sess)
	require.NoError(t, err)

	defer func() { _ = stream.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, nextErr := stream.Next(ctx)
	assert.ErrorIs(t, nextErr, context.DeadlineExceeded)
}
