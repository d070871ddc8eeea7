package recordstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/memoryengine"
	"github.com/recordstreams/recordstore-go/testutil/recordstore/fixtures"
)

/***** helpers *****/

type publishedEvent struct {
	topic recordstore.Topic
	event recordstore.Event
}

// recordingPublisher captures everything published, in order.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (p *recordingPublisher) Publish(topic recordstore.Topic, event recordstore.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, publishedEvent{topic: topic, event: event})
}

func (p *recordingPublisher) events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]publishedEvent(nil), p.published...)
}

type fixtureWorld struct {
	engine    *memoryengine.Engine
	sess      *memoryengine.Session
	authors   *recordstore.Repository[fixtures.Author]
	books     *recordstore.Repository[fixtures.Book]
	publisher *recordingPublisher
}

func newFixtureWorld(t *testing.T) fixtureWorld {
	t.Helper()

	engine, err := memoryengine.NewEngine(
		memoryengine.WithAutoKey("authors", "id"),
		memoryengine.WithAutoKey("books", "id"),
	)
	require.NoError(t, err)

	publisher := &recordingPublisher{}

	bookMeta, err := fixtures.BookMetadata()
	require.NoError(t, err)

	books, err := recordstore.NewRepository(bookMeta, recordstore.WithPublisher[fixtures.Book](publisher))
	require.NoError(t, err)

	authorMeta, err := fixtures.AuthorMetadata(books)
	require.NoError(t, err)

	authors, err := recordstore.NewRepository(authorMeta, recordstore.WithPublisher[fixtures.Author](publisher))
	require.NoError(t, err)

	return fixtureWorld{
		engine:    engine,
		sess:      engine.Begin(),
		authors:   authors,
		books:     books,
		publisher: publisher,
	}
}

func (w fixtureWorld) createAuthor(t *testing.T, name string, status string) fixtures.Author {
	t.Helper()

	author, err := w.authors.Create(t.Context(), w.sess, recordstore.FieldMap{
		"name":   name,
		"status": status,
	}, nil)
	require.NoError(t, err)

	return author
}

func (w fixtureWorld) createBook(t *testing.T, authorID int64, title string) fixtures.Book {
	t.Helper()

	book, err := w.books.Create(t.Context(), w.sess, recordstore.FieldMap{
		"author_id": authorID,
		"title":     title,
	}, nil)
	require.NoError(t, err)

	return book
}

/***** construction *****/

func Test_NewRepository_RejectsIncompleteMetadata(t *testing.T) {
	kind, err := recordstore.BuildKind("Author", "authors")
	require.NoError(t, err)

	testCases := []struct {
		name        string
		meta        recordstore.Metadata[fixtures.Author]
		expectedErr error
	}{
		{
			name:        "missing_kind",
			meta:        recordstore.Metadata[fixtures.Author]{},
			expectedErr: recordstore.ErrEmptyKindName,
		},
		{
			name: "missing_key_columns",
			meta: recordstore.Metadata[fixtures.Author]{
				Kind: kind,
			},
			expectedErr: recordstore.ErrIncompleteMetadata,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, buildErr := recordstore.NewRepository(tc.meta)

			assert.ErrorIs(t, buildErr, tc.expectedErr)
		})
	}
}

/***** create *****/

func Test_Create_AssignsKeyAndPublishesStoredRow(t *testing.T) {
	// arrange
	world := newFixtureWorld(t)

	// act
	created := world.createAuthor(t, "ada", "active")

	// assert
	assert.Equal(t, int64(1), created.ID, "store-assigned key should be visible on the saved instance")

	found, ok, err := world.authors.ByKey(t.Context(), world.sess, recordstore.Key{"id": created.ID})
	require.NoError(t, err)
	require.True(t, ok, "created entity should be retrievable by key")
	assert.Equal(t, created, found)

	events := world.publisher.events()
	require.Len(t, events, 1)
	assert.Equal(t, recordstore.Topic("author"), events[0].topic)
	assert.Equal(t, recordstore.EventCreated, events[0].event.Type)
	assert.Equal(t, int64(1), events[0].event.Data["id"], "event data should carry the stored row")
	assert.Equal(t, "ada", events[0].event.Data["name"])
}

func Test_Create_OverridesWinOverSource(t *testing.T) {
	world := newFixtureWorld(t)

	created, err := world.authors.Create(t.Context(), world.sess,
		recordstore.FieldMap{"name": "ada", "status": "active"},
		recordstore.FieldMap{"status": "retired"})

	require.NoError(t, err)
	assert.Equal(t, "retired", created.Status)
}

func Test_Create_InvalidSource_FailsValidationWithoutPersistingOrPublishing(t *testing.T) {
	world := newFixtureWorld(t)

	testCases := []struct {
		name   string
		source recordstore.FieldMap
	}{
		{name: "unknown_field", source: recordstore.FieldMap{"name": "ada", "shoe_size": 42}},
		{name: "wrong_value_shape", source: recordstore.FieldMap{"name": 7}},
		{name: "missing_name", source: recordstore.FieldMap{"status": "active"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := world.authors.Create(t.Context(), world.sess, tc.source, nil)

			assert.ErrorIs(t, err, recordstore.ErrValidation)
			assert.Empty(t, world.engine.Rows("authors"), "nothing should be persisted")
			assert.Empty(t, world.publisher.events(), "nothing should be published")
		})
	}
}

/***** update *****/

func Test_Update_MergesOnlySuppliedFields(t *testing.T) {
	// arrange
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")

	// act
	updated, err := world.authors.Update(t.Context(), world.sess, created,
		recordstore.FieldMap{"status": "retired"})

	// assert
	require.NoError(t, err)
	assert.Equal(t, "retired", updated.Status)
	assert.Equal(t, "ada", updated.Name, "unsupplied fields must keep their value")
	assert.Equal(t, created.ID, updated.ID)

	events := world.publisher.events()
	require.Len(t, events, 2)
	assert.Equal(t, recordstore.EventUpdated, events[1].event.Type)
	assert.Equal(t, "retired", events[1].event.Data["status"], "event data should carry the refreshed row")
}

func Test_Update_IgnoresKeyColumnsInSet(t *testing.T) {
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")

	updated, err := world.authors.Update(t.Context(), world.sess, created,
		recordstore.FieldMap{"id": int64(99), "status": "retired"})

	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID, "a primary key, once assigned, is immutable")

	_, ok, err := world.authors.ByKey(t.Context(), world.sess, recordstore.Key{"id": int64(99)})
	require.NoError(t, err)
	assert.False(t, ok, "no row should exist under the ignored key")
}

func Test_Update_EmptySet_RefreshesFromStore(t *testing.T) {
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")

	stale := created
	stale.Status = "something-local"

	refreshed, err := world.authors.Update(t.Context(), world.sess, stale, nil)

	require.NoError(t, err)
	assert.Equal(t, "active", refreshed.Status, "empty set should refresh from the stored row")
}

func Test_Update_WithoutKey_FailsInvalidArgument(t *testing.T) {
	world := newFixtureWorld(t)

	_, err := world.authors.Update(t.Context(), world.sess,
		fixtures.Author{Name: "ghost"}, recordstore.FieldMap{"status": "retired"})

	assert.ErrorIs(t, err, recordstore.ErrInvalidArgument)
}

func Test_Update_VanishedRow_FailsPersistence(t *testing.T) {
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")
	require.NoError(t, world.authors.Delete(t.Context(), world.sess, created))

	_, err := world.authors.Update(t.Context(), world.sess, created,
		recordstore.FieldMap{"status": "retired"})

	assert.ErrorIs(t, err, recordstore.ErrPersistence)
	assert.ErrorIs(t, err, recordstore.ErrNoRowsAffected)
}

/***** save *****/

func Test_Save_PersistsTheInstanceStateWithoutPublishing(t *testing.T) {
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")
	publishedBefore := len(world.publisher.events())

	created.Status = "retired"

	saved, err := world.authors.Save(t.Context(), world.sess, created)

	require.NoError(t, err)
	assert.Equal(t, "retired", saved.Status)

	found, ok, err := world.authors.ByKey(t.Context(), world.sess, recordstore.Key{"id": created.ID})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "retired", found.Status, "the change must be committed")

	assert.Len(t, world.publisher.events(), publishedBefore, "save itself notifies nobody")
}

func Test_Save_VanishedRow_RollsBackAndFailsPersistence(t *testing.T) {
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")
	require.NoError(t, world.authors.Delete(t.Context(), world.sess, created))

	_, err := world.authors.Save(t.Context(), world.sess, created)

	assert.ErrorIs(t, err, recordstore.ErrPersistence)
}

/***** create or update *****/

func Test_CreateOrUpdate_DispatchesOnPrimaryKeyPresence(t *testing.T) {
	world := newFixtureWorld(t)
	existing := world.createAuthor(t, "ada", "active")

	t.Run("no_key_creates_a_new_row", func(t *testing.T) {
		saved, ok, err := world.authors.CreateOrUpdate(t.Context(), world.sess,
			recordstore.FieldMap{"name": "grace", "status": "active"}, nil)

		require.NoError(t, err)
		require.True(t, ok)
		assert.NotZero(t, saved.ID)
		assert.NotEqual(t, existing.ID, saved.ID)
	})

	t.Run("key_of_existing_row_updates_it", func(t *testing.T) {
		saved, ok, err := world.authors.CreateOrUpdate(t.Context(), world.sess,
			recordstore.FieldMap{"id": existing.ID, "name": "ada", "status": "retired"}, nil)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, existing.ID, saved.ID)
		assert.Equal(t, "retired", saved.Status)
	})

	t.Run("key_of_absent_row_reports_not_found_without_creating", func(t *testing.T) {
		before, err := world.authors.Count(t.Context(), world.sess)
		require.NoError(t, err)

		_, ok, err := world.authors.CreateOrUpdate(t.Context(), world.sess,
			recordstore.FieldMap{"id": int64(404), "name": "ghost"}, nil)

		require.NoError(t, err)
		assert.False(t, ok)

		after, err := world.authors.Count(t.Context(), world.sess)
		require.NoError(t, err)
		assert.Equal(t, before, after, "nothing must be created under a caller-supplied key")
	})
}

/***** delete and cascade *****/

func Test_Delete_CascadesIntoBooksAndPublishesPerRow(t *testing.T) {
	// arrange
	world := newFixtureWorld(t)
	owner := world.createAuthor(t, "ada", "active")
	other := world.createAuthor(t, "grace", "active")
	world.createBook(t, owner.ID, "volume one")
	world.createBook(t, owner.ID, "volume two")
	kept := world.createBook(t, other.ID, "unrelated")

	publishedBefore := len(world.publisher.events())

	// act
	err := world.authors.Delete(t.Context(), world.sess, owner)

	// assert
	require.NoError(t, err)

	remainingBooks, err := world.books.All(t.Context(), world.sess)
	require.NoError(t, err)
	require.Len(t, remainingBooks, 1, "only the other author's book should survive")
	assert.Equal(t, kept.ID, remainingBooks[0].ID)

	_, ok, err := world.authors.ByKey(t.Context(), world.sess, recordstore.Key{"id": owner.ID})
	require.NoError(t, err)
	assert.False(t, ok)

	events := world.publisher.events()[publishedBefore:]
	require.Len(t, events, 3, "two book deletions plus one author deletion")
	assert.Equal(t, recordstore.Topic("book"), events[0].topic)
	assert.Equal(t, recordstore.Topic("book"), events[1].topic)
	assert.Equal(t, recordstore.Topic("author"), events[2].topic, "the owner's event comes after the cascade")

	for _, published := range events {
		assert.Equal(t, recordstore.EventDeleted, published.event.Type)
	}
}

func Test_Delete_WithoutKey_FailsInvalidArgument(t *testing.T) {
	world := newFixtureWorld(t)

	err := world.authors.Delete(t.Context(), world.sess, fixtures.Author{Name: "ghost"})

	assert.ErrorIs(t, err, recordstore.ErrInvalidArgument)
}

func Test_Delete_AlreadyAbsentRow_IsANoOpWithoutEvent(t *testing.T) {
	// arrange
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")
	require.NoError(t, world.authors.Delete(t.Context(), world.sess, created))

	publishedBefore := len(world.publisher.events())

	// act
	err := world.authors.Delete(t.Context(), world.sess, created)

	// assert
	require.NoError(t, err, "deleting a vanished row is a no-op, not a failure")
	assert.Len(t, world.publisher.events(), publishedBefore, "no row changed, so nothing must be announced")
	assert.Empty(t, world.engine.Rows("authors"))
}

func Test_DeleteMatching_ReportsNumberDeleted(t *testing.T) {
	world := newFixtureWorld(t)
	world.createAuthor(t, "ada", "active")
	world.createAuthor(t, "grace", "retired")
	world.createAuthor(t, "barbara", "retired")

	deleted, err := world.authors.DeleteMatching(t.Context(), world.sess,
		recordstore.Where(recordstore.P("status", "retired")))

	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := world.authors.Count(t.Context(), world.sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func Test_DeleteAll_EmptiesTheKind(t *testing.T) {
	world := newFixtureWorld(t)
	world.createAuthor(t, "ada", "active")
	world.createAuthor(t, "grace", "retired")

	deleted, err := world.authors.DeleteAll(t.Context(), world.sess)

	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Empty(t, world.engine.Rows("authors"))
}

/***** reads *****/

func Test_Reads_FollowKeyOrderAndPredicates(t *testing.T) {
	world := newFixtureWorld(t)
	first := world.createAuthor(t, "ada", "active")
	world.createAuthor(t, "grace", "retired")
	world.createAuthor(t, "barbara", "active")

	t.Run("first_returns_lowest_key", func(t *testing.T) {
		got, ok, err := world.authors.First(t.Context(), world.sess)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("first_matching_respects_predicate", func(t *testing.T) {
		got, ok, err := world.authors.FirstMatching(t.Context(), world.sess,
			recordstore.Where(recordstore.P("status", "retired")))

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "grace", got.Name)
	})

	t.Run("one_matching_without_match_reports_not_found", func(t *testing.T) {
		_, ok, err := world.authors.OneMatching(t.Context(), world.sess,
			recordstore.Where(recordstore.P("status", "unknown")))

		require.NoError(t, err)
		assert.False(t, ok, "absence is not an error")
	})

	t.Run("all_matching_returns_every_match_in_key_order", func(t *testing.T) {
		got, err := world.authors.AllMatching(t.Context(), world.sess,
			recordstore.Where(recordstore.P("status", "active")))

		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ada", got[0].Name)
		assert.Equal(t, "barbara", got[1].Name)
	})

	t.Run("count_matching_uses_the_same_predicate", func(t *testing.T) {
		total, err := world.authors.CountMatching(t.Context(), world.sess,
			recordstore.Where(recordstore.P("status", "active")))

		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})
}

/***** pagination *****/

func Test_Paginate_WindowsMatchesConsistently(t *testing.T) {
	world := newFixtureWorld(t)
	for _, name := range []string{"ada", "grace", "barbara", "edsger", "donald"} {
		world.createAuthor(t, name, "active")
	}

	testCases := []struct {
		name          string
		page          int
		perPage       int
		expectedItems int
		expectedTotal int64
		expectedPages int64
	}{
		{name: "first_page_is_full", page: 1, perPage: 2, expectedItems: 2, expectedTotal: 5, expectedPages: 3},
		{name: "last_page_is_partial", page: 3, perPage: 2, expectedItems: 1, expectedTotal: 5, expectedPages: 3},
		{name: "page_beyond_last_is_empty_with_same_envelope", page: 4, perPage: 2, expectedItems: 0, expectedTotal: 5, expectedPages: 3},
		{name: "per_page_covering_everything_yields_one_page", page: 1, perPage: 10, expectedItems: 5, expectedTotal: 5, expectedPages: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			list, err := world.authors.Paginate(t.Context(), world.sess, recordstore.Predicate{}, tc.page, tc.perPage)

			require.NoError(t, err)
			assert.Len(t, list.Items, tc.expectedItems)
			assert.Equal(t, tc.page, list.Pagination.Page)
			assert.Equal(t, tc.perPage, list.Pagination.PerPage)
			assert.Equal(t, tc.expectedTotal, list.Pagination.Total)
			assert.Equal(t, tc.expectedPages, list.Pagination.TotalPage)
		})
	}
}

func Test_Paginate_PagesPartitionTheMatches(t *testing.T) {
	world := newFixtureWorld(t)
	for _, name := range []string{"ada", "grace", "barbara", "edsger", "donald"} {
		world.createAuthor(t, name, "active")
	}

	seen := make(map[int64]bool)

	for page := 1; page <= 3; page++ {
		list, err := world.authors.Paginate(t.Context(), world.sess, recordstore.Predicate{}, page, 2)
		require.NoError(t, err)

		for _, author := range list.Items {
			assert.False(t, seen[author.ID], "pages must not overlap")
			seen[author.ID] = true
		}
	}

	assert.Len(t, seen, 5, "pages must cover every match")
}

func Test_Paginate_AppliesPredicateToItemsAndTotal(t *testing.T) {
	world := newFixtureWorld(t)
	world.createAuthor(t, "ada", "active")
	world.createAuthor(t, "grace", "retired")
	world.createAuthor(t, "barbara", "active")

	list, err := world.authors.Paginate(t.Context(), world.sess,
		recordstore.Where(recordstore.P("status", "active")), 1, 10)

	require.NoError(t, err)
	assert.Len(t, list.Items, 2)
	assert.Equal(t, int64(2), list.Pagination.Total, "count must use the same predicate as the item fetch")
}

func Test_Paginate_RejectsNonPositiveWindow(t *testing.T) {
	world := newFixtureWorld(t)

	testCases := []struct {
		name    string
		page    int
		perPage int
	}{
		{name: "zero_page", page: 0, perPage: 10},
		{name: "zero_per_page", page: 1, perPage: 0},
		{name: "negative_page", page: -1, perPage: 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := world.authors.Paginate(t.Context(), world.sess, recordstore.Predicate{}, tc.page, tc.perPage)

			assert.ErrorIs(t, err, recordstore.ErrInvalidArgument)
		})
	}
}

/***** metrics *****/

type recordedDuration struct {
	operation string
	duration  time.Duration
}

// recordingCollector captures durations and error counts by operation label.
type recordingCollector struct {
	mu        sync.Mutex
	durations []recordedDuration
	counters  map[string]int
}

func (c *recordingCollector) RecordDuration(_ string, duration time.Duration, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.durations = append(c.durations, recordedDuration{operation: labels["operation"], duration: duration})
}

func (c *recordingCollector) IncrementCounter(_ string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counters == nil {
		c.counters = make(map[string]int)
	}

	c.counters[labels["operation"]]++
}

func (c *recordingCollector) RecordValue(string, float64, map[string]string) {}

func (c *recordingCollector) lastDuration(operation string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.durations) - 1; i >= 0; i-- {
		if c.durations[i].operation == operation {
			return c.durations[i].duration, true
		}
	}

	return 0, false
}

func (c *recordingCollector) errorCount(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counters[operation]
}

// slowFailingSession delays and then fails every update, so the recorded
// duration of the failing operation is measurably non-trivial.
type slowFailingSession struct {
	recordstore.Session
	delay time.Duration
}

func (s slowFailingSession) Update(context.Context, string, recordstore.Key, recordstore.FieldMap) (recordstore.FieldMap, error) {
	time.Sleep(s.delay)
	return nil, errors.New("connection lost")
}

func Test_FailedWrite_RecordsTheFullOperationDuration(t *testing.T) {
	// arrange
	world := newFixtureWorld(t)
	created := world.createAuthor(t, "ada", "active")

	collector := &recordingCollector{}

	meta, err := fixtures.AuthorMetadata(nil)
	require.NoError(t, err)

	authors, err := recordstore.NewRepository(meta, recordstore.WithMetrics[fixtures.Author](collector))
	require.NoError(t, err)

	delay := 20 * time.Millisecond
	sess := slowFailingSession{Session: world.sess, delay: delay}

	// act
	_, updateErr := authors.Update(t.Context(), sess, created, recordstore.FieldMap{"status": "retired"})

	// assert
	require.ErrorIs(t, updateErr, recordstore.ErrPersistence)

	duration, recorded := collector.lastDuration("update")
	require.True(t, recorded, "a failed write must still record its duration")
	assert.GreaterOrEqual(t, duration, delay, "the duration must span the whole operation, not just the failure handling")
	assert.Equal(t, 1, collector.errorCount("update"))
}

/***** publish boundary *****/

type panickingPublisher struct{}

func (p *panickingPublisher) Publish(recordstore.Topic, recordstore.Event) {
	panic("publisher exploded")
}

func Test_Create_SurvivesPanickingPublisher(t *testing.T) {
	engine, err := memoryengine.NewEngine(memoryengine.WithAutoKey("authors", "id"))
	require.NoError(t, err)

	meta, err := fixtures.AuthorMetadata(nil)
	require.NoError(t, err)

	authors, err := recordstore.NewRepository(meta,
		recordstore.WithPublisher[fixtures.Author](&panickingPublisher{}))
	require.NoError(t, err)

	created, err := authors.Create(t.Context(), engine.Begin(),
		recordstore.FieldMap{"name": "ada", "status": "active"}, nil)

	require.NoError(t, err, "a committed mutation must never fail because notification failed")
	assert.Equal(t, int64(1), created.ID)
	assert.Len(t, engine.Rows("authors"), 1)
}

func Test_Mutations_WithoutPublisher_StillWork(t *testing.T) {
	engine, err := memoryengine.NewEngine(memoryengine.WithAutoKey("authors", "id"))
	require.NoError(t, err)

	meta, err := fixtures.AuthorMetadata(nil)
	require.NoError(t, err)

	authors, err := recordstore.NewRepository(meta)
	require.NoError(t, err)

	sess := engine.Begin()

	created, err := authors.Create(t.Context(), sess,
		recordstore.FieldMap{"name": "ada", "status": "active"}, nil)
	require.NoError(t, err)

	require.NoError(t, authors.Delete(t.Context(), sess, created))
	assert.Empty(t, engine.Rows("authors"))
}
