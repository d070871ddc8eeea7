// Quickstart runs one full round trip against a local Postgres: it creates,
// updates, and deletes a task while a live stream watches the same topic and
// prints every change as a framed event.
//
// It expects the example database from PostgresDSN to be reachable; the tasks
// table is created on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordstreams/recordstore-go/example/shared/config"
	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/changebus"
	"github.com/recordstreams/recordstore-go/recordstore/livestream"
	"github.com/recordstreams/recordstore-go/recordstore/oteladapters"
	"github.com/recordstreams/recordstore-go/recordstore/postgresengine"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id    BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	state TEXT NOT NULL
)`

// Task is the example entity: a unit of work moving through states.
type Task struct {
	ID    int64
	Title string
	State string
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("quickstart failed: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	pool, err := pgxpool.NewWithConfig(ctx, config.PGXPoolConfig())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	defer pool.Close()

	if _, err = pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	bus, err := changebus.New()
	if err != nil {
		return err
	}

	logger := oteladapters.NewSlogBridgeLogger("recordstore-quickstart")

	meta, err := taskMetadata()
	if err != nil {
		return err
	}

	tasks, err := recordstore.NewRepository(meta,
		recordstore.WithPublisher[Task](bus),
		recordstore.WithContextualLogger[Task](logger))
	if err != nil {
		return err
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()

	watchDone, err := watchTasks(watchCtx, pool, bus, tasks, logger)
	if err != nil {
		return err
	}

	if err = mutateTasks(ctx, pool, tasks, logger); err != nil {
		return err
	}

	// Give the watcher a moment to drain, then shut it down.
	time.Sleep(200 * time.Millisecond)
	stopWatching()
	<-watchDone

	return nil
}

// mutateTasks runs one create, update, delete cycle; each mutation commits and
// publishes on the task topic.
func mutateTasks(
	ctx context.Context,
	pool *pgxpool.Pool,
	tasks *recordstore.Repository[Task],
	logger recordstore.ContextualLogger,
) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	sess, err := postgresengine.NewSessionFromPGXTx(tx, postgresengine.WithContextualLogger(logger))
	if err != nil {
		return err
	}

	created, err := tasks.Create(ctx, sess,
		recordstore.FieldMap{"title": "write the docs", "state": "open"}, nil)
	if err != nil {
		return err
	}

	log.Printf("created task %d: %s (%s)", created.ID, created.Title, created.State)

	updated, err := tasks.Update(ctx, sess, created, recordstore.FieldMap{"state": "done"})
	if err != nil {
		return err
	}

	log.Printf("updated task %d: state is now %s", updated.ID, updated.State)

	if err = tasks.Delete(ctx, sess, updated); err != nil {
		return err
	}

	log.Printf("deleted task %d", updated.ID)

	return nil
}

// watchTasks opens a snapshot-then-tail stream on the task topic and pumps it
// to stdout as framed events until the context is canceled.
func watchTasks(
	ctx context.Context,
	pool *pgxpool.Pool,
	bus *changebus.Bus,
	tasks *recordstore.Repository[Task],
	logger recordstore.ContextualLogger,
) (<-chan struct{}, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := postgresengine.NewSessionFromPGXTx(tx, postgresengine.WithContextualLogger(logger))
	if err != nil {
		return nil, err
	}

	stream, err := livestream.Open(bus, tasks.Kind().Topic(), tasks, sess)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() { _ = sess.Rollback(context.Background()) }()

		if pumpErr := livestream.StreamTo(ctx, stream, os.Stdout); pumpErr != nil {
			log.Printf("watch ended with error: %v", pumpErr)
		}
	}()

	return done, nil
}

func taskMetadata() (recordstore.Metadata[Task], error) {
	kind, err := recordstore.BuildKind("Task", "tasks")
	if err != nil {
		return recordstore.Metadata[Task]{}, err
	}

	return recordstore.Metadata[Task]{
		Kind:       kind,
		KeyColumns: []string{"id"},
		KeyOf: func(task Task) recordstore.Key {
			if task.ID == 0 {
				return recordstore.Key{"id": nil}
			}

			return recordstore.Key{"id": task.ID}
		},
		FieldsOf: func(task Task) recordstore.FieldMap {
			fields := recordstore.FieldMap{
				"title": task.Title,
				"state": task.State,
			}

			if task.ID != 0 {
				fields["id"] = task.ID
			} else {
				fields["id"] = nil
			}

			return fields
		},
		Decode: decodeTask,
	}, nil
}

func decodeTask(fields recordstore.FieldMap) (Task, error) {
	var task Task

	for name, val := range fields {
		if val == nil {
			continue
		}

		switch name {
		case "id":
			id, ok := val.(int64)
			if !ok {
				return Task{}, fmt.Errorf("task id %v (%T) is not an int64", val, val)
			}

			task.ID = id
		case "title":
			title, ok := val.(string)
			if !ok {
				return Task{}, fmt.Errorf("task title %v (%T) is not a string", val, val)
			}

			task.Title = title
		case "state":
			state, ok := val.(string)
			if !ok {
				return Task{}, fmt.Errorf("task state %v (%T) is not a string", val, val)
			}

			task.State = state
		default:
			return Task{}, fmt.Errorf("unknown task field %q", name)
		}
	}

	if task.Title == "" {
		return Task{}, errors.New("task title must not be empty")
	}

	return task, nil
}
