// Paginate lists the tasks table page by page over a database/sql connection,
// printing each page's envelope. It shares the schema and entity shape with
// the quickstart example.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/recordstreams/recordstore-go/example/shared/config"
	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/postgresengine"
)

const perPage = 10

// Task mirrors the quickstart entity.
type Task struct {
	ID    int64
	Title string
	State string
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("paginate failed: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	db, err := config.OpenSQLDB()
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	defer func() { _ = db.Close() }()

	meta, err := taskMetadata()
	if err != nil {
		return err
	}

	tasks, err := recordstore.NewRepository(meta)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	sess, err := postgresengine.NewSessionFromSQLTx(tx)
	if err != nil {
		return err
	}

	defer func() { _ = sess.Rollback(ctx) }()

	for page := 1; ; page++ {
		list, pageErr := tasks.Paginate(ctx, sess, recordstore.Predicate{}, page, perPage)
		if pageErr != nil {
			return pageErr
		}

		log.Printf("page %d/%d (%d tasks total)",
			list.Pagination.Page, list.Pagination.TotalPage, list.Pagination.Total)

		for _, task := range list.Items {
			log.Printf("  %d  %-30s %s", task.ID, task.Title, task.State)
		}

		if int64(page) >= list.Pagination.TotalPage {
			return nil
		}
	}
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
			return recordstore.FieldMap{
				"id":    task.ID,
				"title": task.Title,
				"state": task.State,
			}
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
