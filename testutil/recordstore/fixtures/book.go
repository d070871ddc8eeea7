package fixtures

import (
	"errors"
	"fmt"

	"github.com/recordstreams/recordstore-go/recordstore"
)

// Book belongs to one author through the author_id foreign key.
type Book struct {
	ID       int64
	AuthorID int64
	Title    string
}

// BookMetadata describes how books map onto the "books" table.
func BookMetadata() (recordstore.Metadata[Book], error) {
	kind, err := recordstore.BuildKind("Book", "books")
	if err != nil {
		return recordstore.Metadata[Book]{}, err
	}

	return recordstore.Metadata[Book]{
		Kind:       kind,
		KeyColumns: []string{"id"},
		KeyOf: func(b Book) recordstore.Key {
			return recordstore.Key{"id": nilWhenZero(b.ID)}
		},
		FieldsOf: func(b Book) recordstore.FieldMap {
			return recordstore.FieldMap{
				"id":        nilWhenZero(b.ID),
				"author_id": b.AuthorID,
				"title":     b.Title,
			}
		},
		Decode: decodeBook,
	}, nil
}

func decodeBook(fields recordstore.FieldMap) (Book, error) {
	var book Book

	for name, val := range fields {
		if val == nil {
			continue
		}

		var err error

		switch name {
		case "id":
			book.ID, err = asInt64(val)
		case "author_id":
			book.AuthorID, err = asInt64(val)
		case "title":
			book.Title, err = asString(val)
		default:
			err = fmt.Errorf("unknown book field %q", name)
		}

		if err != nil {
			return Book{}, err
		}
	}

	if book.Title == "" {
		return Book{}, errors.New("book title must not be empty")
	}

	return book, nil
}
