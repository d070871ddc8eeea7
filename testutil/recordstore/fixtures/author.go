package fixtures

import (
	"errors"
	"fmt"

	"github.com/recordstreams/recordstore-go/recordstore"
)

// Author is the owning side of the fixture model. A zero ID means the store
// has not assigned a key yet.
type Author struct {
	ID     int64
	Name   string
	Status string
}

// AuthorMetadata describes how authors map onto the "authors" table. The
// books relation cascades, so deleting an author deletes their books first.
func AuthorMetadata(books recordstore.RelatedDeleter) (recordstore.Metadata[Author], error) {
	kind, err := recordstore.BuildKind("Author", "authors")
	if err != nil {
		return recordstore.Metadata[Author]{}, err
	}

	meta := recordstore.Metadata[Author]{
		Kind:       kind,
		KeyColumns: []string{"id"},
		KeyOf: func(a Author) recordstore.Key {
			return recordstore.Key{"id": nilWhenZero(a.ID)}
		},
		FieldsOf: func(a Author) recordstore.FieldMap {
			return recordstore.FieldMap{
				"id":     nilWhenZero(a.ID),
				"name":   a.Name,
				"status": a.Status,
			}
		},
		Decode: decodeAuthor,
	}

	if books != nil {
		meta.Relations = []recordstore.Relation{
			{
				Name:    "books",
				Cascade: true,
				Related: books,
				ByOwner: func(owner recordstore.FieldMap) recordstore.Predicate {
					return recordstore.Where(recordstore.P("author_id", owner["id"]))
				},
			},
		}
	}

	return meta, nil
}

func decodeAuthor(fields recordstore.FieldMap) (Author, error) {
	var author Author

	for name, val := range fields {
		if val == nil {
			continue
		}

		var err error

		switch name {
		case "id":
			author.ID, err = asInt64(val)
		case "name":
			author.Name, err = asString(val)
		case "status":
			author.Status, err = asString(val)
		default:
			err = fmt.Errorf("unknown author field %q", name)
		}

		if err != nil {
			return Author{}, err
		}
	}

	if author.Name == "" {
		return Author{}, errors.New("author name must not be empty")
	}

	return author, nil
}

func nilWhenZero(id int64) any {
	if id == 0 {
		return nil
	}

	return id
}
