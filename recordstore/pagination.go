package recordstore

// Pagination describes one page of a paginated read. The JSON field names are
// part of the wire contract and must not be renamed.
type Pagination struct {
	Page      int   `json:"page"`
	PerPage   int   `json:"perPage"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"totalPage"`
}

// PaginatedList carries the items of one page together with the pagination
// envelope. Total and TotalPage are recomputed on every call, never cached.
type PaginatedList[E any] struct {
	Items      []E        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// buildPagination computes the envelope for one page. totalPage is
// ceil(total/perPage) in integer arithmetic; perPage has been validated as
// positive before this point.
func buildPagination(page int, perPage int, total int64) Pagination {
	return Pagination{
		Page:      page,
		PerPage:   perPage,
		Total:     total,
		TotalPage: (total + int64(perPage) - 1) / int64(perPage),
	}
}
