package models

// Domain table names. Every table listed here carries the Meta sync columns.
const (
	TablePosts           = "posts"
	TableRatings         = "ratings"
	TableCollectionItems = "collection_items"
	TableComments        = "comments"
	TableFollows         = "follows"
)

// DomainTables lists all syncable tables in a stable order.
var DomainTables = []string{
	TablePosts,
	TableRatings,
	TableCollectionItems,
	TableComments,
	TableFollows,
}

// domainColumns whitelists the writable domain columns per table. Remote
// change application and payload validation both consult this map; sync
// columns are deliberately absent so a remote payload can never overwrite
// engine-owned state.
var domainColumns = map[string]map[string]bool{
	TablePosts: {
		"author_id":     true,
		"title":         true,
		"body":          true,
		"tags":          true,
		"images":        true,
		"flavor_notes":  true,
		"like_count":    true,
		"comment_count": true,
	},
	TableRatings: {
		"post_local_id": true,
		"score":         true,
		"note":          true,
	},
	TableCollectionItems: {
		"collection":    true,
		"post_local_id": true,
		"position":      true,
	},
	TableComments: {
		"post_local_id": true,
		"author_id":     true,
		"body":          true,
	},
	TableFollows: {
		"followee_id": true,
	},
}

// counterColumns marks low-stakes numeric columns that are merged by summing
// the pending local delta onto the remote value instead of flagging a
// conflict.
var counterColumns = map[string]map[string]bool{
	TablePosts: {
		"like_count":    true,
		"comment_count": true,
	},
}

// IsDomainTable reports whether the engine knows the table.
func IsDomainTable(table string) bool {
	_, ok := domainColumns[table]
	return ok
}

// IsDomainColumn reports whether column is a writable domain column of table.
func IsDomainColumn(table, column string) bool {
	return domainColumns[table][column]
}

// IsCounterColumn reports whether column is numerically mergeable on table.
func IsCounterColumn(table, column string) bool {
	return counterColumns[table][column]
}

// DomainColumns returns the writable domain columns of a table in
// unspecified order.
func DomainColumns(table string) []string {
	cols := make([]string, 0, len(domainColumns[table]))
	for c := range domainColumns[table] {
		cols = append(cols, c)
	}
	return cols
}
