package models

// CollectionItem places a post into a user's named collection.
type CollectionItem struct {
	Meta
	Collection  string `db:"collection" json:"collection"`
	PostLocalID string `db:"post_local_id" json:"post_local_id"`
	Position    int    `db:"position" json:"position"`
}

// TableName returns the table name for CollectionItem.
func (CollectionItem) TableName() string {
	return TableCollectionItems
}

// Fields returns the domain fields as a payload snapshot for the queue.
func (c *CollectionItem) Fields() map[string]interface{} {
	return map[string]interface{}{
		"collection":    c.Collection,
		"post_local_id": c.PostLocalID,
		"position":      c.Position,
	}
}
