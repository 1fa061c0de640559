package models

// Comment is a reply on a post.
type Comment struct {
	Meta
	PostLocalID string `db:"post_local_id" json:"post_local_id"`
	AuthorID    string `db:"author_id" json:"author_id"`
	Body        string `db:"body" json:"body"`
}

// TableName returns the table name for Comment.
func (Comment) TableName() string {
	return TableComments
}

// Fields returns the domain fields as a payload snapshot for the queue.
func (c *Comment) Fields() map[string]interface{} {
	return map[string]interface{}{
		"post_local_id": c.PostLocalID,
		"author_id":     c.AuthorID,
		"body":          c.Body,
	}
}
