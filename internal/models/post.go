package models

// Post is a brew post: a tasting write-up with media and social counters.
type Post struct {
	Meta
	AuthorID     string     `db:"author_id" json:"author_id"`
	Title        string     `db:"title" json:"title"`
	Body         string     `db:"body" json:"body"`
	Tags         StringList `db:"tags" json:"tags"`
	Images       StringList `db:"images" json:"images"`
	FlavorNotes  StringList `db:"flavor_notes" json:"flavor_notes"`
	LikeCount    int64      `db:"like_count" json:"like_count"`
	CommentCount int64      `db:"comment_count" json:"comment_count"`
}

// TableName returns the table name for Post.
func (Post) TableName() string {
	return TablePosts
}

// Fields returns the domain fields as a payload snapshot for the queue.
func (p *Post) Fields() map[string]interface{} {
	return map[string]interface{}{
		"author_id":    p.AuthorID,
		"title":        p.Title,
		"body":         p.Body,
		"tags":         []string(p.Tags),
		"images":       []string(p.Images),
		"flavor_notes": []string(p.FlavorNotes),
	}
}
