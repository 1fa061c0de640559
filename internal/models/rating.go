package models

import "fmt"

// Rating is a 1-5 score a user gives a post, optionally with a short note.
type Rating struct {
	Meta
	PostLocalID string `db:"post_local_id" json:"post_local_id"`
	Score       int    `db:"score" json:"score"`
	Note        string `db:"note" json:"note"`
}

// TableName returns the table name for Rating.
func (Rating) TableName() string {
	return TableRatings
}

// Validate checks the score range.
func (r *Rating) Validate() error {
	if r.Score < 1 || r.Score > 5 {
		return fmt.Errorf("rating score must be 1-5, got %d", r.Score)
	}
	return nil
}

// Fields returns the domain fields as a payload snapshot for the queue.
func (r *Rating) Fields() map[string]interface{} {
	return map[string]interface{}{
		"post_local_id": r.PostLocalID,
		"score":         r.Score,
		"note":          r.Note,
	}
}
