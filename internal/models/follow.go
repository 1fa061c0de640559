package models

// Follow records that the device's user follows another user.
type Follow struct {
	Meta
	FolloweeID string `db:"followee_id" json:"followee_id"`
}

// TableName returns the table name for Follow.
func (Follow) TableName() string {
	return TableFollows
}

// Fields returns the domain fields as a payload snapshot for the queue.
func (f *Follow) Fields() map[string]interface{} {
	return map[string]interface{}{
		"followee_id": f.FolloweeID,
	}
}
