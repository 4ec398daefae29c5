package models

// SuppressedNotification is a notification the pipeline chose to hide.
// Selected is transient UI state and is never persisted.
type SuppressedNotification struct {
	ID          int64   `db:"id" json:"id"`
	Key         string  `db:"notification_key" json:"key"`
	PackageName string  `db:"package_name" json:"package_name"`
	Title       string  `db:"title" json:"title"`
	Content     string  `db:"content" json:"content"`
	Timestamp   int64   `db:"timestamp_ms" json:"timestamp"`
	Score       float64 `db:"score" json:"score"`
	Selected    bool    `db:"-" json:"selected"`
}
