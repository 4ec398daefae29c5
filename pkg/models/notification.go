// Package models contains domain models for notigate.
package models

import (
	"strings"
	"time"
)

// Notification is an inbound event from the tray collaborator.
// Title and Body may be empty; the pipeline treats missing text as empty.
type Notification struct {
	Key         string `json:"key"`
	PackageName string `json:"package_name"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body,omitempty"`
	// ActionHandle and MediaHandle are opaque references owned by the platform.
	ActionHandle string    `json:"action_handle,omitempty"`
	MediaHandle  string    `json:"media_handle,omitempty"`
	IsMedia      bool      `json:"is_media,omitempty"`
	PostedAt     time.Time `json:"posted_at,omitempty"`
}

// IsEmpty reports whether both title and body are blank.
func (n Notification) IsEmpty() bool {
	return strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Body) == ""
}

// Text returns the title and body joined for tokenization.
func (n Notification) Text() string {
	if n.Title == "" {
		return n.Body
	}
	if n.Body == "" {
		return n.Title
	}
	return n.Title + " " + n.Body
}

// Outcome is the pipeline's answer for a single notification.
type Outcome struct {
	ID       string  `json:"id"`
	Key      string  `json:"key"`
	State    string  `json:"state"`
	Decision string  `json:"decision"`
	Reason   string  `json:"reason,omitempty"`
	Score    float64 `json:"score"`
	Scored   bool    `json:"scored"`
	Pending  bool    `json:"pending"`
}

// Decision values reported in Outcome.Decision.
const (
	DecisionKeep     = "keep"
	DecisionSuppress = "suppress"
	DecisionDropped  = "dropped"
	DecisionUpdated  = "updated"
	DecisionDeferred = "deferred"
)
