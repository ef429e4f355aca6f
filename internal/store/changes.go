package store

import (
	"database/sql"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Subtype labels written next to the structured codes.
var subtypeNames = map[string]string{
	SubtypeComment:     "Discussions",
	SubtypeStageChange: "Stage Changed",
	SubtypeAssignment:  "Task Assigned",
	SubtypeFieldUpdate: "Task Updated",
}

func CommentSubtype() Subtype {
	return Subtype{Code: SubtypeComment, Name: subtypeNames[SubtypeComment]}
}

// taskChanges collects the history of one task update.
type taskChanges struct {
	stage      *TrackingValue
	assignment *TrackingValue
	fields     []TrackingValue
}

func (c *taskChanges) track(field, oldValue, newValue string) {
	c.fields = append(c.fields, TrackingValue{Field: field, OldValue: &oldValue, NewValue: &newValue})
}

type pendingMessage struct {
	input    MessageInput
	tracking []TrackingValue
}

func notification(taskID int64, code string, tracking ...TrackingValue) pendingMessage {
	return pendingMessage{
		input: MessageInput{
			TaskID:      taskID,
			MessageType: MessageTypeNotification,
			Subtype:     Subtype{Code: code, Name: subtypeNames[code]},
		},
		tracking: tracking,
	}
}

// messages returns one notification per kind of change: stage, assignee,
// then all remaining fields together.
func (c taskChanges) messages(taskID int64) []pendingMessage {
	var out []pendingMessage
	if c.stage != nil {
		out = append(out, notification(taskID, SubtypeStageChange, *c.stage))
	}
	if c.assignment != nil {
		out = append(out, notification(taskID, SubtypeAssignment, *c.assignment))
	}
	if len(c.fields) > 0 {
		out = append(out, notification(taskID, SubtypeFieldUpdate, c.fields...))
	}
	return out
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func formatDate(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.Format(dateLayout)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func callerUserID(c Caller) *int64 {
	if c.UserID == 0 {
		return nil
	}
	id := c.UserID
	return &id
}

func callerPartnerID(c Caller) *int64 {
	if c.PartnerID == 0 {
		return nil
	}
	id := c.PartnerID
	return &id
}

// uniqueIDs drops duplicates and returns the ids sorted.
func uniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
