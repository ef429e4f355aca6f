package store

import "time"

type Partner struct {
	ID        int64
	Name      string
	Email     string
	AvatarURL *string
}

type User struct {
	ID        int64
	PartnerID int64
	Login     string
	Role      string
}

type Stage struct {
	ID       int64
	Name     string
	Sequence int
	Fold     bool
}

type Tag struct {
	ID    int64
	Name  string
	Color int
}

type Project struct {
	ID            int64
	Name          string
	Description   string
	Visibility    string
	ManagerUserID *int64
	CreatorUserID *int64
	// Manager and Creator are the partners of the manager and creator users.
	Manager   *Partner
	Creator   *Partner
	Stages    []Stage
	Tags      []Tag
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Task struct {
	ID             int64
	ProjectID      int64
	StageID        *int64
	Name           string
	Description    string
	Priority       string
	Deadline       *time.Time
	Sequence       int
	AssigneeUserID *int64
	CreatorUserID  *int64
	// Assignees holds the partners of the assigned users. The store keeps a
	// single assignee today.
	Assignees []Partner
	Followers []Partner
	TagIDs    []int64
	ParentID  *int64
	ChildIDs  []int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	MessageTypeComment      = "comment"
	MessageTypeNotification = "notification"
)

// Subtype codes written by this store. Legacy rows may carry only a name.
const (
	SubtypeComment     = "comment"
	SubtypeStageChange = "stage_change"
	SubtypeAssignment  = "assignment"
	SubtypeFieldUpdate = "field_update"
)

type Subtype struct {
	Code string
	Name string
}

type TrackingValue struct {
	Field    string
	OldValue *string
	NewValue *string
}

type Message struct {
	ID              int64
	TaskID          int64
	MessageType     string
	Subtype         *Subtype
	Body            string
	AuthorPartnerID *int64
	Author          *Partner
	// Partners are the identities notified by the message (mentions).
	Partners  []Partner
	Tracking  []TrackingValue
	CreatedAt time.Time
}

type ProjectInput struct {
	Name        string
	Description string
	Visibility  string
}

type StageInput struct {
	ProjectID int64
	Name      string
	// Sequence nil places the stage after the board's existing stages.
	Sequence *int
	Fold     bool
}

type TaskInput struct {
	ProjectID      int64
	StageID        int64
	Name           string
	Description    string
	Priority       string
	Deadline       *time.Time
	AssigneeUserID *int64
	TagIDs         []int64
	ParentID       *int64
}

// TaskPatch carries only the fields being changed. ClearDeadline removes
// the due date; ClearAssignee unassigns the task.
type TaskPatch struct {
	Name           *string
	Description    *string
	StageID        *int64
	Priority       *string
	Deadline       *time.Time
	ClearDeadline  bool
	AssigneeUserID *int64
	ClearAssignee  bool
	TagIDs         *[]int64
	Sequence       *int
}

func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.StageID == nil && p.Priority == nil &&
		p.Deadline == nil && !p.ClearDeadline && p.AssigneeUserID == nil && !p.ClearAssignee &&
		p.TagIDs == nil && p.Sequence == nil
}

type MessageInput struct {
	TaskID      int64
	MessageType string
	Subtype     Subtype
	Body        string
	// NotifyPartnerIDs are linked to the message as notified identities.
	NotifyPartnerIDs []int64
}

type UserInput struct {
	Login string
	Name  string
	Email string
	Role  string
}
