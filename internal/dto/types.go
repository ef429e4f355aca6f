// Package dto defines the external board contract and maps store records
// onto it.
package dto

type Partner struct {
	PartnerID string  `json:"partner_id"`
	Email     string  `json:"email"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

type Member struct {
	Partner
	Role string `json:"role"`
}

type Stage struct {
	StageID  string `json:"stage_id"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	WIPLimit *int   `json:"wip_limit"`
	Fold     bool   `json:"fold"`
}

type Tag struct {
	TagID string `json:"tag_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Board struct {
	BoardID     string         `json:"board_id"`
	Name        string         `json:"name"`
	Owner       Partner        `json:"owner"`
	Visibility  string         `json:"visibility"`
	Members     []Member       `json:"members"`
	Stages      []Stage        `json:"stages"`
	Tags        []Tag          `json:"tags"`
	Description string         `json:"description"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	CardCounts  map[string]int `json:"card_counts,omitempty"`
}

type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type Card struct {
	CardID        string          `json:"card_id"`
	BoardID       string          `json:"board_id"`
	StageID       *string         `json:"stage_id"`
	Title         string          `json:"title"`
	DescriptionMD string          `json:"description_md"`
	Priority      string          `json:"priority"`
	DueDate       *string         `json:"due_date"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	Owners        []Partner       `json:"owners"`
	Watchers      []Partner       `json:"watchers"`
	Tags          []string        `json:"tags"`
	ParentID      *string         `json:"parent_id"`
	SubtaskIDs    []string        `json:"subtask_ids"`
	Checklist     []ChecklistItem `json:"checklist"`
	Dependencies  []string        `json:"dependencies"`
	Sequence      int             `json:"sequence"`
}

type Mention struct {
	Email     string `json:"email"`
	PartnerID string `json:"partner_id"`
}

type ActivityMetadata struct {
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}

type Activity struct {
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	Author    *Partner          `json:"author"`
	BodyMD    string            `json:"body_md"`
	Mentions  []Mention         `json:"mentions"`
	Metadata  *ActivityMetadata `json:"metadata"`
	CreatedAt string            `json:"created_at"`
}
