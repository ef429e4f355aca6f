package dto

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"taskboard/api/internal/activity"
	"taskboard/api/internal/ids"
	"taskboard/api/internal/store"
)

// ErrMissingOwner reports a board record with neither a manager nor a
// creator.
var ErrMissingOwner = errors.New("board has no manager or creator")

const (
	DefaultPriority = "1"
	MemberRoleOwner = "manager"
	DateLayout      = "2006-01-02"
)

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func MapPartner(p store.Partner) Partner {
	return Partner{
		PartnerID: ids.Encode(ids.KindPartner, p.ID),
		Email:     p.Email,
		Name:      p.Name,
		AvatarURL: p.AvatarURL,
	}
}

func mapPartners(partners []store.Partner) []Partner {
	out := make([]Partner, 0, len(partners))
	for _, p := range partners {
		out = append(out, MapPartner(p))
	}
	return out
}

func MapStage(s store.Stage) Stage {
	return Stage{
		StageID: ids.Encode(ids.KindStage, s.ID),
		Name:    s.Name,
		Order:   s.Sequence,
		Fold:    s.Fold,
	}
}

// MapStages orders stages by sequence, then id.
func MapStages(stages []store.Stage) []Stage {
	sorted := append([]store.Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := make([]Stage, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, MapStage(s))
	}
	return out
}

func MapTag(t store.Tag) Tag {
	return Tag{
		TagID: ids.Encode(ids.KindTag, t.ID),
		Name:  t.Name,
		Color: ColorHex(t.Color),
	}
}

func MapBoard(p store.Project) (Board, error) {
	ownerRecord := p.Manager
	if ownerRecord == nil {
		ownerRecord = p.Creator
	}
	if ownerRecord == nil {
		return Board{}, fmt.Errorf("map board %d: %w", p.ID, ErrMissingOwner)
	}
	owner := MapPartner(*ownerRecord)

	tags := make([]Tag, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, MapTag(t))
	}

	return Board{
		BoardID:    ids.Encode(ids.KindProject, p.ID),
		Name:       p.Name,
		Owner:      owner,
		Visibility: p.Visibility,
		// Membership beyond the owner is not modelled by the store yet.
		Members:     []Member{{Partner: owner, Role: MemberRoleOwner}},
		Stages:      MapStages(p.Stages),
		Tags:        tags,
		Description: p.Description,
		CreatedAt:   timestamp(p.CreatedAt),
		UpdatedAt:   timestamp(p.UpdatedAt),
	}, nil
}

// StageCounter returns the number of cards in a stage of the board.
type StageCounter func(stageID int64) (int, error)

// MapBoardWithCardCounts maps p and adds card_counts, asking count once per
// stage.
func MapBoardWithCardCounts(p store.Project, count StageCounter) (Board, error) {
	board, err := MapBoard(p)
	if err != nil {
		return Board{}, err
	}
	counts := make(map[string]int, len(p.Stages))
	for _, s := range p.Stages {
		n, err := count(s.ID)
		if err != nil {
			return Board{}, fmt.Errorf("count cards in stage %d: %w", s.ID, err)
		}
		counts[ids.Encode(ids.KindStage, s.ID)] = n
	}
	board.CardCounts = counts
	return board, nil
}

func MapCard(t store.Task) Card {
	priority := t.Priority
	if priority == "" {
		priority = DefaultPriority
	}
	var due *string
	if t.Deadline != nil {
		formatted := t.Deadline.Format(DateLayout)
		due = &formatted
	}

	return Card{
		CardID:        ids.Encode(ids.KindTask, t.ID),
		BoardID:       ids.Encode(ids.KindProject, t.ProjectID),
		StageID:       ids.EncodePtr(ids.KindStage, t.StageID),
		Title:         t.Name,
		DescriptionMD: t.Description,
		Priority:      priority,
		DueDate:       due,
		CreatedAt:     timestamp(t.CreatedAt),
		UpdatedAt:     timestamp(t.UpdatedAt),
		Owners:        mapPartners(t.Assignees),
		Watchers:      mapPartners(t.Followers),
		Tags:          ids.EncodeAll(ids.KindTag, t.TagIDs),
		ParentID:      ids.EncodePtr(ids.KindTask, t.ParentID),
		SubtaskIDs:    ids.EncodeAll(ids.KindTask, t.ChildIDs),
		Sequence:      t.Sequence,
	}
}

func MapActivity(m store.Message) Activity {
	kind, meta := activity.Classify(m)

	var author *Partner
	if m.Author != nil {
		mapped := MapPartner(*m.Author)
		author = &mapped
	}

	var mentions []Mention
	seen := make(map[string]struct{}, len(m.Partners))
	for _, p := range m.Partners {
		if p.Email == "" {
			continue
		}
		if _, dup := seen[p.Email]; dup {
			continue
		}
		seen[p.Email] = struct{}{}
		mentions = append(mentions, Mention{Email: p.Email, PartnerID: ids.Encode(ids.KindPartner, p.ID)})
	}

	var metadata *ActivityMetadata
	if meta != nil {
		metadata = &ActivityMetadata{FieldName: meta.FieldName, OldValue: meta.OldValue, NewValue: meta.NewValue}
	}

	return Activity{
		EventID:   ids.Encode(ids.KindMessage, m.ID),
		Type:      string(kind),
		Author:    author,
		BodyMD:    m.Body,
		Mentions:  mentions,
		Metadata:  metadata,
		CreatedAt: timestamp(m.CreatedAt),
	}
}
