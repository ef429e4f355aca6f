package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/api/internal/dto"
	"taskboard/api/internal/ids"
	"taskboard/api/internal/paging"
	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

// CardFilterInput holds the raw list filters from the query string.
type CardFilterInput struct {
	Stage   string
	Tag     string
	Owner   string
	DueFrom string
	DueTo   string
	Text    string
}

type CreateCardInput struct {
	BoardID       string   `json:"board_id"`
	StageID       string   `json:"stage_id"`
	Title         string   `json:"title"`
	DescriptionMD string   `json:"description_md"`
	Priority      string   `json:"priority"`
	DueDate       *string  `json:"due_date"`
	Owners        []string `json:"owners"`
	Tags          []string `json:"tags"`
	ParentID      *string  `json:"parent_id"`
}

// UpdateCardInput is a partial update. Absent fields are left alone; Null
// lists the fields the client sent as an explicit null.
type UpdateCardInput struct {
	Title         *string   `json:"title"`
	DescriptionMD *string   `json:"description_md"`
	StageID       *string   `json:"stage_id"`
	Priority      *string   `json:"priority"`
	DueDate       *string   `json:"due_date"`
	Owners        *[]string `json:"owners"`
	Tags          *[]string `json:"tags"`

	Null map[string]bool `json:"-"`
}

var priorities = map[string]struct{}{"0": {}, "1": {}, "2": {}, "3": {}}

func validPriority(p string) bool {
	_, ok := priorities[p]
	return ok
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(dto.DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, validationError(field, field+" must be a YYYY-MM-DD date")
	}
	return t.UTC(), nil
}

// invalidReference reports a body id that decoded but points nowhere usable.
func invalidReference(err error) error {
	if errors.Is(err, store.ErrInvalidReference) {
		return validationError("", err.Error())
	}
	return err
}

// ownerUser resolves the first owner partner to the user it belongs to. The
// store keeps a single assignee per card.
func (s *Service) ownerUser(ctx context.Context, owners []string) (*int64, error) {
	if len(owners) == 0 {
		return nil, nil
	}
	partnerID, err := ids.Decode(ids.KindPartner, owners[0])
	if err != nil {
		return nil, invalidField("owners", err)
	}
	user, err := s.store.UserByPartner(ctx, partnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationError("owners", fmt.Sprintf("%s is not a registered user", owners[0]))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	return &user.ID, nil
}

func (s *Service) cardFilter(ctx context.Context, boardID int64, in CardFilterInput) (query.Expr, error) {
	filters := []query.Expr{query.Eq("project_id", boardID)}

	if in.Stage != "" {
		stageID, err := ids.Decode(ids.KindStage, in.Stage)
		if err != nil {
			return nil, invalidField("stage", err)
		}
		filters = append(filters, query.Eq("stage_id", stageID))
	}
	if in.Tag != "" {
		tagID, err := ids.Decode(ids.KindTag, in.Tag)
		if err != nil {
			return nil, invalidField("tag", err)
		}
		filters = append(filters, query.Where("tag_ids", query.OpHas, tagID))
	}
	if in.Owner != "" {
		switch {
		case strings.HasPrefix(in.Owner, string(ids.KindPartner)+":"):
			partnerID, err := ids.Decode(ids.KindPartner, in.Owner)
			if err != nil {
				return nil, invalidField("owner", err)
			}
			filters = append(filters, query.Eq("assignee_partner_id", partnerID))
		case strings.Contains(in.Owner, "@"):
			filters = append(filters, query.Eq("assignee_email", in.Owner))
		default:
			return nil, validationError("owner", "owner must be a partner id or an email")
		}
	}
	if in.DueFrom != "" {
		from, err := parseDate("due_from", in.DueFrom)
		if err != nil {
			return nil, err
		}
		filters = append(filters, query.Where("deadline", query.OpGte, from))
	}
	if in.DueTo != "" {
		to, err := parseDate("due_to", in.DueTo)
		if err != nil {
			return nil, err
		}
		filters = append(filters, query.Where("deadline", query.OpLte, to))
	}
	filters = append(filters, search.TextFilter(in.Text))
	return query.All(filters...), nil
}

func (s *Service) ListCards(ctx context.Context, caller store.Caller, boardID int64, in CardFilterInput, w paging.Window) (paging.Page[dto.Card], error) {
	if _, err := s.readableBoard(ctx, caller, boardID, rbac.ActionRead); err != nil {
		return paging.Page[dto.Card]{}, err
	}
	filter, err := s.cardFilter(ctx, boardID, in)
	if err != nil {
		return paging.Page[dto.Card]{}, err
	}
	tasks, total, err := s.store.FindTasks(ctx, caller, query.Query{
		Filter: filter,
		Order:  []query.Order{query.Asc("sequence"), query.Asc("id")},
		Offset: w.Offset,
		Limit:  w.Limit,
	})
	if err != nil {
		return paging.Page[dto.Card]{}, fmt.Errorf("list cards: %w", err)
	}
	cards := make([]dto.Card, 0, len(tasks))
	for _, t := range tasks {
		cards = append(cards, dto.MapCard(t))
	}
	return paging.NewPage(cards, total, w), nil
}

// Card search engines reported alongside ranked results.
const (
	engineIndex     = "meilisearch"
	engineSubstring = "substring"
)

// SearchCards ranks the cards on a board by relevance to text. Without a
// healthy index it serves the substring match in board order instead; the
// returned engine says which one answered.
func (s *Service) SearchCards(ctx context.Context, caller store.Caller, boardID int64, text string, w paging.Window) (paging.Page[dto.Card], string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return paging.Page[dto.Card]{}, "", validationError("q", "q is required")
	}
	if _, err := s.readableBoard(ctx, caller, boardID, rbac.ActionRead); err != nil {
		return paging.Page[dto.Card]{}, "", err
	}

	if hits, ok := s.search.Ranked(ctx, boardID, text, w.Page, w.Limit); ok {
		cards, err := s.rankedCards(ctx, caller, boardID, hits.IDs)
		if err != nil {
			return paging.Page[dto.Card]{}, "", err
		}
		return paging.NewPage(cards, hits.Total, w), engineIndex, nil
	}

	page, err := s.ListCards(ctx, caller, boardID, CardFilterInput{Text: text}, w)
	return page, engineSubstring, err
}

// rankedCards loads the cards behind ranked ids, keeping their order. Ids
// the store no longer has are skipped.
func (s *Service) rankedCards(ctx context.Context, caller store.Caller, boardID int64, ranked []int64) ([]dto.Card, error) {
	if len(ranked) == 0 {
		return nil, nil
	}
	tasks, _, err := s.store.FindTasks(ctx, caller, query.Query{
		Filter: query.All(query.Eq("project_id", boardID), query.Where("id", query.OpIn, ranked)),
	})
	if err != nil {
		return nil, fmt.Errorf("search cards: %w", err)
	}
	byID := make(map[int64]store.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	cards := make([]dto.Card, 0, len(ranked))
	for _, id := range ranked {
		if t, ok := byID[id]; ok {
			cards = append(cards, dto.MapCard(t))
		}
	}
	return cards, nil
}

// accessibleCard loads a card and checks the caller may perform action on it.
// Missing and forbidden cards are indistinguishable.
func (s *Service) accessibleCard(ctx context.Context, caller store.Caller, cardID int64, action rbac.Action) (store.Task, error) {
	t, err := s.store.GetTask(ctx, cardID)
	if err != nil {
		return store.Task{}, hidden(err, cardNotFound)
	}
	if err := s.store.CheckAccess(ctx, caller, t, action); err != nil {
		return store.Task{}, hidden(err, cardNotFound)
	}
	return t, nil
}

func (s *Service) GetCard(ctx context.Context, caller store.Caller, cardID int64) (dto.Card, error) {
	t, err := s.accessibleCard(ctx, caller, cardID, rbac.ActionRead)
	if err != nil {
		return dto.Card{}, err
	}
	return dto.MapCard(t), nil
}

func (s *Service) CreateCard(ctx context.Context, caller store.Caller, in CreateCardInput) (dto.Card, error) {
	if strings.TrimSpace(in.BoardID) == "" {
		return dto.Card{}, validationError("board_id", "board_id is required")
	}
	boardID, err := decodeBoardID(in.BoardID)
	if err != nil {
		return dto.Card{}, err
	}
	if strings.TrimSpace(in.StageID) == "" {
		return dto.Card{}, validationError("stage_id", "stage_id is required")
	}
	stageID, err := ids.Decode(ids.KindStage, in.StageID)
	if err != nil {
		return dto.Card{}, invalidField("stage_id", err)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return dto.Card{}, validationError("title", "title is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = dto.DefaultPriority
	}
	if !validPriority(priority) {
		return dto.Card{}, validationError("priority", "priority must be one of 0, 1, 2, 3")
	}

	task := store.TaskInput{
		ProjectID:   boardID,
		StageID:     stageID,
		Name:        title,
		Description: sanitizeMarkdown(in.DescriptionMD),
		Priority:    priority,
	}
	if in.DueDate != nil && *in.DueDate != "" {
		due, err := parseDate("due_date", *in.DueDate)
		if err != nil {
			return dto.Card{}, err
		}
		task.Deadline = &due
	}
	if task.TagIDs, err = ids.DecodeAll(ids.KindTag, in.Tags); err != nil {
		return dto.Card{}, invalidField("tags", err)
	}
	if in.ParentID != nil && *in.ParentID != "" {
		parentID, err := ids.Decode(ids.KindTask, *in.ParentID)
		if err != nil {
			return dto.Card{}, invalidField("parent_id", err)
		}
		task.ParentID = &parentID
	}

	if _, err := s.readableBoard(ctx, caller, boardID, rbac.ActionWrite); err != nil {
		return dto.Card{}, err
	}
	if task.AssigneeUserID, err = s.ownerUser(ctx, in.Owners); err != nil {
		return dto.Card{}, err
	}

	created, err := s.store.CreateTask(ctx, caller, task)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return dto.Card{}, boardNotFound()
		}
		return dto.Card{}, invalidReference(err)
	}
	s.search.IndexCard(cardRecord(created))
	requestLogger(ctx, caller).WithField("card_id", created.ID).Info("card created")
	return dto.MapCard(created), nil
}

func (s *Service) cardPatch(ctx context.Context, in UpdateCardInput) (store.TaskPatch, error) {
	var patch store.TaskPatch
	for _, field := range []string{"title", "stage_id", "priority"} {
		if in.Null[field] {
			return patch, validationError(field, field+" cannot be null")
		}
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return patch, validationError("title", "title cannot be empty")
		}
		patch.Name = &title
	}
	if in.DescriptionMD != nil || in.Null["description_md"] {
		description := ""
		if in.DescriptionMD != nil {
			description = sanitizeMarkdown(*in.DescriptionMD)
		}
		patch.Description = &description
	}
	if in.StageID != nil {
		stageID, err := ids.Decode(ids.KindStage, *in.StageID)
		if err != nil {
			return patch, invalidField("stage_id", err)
		}
		patch.StageID = &stageID
	}
	if in.Priority != nil {
		if !validPriority(*in.Priority) {
			return patch, validationError("priority", "priority must be one of 0, 1, 2, 3")
		}
		patch.Priority = in.Priority
	}
	switch {
	case in.Null["due_date"] || (in.DueDate != nil && *in.DueDate == ""):
		patch.ClearDeadline = true
	case in.DueDate != nil:
		due, err := parseDate("due_date", *in.DueDate)
		if err != nil {
			return patch, err
		}
		patch.Deadline = &due
	}
	switch {
	case in.Null["owners"] || (in.Owners != nil && len(*in.Owners) == 0):
		patch.ClearAssignee = true
	case in.Owners != nil:
		userID, err := s.ownerUser(ctx, *in.Owners)
		if err != nil {
			return patch, err
		}
		patch.AssigneeUserID = userID
	}
	switch {
	case in.Null["tags"]:
		patch.TagIDs = &[]int64{}
	case in.Tags != nil:
		tagIDs, err := ids.DecodeAll(ids.KindTag, *in.Tags)
		if err != nil {
			return patch, invalidField("tags", err)
		}
		patch.TagIDs = &tagIDs
	}
	return patch, nil
}

func (s *Service) UpdateCard(ctx context.Context, caller store.Caller, cardID int64, in UpdateCardInput) (dto.Card, error) {
	patch, err := s.cardPatch(ctx, in)
	if err != nil {
		return dto.Card{}, err
	}
	current, err := s.accessibleCard(ctx, caller, cardID, rbac.ActionWrite)
	if err != nil {
		return dto.Card{}, err
	}
	if patch.Empty() {
		return dto.MapCard(current), nil
	}

	updated, err := s.store.UpdateTask(ctx, caller, cardID, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return dto.Card{}, cardNotFound()
		}
		return dto.Card{}, invalidReference(err)
	}
	s.search.IndexCard(cardRecord(updated))
	return dto.MapCard(updated), nil
}
