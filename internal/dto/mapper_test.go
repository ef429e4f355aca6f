package dto

import (
	"errors"
	"testing"
	"time"

	"taskboard/api/internal/store"
)

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func TestColorFallback(t *testing.T) {
	if got := MapTag(store.Tag{ID: 4, Name: "ops", Color: 99}).Color; got != "#C0C0C0" {
		t.Fatalf("color 99 = %q, want #C0C0C0", got)
	}
	if got := MapTag(store.Tag{ID: 4, Color: -1}).Color; got != DefaultColor {
		t.Fatalf("color -1 = %q, want default", got)
	}
	if got := MapTag(store.Tag{ID: 4, Color: 0}).Color; got != "#F06050" {
		t.Fatalf("color 0 = %q", got)
	}
	if got := MapTag(store.Tag{ID: 4, Color: 9}).Color; got != "#30C381" {
		t.Fatalf("color 9 = %q", got)
	}
}

func TestMapBoardOwnerFallback(t *testing.T) {
	manager := &store.Partner{ID: 3, Name: "Mia", Email: "mia@co.com"}
	creator := &store.Partner{ID: 4, Name: "Cal", Email: "cal@co.com"}

	board, err := MapBoard(store.Project{ID: 1, Name: "Finance", Visibility: "team", Manager: manager, Creator: creator})
	if err != nil {
		t.Fatalf("MapBoard() error = %v", err)
	}
	if board.Owner.PartnerID != "partner:3" {
		t.Fatalf("owner = %q, want manager", board.Owner.PartnerID)
	}
	if len(board.Members) != 1 || board.Members[0].Role != "manager" || board.Members[0].PartnerID != "partner:3" {
		t.Fatalf("unexpected members: %+v", board.Members)
	}

	board, err = MapBoard(store.Project{ID: 1, Name: "Finance", Creator: creator})
	if err != nil {
		t.Fatalf("MapBoard() error = %v", err)
	}
	if board.Owner.PartnerID != "partner:4" {
		t.Fatalf("owner = %q, want creator fallback", board.Owner.PartnerID)
	}

	if _, err := MapBoard(store.Project{ID: 1}); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
}

func TestMapBoardShape(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	board, err := MapBoard(store.Project{
		ID:          7,
		Name:        "Finance",
		Description: "Month end",
		Visibility:  "private",
		Creator:     &store.Partner{ID: 1, Name: "Ana"},
		Stages: []store.Stage{
			{ID: 9, Name: "Done", Sequence: 30},
			{ID: 5, Name: "Doing", Sequence: 20},
			{ID: 2, Name: "Todo", Sequence: 20},
		},
		Tags:      []store.Tag{{ID: 1, Name: "urgent", Color: 1}},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("MapBoard() error = %v", err)
	}
	if board.BoardID != "project:7" || board.Visibility != "private" || board.Description != "Month end" {
		t.Fatalf("unexpected board: %+v", board)
	}
	wantOrder := []string{"stage:2", "stage:5", "stage:9"}
	for i, id := range wantOrder {
		if board.Stages[i].StageID != id {
			t.Fatalf("stage %d = %q, want %q", i, board.Stages[i].StageID, id)
		}
	}
	if board.Stages[0].WIPLimit != nil {
		t.Fatal("wip_limit must stay absent")
	}
	if board.CreatedAt != "2026-03-01T09:30:00Z" || board.UpdatedAt != "" {
		t.Fatalf("timestamps = %q / %q", board.CreatedAt, board.UpdatedAt)
	}
	if len(board.Tags) != 1 || board.Tags[0].Color != "#F4A460" {
		t.Fatalf("unexpected tags: %+v", board.Tags)
	}
	if board.CardCounts != nil {
		t.Fatal("base mapping must not carry card counts")
	}
}

func TestMapBoardWithCardCounts(t *testing.T) {
	project := store.Project{
		ID:      1,
		Creator: &store.Partner{ID: 1},
		Stages:  []store.Stage{{ID: 1, Sequence: 10}, {ID: 2, Sequence: 20}},
	}
	calls := 0
	board, err := MapBoardWithCardCounts(project, func(stageID int64) (int, error) {
		calls++
		return int(stageID) * 3, nil
	})
	if err != nil {
		t.Fatalf("MapBoardWithCardCounts() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one count per stage, got %d", calls)
	}
	if board.CardCounts["stage:1"] != 3 || board.CardCounts["stage:2"] != 6 {
		t.Fatalf("unexpected counts: %+v", board.CardCounts)
	}

	base, _ := MapBoard(project)
	if base.BoardID != board.BoardID || base.Owner != board.Owner {
		t.Fatal("counts must not change the base mapping")
	}

	failing := errors.New("boom")
	if _, err := MapBoardWithCardCounts(project, func(int64) (int, error) { return 0, failing }); !errors.Is(err, failing) {
		t.Fatalf("expected count error, got %v", err)
	}
}

func TestMapCard(t *testing.T) {
	deadline := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
	card := MapCard(store.Task{
		ID:        12,
		ProjectID: 3,
		StageID:   int64Ptr(5),
		Name:      "Reconcile",
		Deadline:  &deadline,
		Assignees: []store.Partner{{ID: 8, Name: "Jo", Email: "jo@co.com"}},
		Followers: []store.Partner{{ID: 8}, {ID: 9}},
		TagIDs:    []int64{1, 2},
		ParentID:  int64Ptr(10),
		ChildIDs:  []int64{13},
	})

	if card.CardID != "task:12" || card.BoardID != "project:3" || *card.StageID != "stage:5" {
		t.Fatalf("unexpected ids: %+v", card)
	}
	if card.Priority != "1" {
		t.Fatalf("priority = %q, want default 1", card.Priority)
	}
	if card.DueDate == nil || *card.DueDate != "2026-04-30" {
		t.Fatalf("due_date = %v", card.DueDate)
	}
	if len(card.Owners) != 1 || card.Owners[0].PartnerID != "partner:8" {
		t.Fatalf("owners = %+v", card.Owners)
	}
	if len(card.Watchers) != 2 || len(card.Tags) != 2 || card.Tags[1] != "tag:2" {
		t.Fatalf("watchers/tags = %+v / %+v", card.Watchers, card.Tags)
	}
	if *card.ParentID != "task:10" || card.SubtaskIDs[0] != "task:13" {
		t.Fatalf("hierarchy = %v / %v", card.ParentID, card.SubtaskIDs)
	}
	if card.Checklist != nil || card.Dependencies != nil {
		t.Fatal("checklist and dependencies stay absent")
	}
}

func TestMapCardWithoutOptionalRelations(t *testing.T) {
	card := MapCard(store.Task{ID: 1, ProjectID: 1, Priority: "3"})
	if card.StageID != nil || card.DueDate != nil || card.ParentID != nil {
		t.Fatalf("expected null relations, got %+v", card)
	}
	if card.Owners == nil || len(card.Owners) != 0 || card.Watchers == nil || card.Tags == nil || card.SubtaskIDs == nil {
		t.Fatal("collections must be empty, not null")
	}
	if card.Priority != "3" || card.CreatedAt != "" {
		t.Fatalf("unexpected card: %+v", card)
	}
}

func TestMapCardMultipleOwners(t *testing.T) {
	card := MapCard(store.Task{ID: 1, Assignees: []store.Partner{{ID: 1}, {ID: 2}}})
	if len(card.Owners) != 2 {
		t.Fatalf("expected two owners, got %d", len(card.Owners))
	}
}

func TestMapActivity(t *testing.T) {
	msg := store.Message{
		ID:          40,
		MessageType: store.MessageTypeComment,
		Body:        "check with @j@co.com",
		Author:      &store.Partner{ID: 2, Name: "Ana", Email: "ana@co.com"},
		Partners: []store.Partner{
			{ID: 5, Email: "j@co.com"},
			{ID: 5, Email: "j@co.com"},
			{ID: 6},
		},
	}
	act := MapActivity(msg)
	if act.EventID != "msg:40" || act.Type != "comment" || act.BodyMD != msg.Body {
		t.Fatalf("unexpected activity: %+v", act)
	}
	if act.Author == nil || act.Author.PartnerID != "partner:2" {
		t.Fatalf("author = %+v", act.Author)
	}
	if len(act.Mentions) != 1 || act.Mentions[0] != (Mention{Email: "j@co.com", PartnerID: "partner:5"}) {
		t.Fatalf("mentions = %+v", act.Mentions)
	}
	if act.Metadata != nil {
		t.Fatal("comment carries no metadata")
	}
}

func TestMapActivityStageChange(t *testing.T) {
	act := MapActivity(store.Message{
		ID:          41,
		MessageType: store.MessageTypeNotification,
		Subtype:     &store.Subtype{Name: "Stage Changed"},
		Tracking:    []store.TrackingValue{{Field: "stage_id", OldValue: strPtr("Todo"), NewValue: strPtr("Doing")}},
	})
	if act.Type != "stage_change" || act.Author != nil || act.Mentions != nil {
		t.Fatalf("unexpected activity: %+v", act)
	}
	if act.Metadata == nil || *act.Metadata != (ActivityMetadata{FieldName: "stage_id", OldValue: "Todo", NewValue: "Doing"}) {
		t.Fatalf("metadata = %+v", act.Metadata)
	}
}
