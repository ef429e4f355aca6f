package app

import (
	"context"
	"fmt"
	"strings"

	"taskboard/api/internal/dto"
	"taskboard/api/internal/paging"
	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type CreateBoardInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

type CreateStageInput struct {
	Name  string `json:"name"`
	Order *int   `json:"order"`
	Fold  bool   `json:"fold"`
}

func (s *Service) ListBoards(ctx context.Context, caller store.Caller, w paging.Window) (paging.Page[dto.Board], error) {
	projects, total, err := s.store.FindProjects(ctx, caller, query.Query{
		Order:  []query.Order{query.Desc("id")},
		Offset: w.Offset,
		Limit:  w.Limit,
	})
	if err != nil {
		return paging.Page[dto.Board]{}, fmt.Errorf("list boards: %w", err)
	}
	boards := make([]dto.Board, 0, len(projects))
	for _, p := range projects {
		board, err := dto.MapBoard(p)
		if err != nil {
			return paging.Page[dto.Board]{}, err
		}
		boards = append(boards, board)
	}
	return paging.NewPage(boards, total, w), nil
}

// readableBoard loads a board and checks the caller may perform action on it.
// Missing and forbidden boards are indistinguishable.
func (s *Service) readableBoard(ctx context.Context, caller store.Caller, boardID int64, action rbac.Action) (store.Project, error) {
	p, err := s.store.GetProject(ctx, boardID)
	if err != nil {
		return store.Project{}, hidden(err, boardNotFound)
	}
	if err := s.store.CheckAccess(ctx, caller, p, action); err != nil {
		return store.Project{}, hidden(err, boardNotFound)
	}
	return p, nil
}

func (s *Service) GetBoard(ctx context.Context, caller store.Caller, boardID int64) (dto.Board, error) {
	p, err := s.readableBoard(ctx, caller, boardID, rbac.ActionRead)
	if err != nil {
		return dto.Board{}, err
	}
	onBoard := query.Eq("project_id", p.ID)
	return dto.MapBoardWithCardCounts(p, func(stageID int64) (int, error) {
		return s.store.CountTasks(ctx, caller, query.All(onBoard, query.Eq("stage_id", stageID)))
	})
}

func (s *Service) CreateBoard(ctx context.Context, caller store.Caller, in CreateBoardInput) (dto.Board, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return dto.Board{}, validationError("name", "name is required")
	}
	visibility := strings.TrimSpace(in.Visibility)
	if visibility == "" {
		visibility = rbac.VisibilityTeam
	}
	if !rbac.ValidVisibility(visibility) {
		return dto.Board{}, validationError("visibility", "visibility must be private, team or public")
	}
	if !store.CanCreateBoard(caller) {
		return dto.Board{}, forbidden("Your role cannot create boards")
	}

	p, err := s.store.CreateProject(ctx, caller, store.ProjectInput{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Visibility:  visibility,
	})
	if err != nil {
		return dto.Board{}, fmt.Errorf("create board: %w", err)
	}
	requestLogger(ctx, caller).WithField("board_id", p.ID).Info("board created")
	return dto.MapBoard(p)
}

// CreateStage adds a lane to a board. Only board managers and admins may
// change the board layout.
func (s *Service) CreateStage(ctx context.Context, caller store.Caller, boardID int64, in CreateStageInput) (dto.Stage, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return dto.Stage{}, validationError("name", "name is required")
	}
	if in.Order != nil && *in.Order < 0 {
		return dto.Stage{}, validationError("order", "order must not be negative")
	}
	p, err := s.readableBoard(ctx, caller, boardID, rbac.ActionAdmin)
	if err != nil {
		return dto.Stage{}, err
	}
	stage, err := s.store.CreateStage(ctx, store.StageInput{
		ProjectID: p.ID,
		Name:      name,
		Sequence:  in.Order,
		Fold:      in.Fold,
	})
	if err != nil {
		return dto.Stage{}, fmt.Errorf("create stage: %w", err)
	}
	return dto.MapStage(stage), nil
}
