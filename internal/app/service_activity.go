package app

import (
	"context"
	"fmt"

	"taskboard/api/internal/activity"
	"taskboard/api/internal/dto"
	"taskboard/api/internal/mentions"
	"taskboard/api/internal/paging"
	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type CommentInput struct {
	BodyMD string `json:"body_md"`
	// Mentions, when sent, replaces the mentions parsed from the body.
	Mentions []string `json:"mentions"`
}

func (s *Service) ListActivity(ctx context.Context, caller store.Caller, cardID int64, activityType string, w paging.Window) (paging.Page[dto.Activity], error) {
	var typeFilter query.Expr
	if activityType != "" {
		t, err := activity.ParseType(activityType)
		if err != nil {
			return paging.Page[dto.Activity]{}, validationError("activity_type", err.Error())
		}
		typeFilter = activity.Filter(t)
	}
	if _, err := s.accessibleCard(ctx, caller, cardID, rbac.ActionRead); err != nil {
		return paging.Page[dto.Activity]{}, err
	}

	messages, total, err := s.store.FindMessages(ctx, caller, query.Query{
		Filter: query.All(query.Eq("task_id", cardID), typeFilter),
		Order:  []query.Order{query.Desc("created_at"), query.Desc("id")},
		Offset: w.Offset,
		Limit:  w.Limit,
	})
	if err != nil {
		return paging.Page[dto.Activity]{}, fmt.Errorf("list activity: %w", err)
	}
	items := make([]dto.Activity, 0, len(messages))
	for _, m := range messages {
		items = append(items, dto.MapActivity(m))
	}
	return paging.NewPage(items, total, w), nil
}

// PostComment posts a comment on a card, notifies the mentioned identities
// and subscribes them as followers. A failed follower subscription does not
// fail the comment.
func (s *Service) PostComment(ctx context.Context, caller store.Caller, cardID int64, in CommentInput) (dto.Activity, error) {
	body := sanitizeMarkdown(in.BodyMD)
	if body == "" {
		return dto.Activity{}, validationError("body_md", "body_md is required")
	}
	if _, err := s.accessibleCard(ctx, caller, cardID, rbac.ActionWrite); err != nil {
		return dto.Activity{}, err
	}

	emails := in.Mentions
	if emails == nil {
		emails = mentions.Parse(body)
	}
	partnerIDs := s.mentions.Resolve(ctx, caller, emails)

	msg, err := s.store.PostMessage(ctx, caller, store.MessageInput{
		TaskID:           cardID,
		MessageType:      store.MessageTypeComment,
		Subtype:          store.CommentSubtype(),
		Body:             body,
		NotifyPartnerIDs: partnerIDs,
	})
	if err != nil {
		return dto.Activity{}, hidden(err, cardNotFound)
	}

	if len(partnerIDs) > 0 {
		if err := s.store.SubscribeFollowers(ctx, cardID, partnerIDs); err != nil {
			requestLogger(ctx, caller).WithError(err).WithField("card_id", cardID).Warn("subscribe mentioned followers")
		}
	}
	return dto.MapActivity(msg), nil
}
