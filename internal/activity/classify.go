// Package activity derives the activity taxonomy exposed on card timelines
// from stored messages.
package activity

import (
	"fmt"
	"strings"

	"taskboard/api/internal/query"
	"taskboard/api/internal/store"
)

type Type string

const (
	TypeComment     Type = "comment"
	TypeStageChange Type = "stage_change"
	TypeFieldUpdate Type = "field_update"
	TypeAssignment  Type = "assignment"
)

// StageField is the tracked field identifier of a stage move.
const StageField = "stage_id"

func ParseType(raw string) (Type, error) {
	switch t := Type(raw); t {
	case TypeComment, TypeStageChange, TypeFieldUpdate, TypeAssignment:
		return t, nil
	}
	return "", fmt.Errorf("unknown activity type %q", raw)
}

type Metadata struct {
	FieldName string
	OldValue  string
	NewValue  string
}

// structured maps subtype codes onto types. Codes outside this table go
// through the label heuristic.
var structured = map[string]Type{
	store.SubtypeStageChange: TypeStageChange,
	store.SubtypeAssignment:  TypeAssignment,
	store.SubtypeFieldUpdate: TypeFieldUpdate,
}

func structuredCodes() []string {
	codes := make([]string, 0, len(structured))
	for code := range structured {
		codes = append(codes, code)
	}
	return codes
}

// Classify returns the activity type of msg and, for stage moves, the
// tracked stage change. Anything that is not a notification is a comment.
func Classify(msg store.Message) (Type, *Metadata) {
	if msg.MessageType != store.MessageTypeNotification {
		return TypeComment, nil
	}

	t := TypeFieldUpdate
	if msg.Subtype != nil {
		if known, ok := structured[msg.Subtype.Code]; ok {
			t = known
		} else {
			t = classifyLabel(msg.Subtype.Name)
		}
	}

	if t != TypeStageChange {
		return t, nil
	}
	return t, stageMetadata(msg.Tracking)
}

// classifyLabel is the compatibility path for notifications that carry only
// a free-text subtype label.
func classifyLabel(label string) Type {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "stage"):
		return TypeStageChange
	case strings.Contains(lower, "assign"):
		return TypeAssignment
	default:
		return TypeFieldUpdate
	}
}

// stageMetadata reports the last stage tracking entry, the final move when a
// message records several.
func stageMetadata(tracking []store.TrackingValue) *Metadata {
	for i := len(tracking) - 1; i >= 0; i-- {
		tv := tracking[i]
		if tv.Field != StageField {
			continue
		}
		meta := &Metadata{FieldName: StageField}
		if tv.OldValue != nil {
			meta.OldValue = *tv.OldValue
		}
		if tv.NewValue != nil {
			meta.NewValue = *tv.NewValue
		}
		return meta
	}
	return nil
}

// Filter builds the message filter selecting activities of type t. It
// mirrors Classify over the message_type, subtype_code and subtype_name
// fields.
func Filter(t Type) query.Expr {
	notification := query.Eq("message_type", store.MessageTypeNotification)
	if t == TypeComment {
		return query.Where("message_type", query.OpNe, store.MessageTypeNotification)
	}

	var code string
	for c, known := range structured {
		if known == t {
			code = c
		}
	}
	legacy := query.Not{Expr: query.Where("subtype_code", query.OpIn, structuredCodes())}
	stage := query.Where("subtype_name", query.OpContains, "stage")
	assign := query.Where("subtype_name", query.OpContains, "assign")

	var label query.Expr
	switch t {
	case TypeStageChange:
		label = stage
	case TypeAssignment:
		label = query.All(query.Not{Expr: stage}, assign)
	default:
		label = query.All(query.Not{Expr: stage}, query.Not{Expr: assign})
	}

	return query.All(notification, query.Any(
		query.Eq("subtype_code", code),
		query.All(legacy, label),
	))
}
