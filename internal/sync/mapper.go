package sync

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/sprintforge/worksync/internal/clickup"
	"github.com/sprintforge/worksync/internal/hierarchy"
)

// rawEntity covers the superset of fields the upstream returns across entity
// kinds. Timestamps arrive as millisecond-epoch strings.
type rawEntity struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	DateCreated  string           `json:"date_created"`
	DateUpdated  string           `json:"date_updated"`
	DateClosed   string           `json:"date_closed"`
	StartDate    string           `json:"start_date"`
	DueDate      string           `json:"due_date"`
	Content      string           `json:"content"`
	Archived     bool             `json:"archived"`
	Hidden       bool             `json:"hidden"`
	Private      bool             `json:"private"`
	Parent       *string          `json:"parent"`
	Status       *rawStatus       `json:"status"`
	Priority     *rawPriority     `json:"priority"`
	Assignees    []rawAssignee    `json:"assignees"`
	CustomFields []rawCustomField `json:"custom_fields"`
	TaskCount    json.RawMessage  `json:"task_count"`
}

type rawStatus struct {
	Status     string `json:"status"`
	OrderIndex any    `json:"orderindex"`
}

type rawPriority struct {
	Priority string `json:"priority"`
}

type rawAssignee struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
}

type rawCustomField struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MapRecord converts one raw upstream record into a hierarchy node. It is a
// pure transformation: a malformed record yields a *MappingError and no node,
// and never touches the rest of the batch. The parent external id comes from
// the traversal position, not the record, except for tasks whose subtask
// parent overrides the list parent in the payload.
func MapRecord(
	record clickup.RawRecord,
	kind hierarchy.Kind,
	orgID int64,
	parentExternalID string,
) (*hierarchy.Node, error) {
	var raw rawEntity
	if err := json.Unmarshal(record, &raw); err != nil {
		return nil, &MappingError{Field: "record", Reason: "is not a JSON object: " + err.Error()}
	}

	if raw.ID == "" {
		return nil, &MappingError{Field: "id", Reason: "is missing"}
	}

	updatedAt, err := parseMillis(raw.DateUpdated)
	if err != nil {
		return nil, &MappingError{Field: "date_updated", Reason: "is not a millisecond timestamp"}
	}

	node := &hierarchy.Node{
		OrgID:             orgID,
		Kind:              kind,
		ExternalID:        raw.ID,
		ParentExternalID:  parentExternalID,
		Name:              raw.Name,
		ExternalUpdatedAt: updatedAt,
	}

	payload, err := buildPayload(&raw, kind)
	if err != nil {
		return nil, err
	}
	node.Payload = payload

	return node, nil
}

// buildPayload extracts the kind-specific fields.
func buildPayload(raw *rawEntity, kind hierarchy.Kind) (map[string]any, error) {
	payload := map[string]any{}

	switch kind {
	case hierarchy.KindTeam:
		// Nothing beyond the shared fields.

	case hierarchy.KindSpace:
		payload["archived"] = raw.Archived
		payload["private"] = raw.Private

	case hierarchy.KindFolder:
		payload["archived"] = raw.Archived
		payload["hidden"] = raw.Hidden

	case hierarchy.KindList:
		payload["archived"] = raw.Archived
		if raw.Content != "" {
			payload["goal"] = raw.Content
		}
		if err := putMillis(payload, "start_date", raw.StartDate); err != nil {
			return nil, err
		}
		if err := putMillis(payload, "due_date", raw.DueDate); err != nil {
			return nil, err
		}

	case hierarchy.KindTask:
		if raw.Status != nil {
			payload["status"] = raw.Status.Status
		}
		if raw.Priority != nil {
			payload["priority"] = raw.Priority.Priority
		}
		if raw.Parent != nil && *raw.Parent != "" {
			payload["parent_task"] = *raw.Parent
		}
		if len(raw.Assignees) > 0 {
			assignees := make([]string, 0, len(raw.Assignees))
			for _, a := range raw.Assignees {
				assignees = append(assignees, a.Username)
			}
			payload["assignees"] = assignees
		}
		if fields := mapCustomFields(raw.CustomFields); len(fields) > 0 {
			payload["custom_fields"] = fields
		}
		if err := putMillis(payload, "date_created", raw.DateCreated); err != nil {
			return nil, err
		}
		if err := putMillis(payload, "date_closed", raw.DateClosed); err != nil {
			return nil, err
		}
		if err := putMillis(payload, "due_date", raw.DueDate); err != nil {
			return nil, err
		}

	default:
		return nil, &MappingError{Field: "kind", Reason: "is unknown: " + string(kind)}
	}

	return payload, nil
}

// mapCustomFields flattens the custom-field definitions attached to a task.
// Only fields with a set value are kept; a field without an id or name is
// skipped rather than failing the record, since the upstream ships partial
// definitions for fields the workspace has since deleted.
func mapCustomFields(fields []rawCustomField) []map[string]any {
	mapped := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		if f.ID == "" || f.Name == "" || f.Value == nil {
			continue
		}
		mapped = append(mapped, map[string]any{
			"id":    f.ID,
			"name":  f.Name,
			"type":  f.Type,
			"value": f.Value,
		})
	}
	return mapped
}

// putMillis parses a millisecond-epoch string field and stores it as RFC3339.
// Absent fields are skipped; malformed ones fail the record.
func putMillis(payload map[string]any, field, value string) error {
	if value == "" {
		return nil
	}
	ts, err := parseMillis(value)
	if err != nil {
		return &MappingError{Field: field, Reason: "is not a millisecond timestamp"}
	}
	payload[field] = ts.Format(time.RFC3339)
	return nil
}

// parseMillis converts a millisecond-epoch string to a UTC time. An empty
// value maps to the zero time: some kinds never report a last-modified
// timestamp upstream, and the store treats zero as "no newer write".
func parseMillis(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
