package folio

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Nested fields (the
// canonical record, stage completion times) are JSON-encoded into single hash
// fields. Canonical values are scalars, so a JSON round trip reproduces them
// exactly: strings stay strings, bools stay bools, numbers decode to float64.

// DocumentToHash converts a Document to a Redis hash.
func DocumentToHash(d *Document) (map[string]interface{}, error) {
	fields := d.Fields
	if fields == nil {
		fields = Record{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	completed := d.Completed
	if completed == nil {
		completed = map[string]int64{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completed: %w", err)
	}

	return map[string]interface{}{
		"id":               d.ID,
		"doc_type":         d.DocType,
		"subject_id":       d.SubjectID,
		"org_id":           d.OrgID,
		"state":            string(d.State),
		"round":            d.Round,
		"rounds":           d.Rounds,
		"fields":           string(fieldsJSON),
		"completed":        string(completedJSON),
		"pending_category": d.PendingCategory,
		"version":          d.Version,
		"created_by":       d.CreatedBy,
		"created_at_ms":    d.CreatedAtMs,
		"updated_by":       d.UpdatedBy,
		"updated_at_ms":    d.UpdatedAtMs,
	}, nil
}

// HashToDocument converts a Redis hash to a Document.
func HashToDocument(hash map[string]string) (*Document, error) {
	version, err := strconv.Atoi(hash["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	fields := Record{}
	if raw := hash["fields"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
	}

	completed := map[string]int64{}
	if raw := hash["completed"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &completed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal completed: %w", err)
		}
	}

	round, _ := strconv.Atoi(hash["round"])
	rounds, _ := strconv.Atoi(hash["rounds"])
	createdAt, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAt, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &Document{
		ID:              hash["id"],
		DocType:         hash["doc_type"],
		SubjectID:       hash["subject_id"],
		OrgID:           hash["org_id"],
		State:           State(hash["state"]),
		Round:           round,
		Rounds:          rounds,
		Fields:          fields,
		Completed:       completed,
		PendingCategory: hash["pending_category"],
		Version:         version,
		CreatedBy:       hash["created_by"],
		CreatedAtMs:     createdAt,
		UpdatedBy:       hash["updated_by"],
		UpdatedAtMs:     updatedAt,
	}, nil
}

// decodeSignatures converts the raw signature hash into rows keyed by section.
func decodeSignatures(raw map[string]string) (map[string]Signature, error) {
	sigs := make(map[string]Signature, len(raw))
	for section, data := range raw {
		var sig Signature
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signature %q: %w", section, err)
		}
		sigs[section] = sig
	}
	return sigs, nil
}
