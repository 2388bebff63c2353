package models

import (
	"encoding/json"
	"time"
)

// ChangeEvent is the wire form of one row change between two capture points
type ChangeEvent struct {
	Type            string                 `json:"type"`      // CREATION, MODIFICATION, DELETION, UNCHANGED
	DataType        string                 `json:"data_type"` // TABLE, REQUEST
	Source          string                 `json:"source"`    // Table name or request text
	Index           int                    `json:"index"`
	PrimaryKey      map[string]interface{} `json:"primary_key,omitempty"`
	Before          map[string]interface{} `json:"before,omitempty"` // Row at start point
	After           map[string]interface{} `json:"after,omitempty"`  // Row at end point
	ModifiedColumns []string               `json:"modified_columns,omitempty"`
	StartAt         time.Time              `json:"start_at"`
	EndAt           time.Time              `json:"end_at"`

	// RawJSON holds the JavaScript transformer output so fields the script
	// added survive publishing
	RawJSON []byte `json:"-"`
}

// Marshal returns RawJSON when set, the JSON encoding of e otherwise
func (e *ChangeEvent) Marshal() ([]byte, error) {
	if len(e.RawJSON) > 0 {
		return e.RawJSON, nil
	}
	return json.Marshal(e)
}
