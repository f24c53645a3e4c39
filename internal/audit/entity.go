package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// labelFields are tried in order to find a human-readable entity name.
var labelFields = []string{"title", "name", "fullName", "email", "description", "caseNumber"}

// EntityRef identifies the entity a response body describes.
type EntityRef struct {
	ID   string
	Name string
}

// ParseRecord decodes a JSON object body, keeping numbers as json.Number. Anything that is not
// an object yields nil.
func ParseRecord(body []byte) Record {
	if len(body) == 0 {
		return nil
	}
	v, err := decodeJSON(body)
	if err != nil {
		return nil
	}
	rec, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return Record(rec)
}

// EntityFromResponse reads the affected entity's identity from a handler response: the top-level
// "data" object when present, otherwise the body itself.
func EntityFromResponse(body []byte) (EntityRef, bool) {
	rec := ParseRecord(body)
	if rec == nil {
		return EntityRef{}, false
	}
	if data, ok := rec["data"].(map[string]interface{}); ok {
		rec = Record(data)
	}
	return EntityFromRecord(rec)
}

// EntityFromRecord extracts id and label from a record. The label is the first present of
// title/name/fullName/email/description/caseNumber, else "ID: <id>".
func EntityFromRecord(rec Record) (EntityRef, bool) {
	id := stringify(rec["id"])
	if id == "" {
		return EntityRef{}, false
	}
	ref := EntityRef{ID: id, Name: "ID: " + id}
	for _, field := range labelFields {
		if label := stringify(rec[field]); label != "" {
			ref.Name = label
			break
		}
	}
	return ref, true
}

// ErrorFromResponse returns the "error" (or "message") string of a failed response body.
func ErrorFromResponse(body []byte) string {
	rec := ParseRecord(body)
	for _, key := range []string{"error", "message"} {
		if msg := stringify(rec[key]); msg != "" {
			return msg
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
