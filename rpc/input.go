package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type spaceInput struct {
	SpaceID *string `json:"spaceId"`
}

type sendInput struct {
	SpaceID *string         `json:"spaceId"`
	Message json.RawMessage `json:"message"`
}

type peopleInput struct {
	PeopleIDs *[]string `json:"peopleIds"`
}

// decode unmarshals raw into v. Empty input decodes as an empty object.
func decode(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return badRequest("input must be an object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest(fmt.Sprintf("invalid input: %v", err))
	}
	return nil
}

func badRequest(msg string) *Error { return NewError(CodeBadRequest, msg) }

// parseSpaceID validates a bare space id ("abc", not "spaces/abc").
func parseSpaceID(p *string) (string, error) {
	if p == nil {
		return "", badRequest("spaceId is required")
	}
	id := strings.TrimSpace(*p)
	if id == "" {
		return "", badRequest("spaceId must not be empty")
	}
	if strings.Contains(id, "/") {
		return "", badRequest("spaceId must be a bare id")
	}
	return id, nil
}

func decodeSpace(raw json.RawMessage) (string, error) {
	var in spaceInput
	if err := decode(raw, &in); err != nil {
		return "", err
	}
	return parseSpaceID(in.SpaceID)
}

func decodeSend(raw json.RawMessage) (spaceID, text string, err error) {
	var in sendInput
	if err := decode(raw, &in); err != nil {
		return "", "", err
	}
	if spaceID, err = parseSpaceID(in.SpaceID); err != nil {
		return "", "", err
	}
	if len(in.Message) == 0 || bytes.Equal(in.Message, []byte("null")) {
		return "", "", badRequest("message is required")
	}
	if err := json.Unmarshal(in.Message, &text); err != nil {
		return "", "", badRequest("message must be a string")
	}
	return spaceID, text, nil
}

// decodePeople returns the normalized, de-duplicated "people/{id}" resource names.
func decodePeople(raw json.RawMessage) ([]string, error) {
	var in peopleInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if in.PeopleIDs == nil {
		return nil, badRequest("peopleIds is required")
	}
	seen := make(map[string]struct{}, len(*in.PeopleIDs))
	out := make([]string, 0, len(*in.PeopleIDs))
	for _, id := range *in.PeopleIDs {
		rn := personName(id)
		if rn == "" {
			continue
		}
		if _, dup := seen[rn]; dup {
			continue
		}
		seen[rn] = struct{}{}
		out = append(out, rn)
	}
	return out, nil
}

// personName maps "users/1", "people/1" and "1" to "people/1".
func personName(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "users/")
	id = strings.TrimPrefix(id, "people/")
	if id == "" {
		return ""
	}
	return "people/" + id
}
