package update

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// BlockTag identifies a fenced block as a profile update.
const BlockTag = "profile_update"

// Status classifies what the extractor found in a reply.
type Status int

const (
	// StatusNone means the reply carries no update block. This is the normal
	// case for most replies and is not an error.
	StatusNone Status = iota
	// StatusMalformed means a block was present but its body is not a JSON object.
	StatusMalformed
	// StatusParsed means a block was present and decoded into Raw.
	StatusParsed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusMalformed:
		return "malformed"
	case StatusParsed:
		return "parsed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Extraction is the result of scanning one assistant reply.
type Extraction struct {
	DisplayText string
	Raw         *Raw
	Status      Status
	Err         error // decode error when Status is StatusMalformed
}

// openFence matches ```profile_update, ```json:profile_update and
// ```json profile_update, followed by the rest of the fence line.
var openFence = regexp.MustCompile("```(?:json[: ])?" + BlockTag + "[^\n]*\n?")

// Extract locates the first profile_update block in text, strips it from the
// display text and decodes its body. A block whose closing fence is missing
// runs to the end of text.
func Extract(text string) Extraction {
	loc := openFence.FindStringIndex(text)
	if loc == nil {
		return Extraction{DisplayText: strings.TrimSpace(text), Status: StatusNone}
	}

	bodyStart := loc[1]
	body := text[bodyStart:]
	blockEnd := len(text)
	if i := strings.Index(body, "```"); i >= 0 {
		body = body[:i]
		blockEnd = bodyStart + i + len("```")
	}

	display := strings.TrimSpace(text[:loc[0]] + text[blockEnd:])
	out := Extraction{DisplayText: display}

	raw, err := decodeRaw([]byte(body))
	if err != nil {
		out.Status = StatusMalformed
		out.Err = err
		return out
	}
	out.Status = StatusParsed
	out.Raw = raw
	return out
}

// decodeRaw parses a block body. Anything that is not a single JSON object is
// malformed. Non-string field/action values decode as empty and fail validation.
func decodeRaw(body []byte) (*Raw, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty %s block", BlockTag)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decoding %s block: %w", BlockTag, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("decoding %s block: null body", BlockTag)
	}

	raw := &Raw{Data: obj["data"]}
	raw.Field, _ = obj["field"].(string)
	raw.Action, _ = obj["action"].(string)
	return raw, nil
}

// ParseRaw decodes a standalone JSON payload (no fences) into Raw.
func ParseRaw(payload []byte) (*Raw, error) {
	return decodeRaw(payload)
}
