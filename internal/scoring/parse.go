package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const verdictSchemaSource = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "number"},
		"feedback": {"type": "string"},
		"confidence": {"type": "number"}
	}
}`

var verdictSchema = jsonschema.MustCompileString("grading-verdict.schema.json", verdictSchemaSource)

var errNoJSONObject = errors.New("no JSON object found in model response")

type modelVerdict struct {
	Score      float64  `json:"score"`
	Feedback   string   `json:"feedback"`
	Confidence *float64 `json:"confidence"`
}

// parseModelResponse extracts the first well-formed JSON object from content,
// tolerating surrounding prose or fenced code blocks, and checks its shape.
func parseModelResponse(content string) (modelVerdict, error) {
	raw, ok := firstJSONObject(content)
	if !ok {
		return modelVerdict{}, errNoJSONObject
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return modelVerdict{}, fmt.Errorf("decode model response: %w", err)
	}
	if err := verdictSchema.Validate(doc); err != nil {
		return modelVerdict{}, fmt.Errorf("model response does not match verdict schema: %w", err)
	}

	var verdict modelVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return modelVerdict{}, fmt.Errorf("decode model verdict: %w", err)
	}
	return verdict, nil
}

func firstJSONObject(content string) ([]byte, bool) {
	for start := strings.IndexByte(content, '{'); start >= 0; {
		if end, ok := matchingBrace(content, start); ok {
			candidate := []byte(content[start : end+1])
			if json.Valid(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(content[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchingBrace(content string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
