package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractResult parses a Result out of raw provider text. Providers are
// prompted to return a JSON object, but in practice emit it inside a fenced
// code block, as a bare JSON array of steps, or (rarely) as a bulleted plain
// text list; ExtractResult tries each in turn, the same layered-fallback
// approach the teacher runtime's planner uses when coercing model text into
// structured output.
func ExtractResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, errors.New("planner: empty response")
	}

	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if r, err := decodeResultJSON(m[1]); err == nil {
			return r, nil
		}
	}

	if r, err := decodeResultJSON(text); err == nil {
		return r, nil
	}

	if steps := extractBulletedSteps(text); len(steps) > 0 {
		return Result{Steps: steps}, nil
	}

	return Result{}, fmt.Errorf("planner: could not extract a plan from response")
}

// decodeResultJSON decodes either {"steps": [...], "notes": [...]} or a bare
// [...] array of step objects/strings.
func decodeResultJSON(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, errors.New("empty json")
	}

	switch raw[0] {
	case '{':
		var obj struct {
			Steps []json.RawMessage `json:"steps"`
			Notes []string          `json:"notes"`
			Skip  string            `json:"skip_reason"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return Result{}, err
		}
		if obj.Skip != "" {
			return Result{Rejected: &Rejection{Reason: obj.Skip}}, nil
		}
		steps, err := decodeSteps(obj.Steps)
		if err != nil {
			return Result{}, err
		}
		var notes []Annotation
		for _, n := range obj.Notes {
			notes = append(notes, Annotation{Text: n})
		}
		return Result{Steps: steps, Notes: notes}, nil
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &raws); err != nil {
			return Result{}, err
		}
		steps, err := decodeSteps(raws)
		if err != nil {
			return Result{}, err
		}
		return Result{Steps: steps}, nil
	default:
		return Result{}, errors.New("not a json object or array")
	}
}

func decodeSteps(raws []json.RawMessage) ([]Step, error) {
	steps := make([]Step, 0, len(raws))
	for i, raw := range raws {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		var step Step
		if trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			step.Instruction = s
		} else {
			var obj struct {
				Instruction string   `json:"instruction"`
				Paths       []string `json:"paths"`
				Rationale   string   `json:"rationale"`
			}
			if err := json.Unmarshal(trimmed, &obj); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			if obj.Instruction == "" {
				return nil, fmt.Errorf("step %d: missing instruction", i)
			}
			step.Instruction = obj.Instruction
			step.Paths = obj.Paths
			step.Rationale = obj.Rationale
		}
		step.Ordinal = len(steps) + 1
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, errors.New("no steps decoded")
	}
	return steps, nil
}

var bulletLine = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+(.*)$`)

// extractBulletedSteps is the last-resort fallback: a numbered or dashed
// plain-text list, one instruction per line.
func extractBulletedSteps(text string) []Step {
	matches := bulletLine.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	steps := make([]Step, 0, len(matches))
	for _, m := range matches {
		instr := strings.TrimSpace(m[1])
		if instr == "" {
			continue
		}
		steps = append(steps, Step{Ordinal: len(steps) + 1, Instruction: instr})
	}
	return steps
}
