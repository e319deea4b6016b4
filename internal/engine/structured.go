package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema that a structured answer must satisfy.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
	retries  int
}

// CompileSchema compiles raw. retries is how many corrective re-asks
// CompleteStructured makes after an invalid answer.
func CompileSchema(raw json.RawMessage, retries int) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("answer.json", doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := c.Compile("answer.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled, retries: max(retries, 0)}, nil
}

// Check finds the first JSON object in text and validates it. Fenced blocks
// and short preambles around the object are tolerated.
func (s *Schema) Check(text string) (json.RawMessage, error) {
	obj := firstObject(text)
	if obj == nil {
		return nil, errors.New("no JSON object in answer")
	}
	// The validator wants json.Number, so decode with its own helper.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema mismatch: %w", err)
	}
	return obj, nil
}

func firstObject(text string) json.RawMessage {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err == nil {
			return raw
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil
}

// CompleteStructured asks eng for one JSON object matching schema and decodes
// it into T. No tools are offered. An invalid answer is re-asked with the
// problem quoted until the schema's retry budget is spent; the final error
// then wraps ErrMalformed. Engine errors are returned unchanged.
func CompleteStructured[T any](ctx context.Context, eng Engine, req Request, schema *Schema) (T, error) {
	var zero T
	req.Tools = nil
	req.Exchanges = nil
	req.Instructions = strings.TrimSpace(req.Instructions) +
		"\n\nAnswer with one JSON object and nothing else. It must match this JSON Schema:\n" +
		string(schema.raw)
	input := req.Input

	var problem error
	for attempt := 0; attempt <= schema.retries; attempt++ {
		if problem != nil {
			req.Input = fmt.Sprintf("%s\n\nYour previous answer was rejected (%v). Answer again with valid JSON only.", input, problem)
		}
		out, err := eng.Complete(ctx, req)
		if err != nil {
			return zero, err
		}
		if out == nil {
			problem = errors.New("empty answer")
			continue
		}
		obj, err := schema.Check(out.Text)
		if err != nil {
			problem = err
			continue
		}
		var v T
		if err := json.Unmarshal(obj, &v); err != nil {
			problem = err
			continue
		}
		return v, nil
	}
	return zero, fmt.Errorf("%w: %v", ErrMalformed, problem)
}
