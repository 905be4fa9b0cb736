package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/propack/propack/internal/asset"
)

// decodeJSON parses JSON that may carry comments and trailing commas, which
// the target runtime tolerates.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}

type jsonValidate struct {
	object bool
}

func (jsonValidate) Name() string { return "json-validate" }

func (v jsonValidate) Params() []string { return []string{fmt.Sprint(v.object)} }

func (v jsonValidate) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	if v.object {
		var obj map[string]json.RawMessage
		if err := decodeJSON(data, &obj); err != nil {
			return nil, fmt.Errorf("expected a JSON object: %w", err)
		}
		if obj == nil {
			return nil, errors.New("expected a JSON object, got null")
		}
		return data, nil
	}

	var x any
	if err := decodeJSON(data, &x); err != nil {
		return nil, err
	}
	return data, nil
}

// jsonMinify drops comments and insignificant whitespace.
type jsonMinify struct {
	exts []string // limit to these source extensions
}

func (jsonMinify) Name() string { return "json-minify" }

func (m jsonMinify) Params() []string { return m.exts }

func (m jsonMinify) Apply(_ context.Context, a *asset.Asset, data []byte) ([]byte, error) {
	if len(m.exts) > 0 && !slices.Contains(m.exts, a.Ext()) {
		return data, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, jsonc.ToJSON(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// modelDedupe removes repeated entries from the "elements" list of a model.
type modelDedupe struct{}

func (modelDedupe) Name() string { return "model-dedupe" }

func (modelDedupe) Params() []string { return nil }

func (modelDedupe) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	var model map[string]json.RawMessage
	if err := decodeJSON(data, &model); err != nil {
		return nil, err
	}
	raw, ok := model["elements"]
	if !ok {
		return data, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("elements: %w", err)
	}

	seen := make(map[string]struct{}, len(elements))
	kept := elements[:0]
	for _, e := range elements {
		var key bytes.Buffer
		if err := json.Compact(&key, e); err != nil {
			return nil, err
		}
		if _, dup := seen[key.String()]; dup {
			continue
		}
		seen[key.String()] = struct{}{}
		kept = append(kept, e)
	}
	if len(kept) == len(elements) {
		return data, nil
	}

	bs, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	model["elements"] = bs
	return json.Marshal(model)
}

// fontValidate accepts font definitions (JSON) and TrueType/OpenType files.
type fontValidate struct{}

func (fontValidate) Name() string { return "font-validate" }

func (fontValidate) Params() []string { return nil }

func (fontValidate) Apply(_ context.Context, a *asset.Asset, data []byte) ([]byte, error) {
	switch a.Ext() {
	case ".json":
		var def struct {
			Providers []json.RawMessage `json:"providers"`
		}
		if err := decodeJSON(data, &def); err != nil {
			return nil, err
		}
		if def.Providers == nil {
			return nil, errors.New(`font definition lacks "providers"`)
		}
	case ".ttf", ".otf":
		if len(data) < 12 {
			return nil, errors.New("truncated font file")
		}
		switch string(data[:4]) {
		case "\x00\x01\x00\x00", "OTTO", "true":
		default:
			return nil, fmt.Errorf("unknown font signature %q", data[:4])
		}
	default:
		return nil, fmt.Errorf("unsupported font file %q", a.Ext())
	}
	return data, nil
}

// langValidate checks localization files: a JSON object of strings, or
// key=value lines for the legacy format.
type langValidate struct {
	legacy bool
}

func (langValidate) Name() string { return "lang-validate" }

func (v langValidate) Params() []string { return []string{fmt.Sprint(v.legacy)} }

func (v langValidate) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	if v.legacy {
		s := bufio.NewScanner(bytes.NewReader(data))
		s.Buffer(nil, len(data)+1)
		for n := 1; s.Scan(); n++ {
			line := strings.TrimSpace(s.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !strings.Contains(line, "=") {
				return nil, fmt.Errorf("line %d: expected key=value", n)
			}
		}
		return data, s.Err()
	}

	var entries map[string]any
	if err := decodeJSON(data, &entries); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	for k, v := range entries {
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("key %q: expected a string, got %T", k, v)
		}
	}
	return data, nil
}

// langNamespace replaces the "<namespace>" placeholder in keys and values
// with the namespace of the file.
type langNamespace struct{}

const namespacePlaceholder = "<namespace>"

func (langNamespace) Name() string { return "lang-namespace" }

func (langNamespace) Params() []string { return []string{namespacePlaceholder} }

func (langNamespace) Apply(_ context.Context, a *asset.Asset, data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte(namespacePlaceholder)) {
		return data, nil
	}
	return bytes.ReplaceAll(data, []byte(namespacePlaceholder), []byte(a.Namespace())), nil
}
