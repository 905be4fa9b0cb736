package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/hasher"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/pathmatch"
	"github.com/propack/propack/libraries"
)

// RegoTransform evaluates a query with the JSON payload of an asset as
// input and replaces the payload with the result.
type RegoTransform struct {
	Query string

	// Files selects the logical paths the transform applies to; empty
	// selects every JSON asset of the chain.
	Files []string

	// Modules maps file names to Rego source. The helpers of
	// data.propack.lib are always loaded.
	Modules map[string]string
}

type regoTransform struct {
	query  string
	files  *pathmatch.Set
	pq     rego.PreparedEvalQuery
	params []string
	log    *logging.Logger
}

func newRego(ctx context.Context, rt RegoTransform, log *logging.Logger) (*regoTransform, error) {
	if rt.Query == "" {
		return nil, errors.New("missing query")
	}

	files, err := pathmatch.NewSet(rt.Files, nil)
	if err != nil {
		return nil, err
	}

	opts := []func(*rego.Rego){
		rego.Query(rt.Query),
		rego.Capabilities(offlineCaps),
		rego.EnablePrintStatements(true),
	}

	modules, err := libraries.Modules()
	if err != nil {
		return nil, err
	}
	maps.Copy(modules, rt.Modules)

	params := append([]string{rt.Query}, rt.Files...)
	for _, name := range slices.Sorted(maps.Keys(modules)) {
		src := modules[name]
		opts = append(opts, rego.Module(name, src))
		params = append(params, name, hasher.Sum([]byte(src)).String())
	}

	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &regoTransform{query: rt.Query, files: files, pq: pq, params: params, log: log}, nil
}

func (*regoTransform) Name() string { return "rego" }

func (t *regoTransform) Params() []string { return t.params }

func (t *regoTransform) Apply(ctx context.Context, a *asset.Asset, data []byte) ([]byte, error) {
	if !t.files.Admits(a.Path) {
		return data, nil
	}

	var input any
	if err := decodeJSON(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}

	var buf bytes.Buffer
	rs, err := t.pq.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(topdown.NewPrintHook(&buf)))
	if buf.Len() > 0 {
		t.log.Debugf("transform %s: %s", a.Path, buf.String())
	}
	if err != nil {
		return nil, err
	}

	value := make([]any, 0)
	for _, result := range rs {
		for _, expr := range result.Expressions {
			if expr.Text == t.query {
				value = append(value, expr.Value)
			}
		}
	}

	switch len(value) {
	case 0:
		return nil, fmt.Errorf("query %q is undefined", t.query)
	case 1:
		return json.Marshal(value[0])
	default:
		return json.Marshal(value)
	}
}

var offlineCaps = offlineCapabilities()

// offlineCapabilities drops network access and every nondeterministic
// builtin (time.now_ns, rand.intn, uuid.rfc4122, opa.runtime, http.send).
// Equal input and policies must give equal output.
func offlineCapabilities() *ast.Capabilities {
	caps := ast.CapabilitiesForThisVersion()
	caps.AllowNet = []string{} // allow _no_ network access
	caps.Builtins = slices.DeleteFunc(caps.Builtins, func(b *ast.Builtin) bool {
		return b.Nondeterministic
	})
	return caps
}
