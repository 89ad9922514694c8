// Package verifier runs post-execution checks on tool results. Verifiers
// are registered in the database and bound to tool names (or '*' for all
// tools). Three types exist: schema checks on the result body, regex
// pattern checks, and custom checks hosted in external plugin processes.
//
// For one tool call the runner merges the tool-specific and wildcard
// bindings, deduplicates by name (first seen wins), sorts by aciru_order,
// and executes in order. Outcome severity is pass < warn < block; a block
// stops the run immediately and names the verifier that triggered it.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Outcomes, ordered by severity.
const (
	OutcomePass  = "pass"
	OutcomeWarn  = "warn"
	OutcomeBlock = "block"
)

// Verifier types.
const (
	TypeSchema  = "schema"
	TypePattern = "pattern"
	TypeCustom  = "custom"
)

// Verifier is one registered check.
type Verifier struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Order   string          `json:"aciruOrder,omitempty"`
	Spec    json.RawMessage `json:"spec,omitempty"`
	Enabled bool            `json:"enabled"`
}

// Result is the aggregate outcome of a verification run. VerifierName is
// set when a single verifier determined the outcome (always for block).
type Result struct {
	Outcome      string `json:"outcome"`
	VerifierName string `json:"verifierName,omitempty"`
	Message      string `json:"message,omitempty"`
}

// schemaSpec is the spec shape for type "schema".
type schemaSpec struct {
	Required   []string                  `json:"required"`
	Properties map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type string `json:"type"`
}

// patternSpec is the spec shape for type "pattern".
type patternSpec struct {
	Match   string `json:"match"`
	Reject  string `json:"reject"`
	Outcome string `json:"outcome"`
}

// customSpec is the spec shape for type "custom".
type customSpec struct {
	FilePath   string `json:"filePath"`
	ExportName string `json:"exportName"`
}

// Runner composes and executes the verifiers bound to a tool.
type Runner struct {
	store *Store
	host  *PluginHost // nil disables custom verifiers
}

// NewRunner builds a runner over the given store. host may be nil, in which
// case custom verifiers degrade to warn stubs.
func NewRunner(store *Store, host *PluginHost) *Runner {
	return &Runner{store: store, host: host}
}

// Verify runs every verifier bound to toolName against the tool result.
// Each individual outcome is appended to verifier_results (failures to do
// so are logged and ignored). The returned result carries the worst outcome
// seen, short-circuiting on the first block.
func (r *Runner) Verify(ctx context.Context, sessionID, toolName string, args map[string]interface{}, result interface{}) Result {
	verifiers, err := r.store.ListForTool(ctx, toolName)
	if err != nil {
		// A broken verifier registry must not block tool execution.
		return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("verifier registry unavailable: %v", err)}
	}

	worst := Result{Outcome: OutcomePass}
	for _, v := range verifiers {
		res := r.runOne(ctx, v, toolName, args, result)
		r.store.LogResult(ctx, sessionID, toolName, v.Name, res.Outcome, res.Message)

		if res.Outcome == OutcomeBlock {
			return Result{Outcome: OutcomeBlock, VerifierName: v.Name, Message: res.Message}
		}
		if severity(res.Outcome) > severity(worst.Outcome) {
			worst = Result{Outcome: res.Outcome, VerifierName: v.Name, Message: res.Message}
		}
	}
	return worst
}

func (r *Runner) runOne(ctx context.Context, v Verifier, toolName string, args map[string]interface{}, result interface{}) Result {
	switch v.Type {
	case TypeSchema:
		return checkSchema(v.Spec, result)
	case TypePattern:
		return checkPattern(v.Spec, result)
	case TypeCustom:
		return r.checkCustom(ctx, v, toolName, args, result)
	default:
		return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("unknown verifier type %q", v.Type)}
	}
}

// checkSchema validates the result body against required fields and
// property types. Any violation blocks.
func checkSchema(rawSpec json.RawMessage, result interface{}) Result {
	var spec schemaSpec
	if len(rawSpec) > 0 {
		if err := json.Unmarshal(rawSpec, &spec); err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("malformed schema spec: %v", err)}
		}
	}

	body, ok := result.(map[string]interface{})
	if !ok {
		return Result{Outcome: OutcomeBlock, Message: "result body is not an object"}
	}

	for _, field := range spec.Required {
		if _, present := body[field]; !present {
			return Result{Outcome: OutcomeBlock, Message: fmt.Sprintf("missing required field %q", field)}
		}
	}

	// Deterministic order so the first reported mismatch is stable.
	keys := make([]string, 0, len(spec.Properties))
	for key := range spec.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, present := body[key]
		if !present {
			continue
		}
		want := spec.Properties[key].Type
		if got := jsonType(value); want != "" && got != want {
			return Result{Outcome: OutcomeBlock, Message: fmt.Sprintf("field %q has type %s, expected %s", key, got, want)}
		}
	}
	return Result{Outcome: OutcomePass}
}

// checkPattern applies reject/match regexes to the stringified result. The
// configured outcome (default warn) is used for violations; malformed
// regexes warn with the compile error.
func checkPattern(rawSpec json.RawMessage, result interface{}) Result {
	var spec patternSpec
	if len(rawSpec) > 0 {
		if err := json.Unmarshal(rawSpec, &spec); err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("malformed pattern spec: %v", err)}
		}
	}

	text, ok := result.(string)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("result not stringifiable: %v", err)}
		}
		text = string(data)
	}

	outcome := spec.Outcome
	if outcome != OutcomePass && outcome != OutcomeWarn && outcome != OutcomeBlock {
		outcome = OutcomeWarn
	}

	if spec.Reject != "" {
		re, err := regexp.Compile(spec.Reject)
		if err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("invalid reject pattern: %v", err)}
		}
		if re.MatchString(text) {
			return Result{Outcome: outcome, Message: fmt.Sprintf("result matched reject pattern %q", spec.Reject)}
		}
	}

	if spec.Match != "" {
		re, err := regexp.Compile(spec.Match)
		if err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("invalid match pattern: %v", err)}
		}
		if !re.MatchString(text) {
			return Result{Outcome: outcome, Message: fmt.Sprintf("result did not match required pattern %q", spec.Match)}
		}
	}

	return Result{Outcome: OutcomePass}
}

// checkCustom dispatches to the plugin host. Load failures of any kind have
// already been reduced to warn stubs by the host.
func (r *Runner) checkCustom(ctx context.Context, v Verifier, toolName string, args map[string]interface{}, result interface{}) Result {
	var spec customSpec
	if len(v.Spec) > 0 {
		if err := json.Unmarshal(v.Spec, &spec); err != nil {
			return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("malformed custom spec: %v", err)}
		}
	}
	if spec.FilePath == "" {
		return Result{Outcome: OutcomeWarn, Message: fmt.Sprintf("custom verifier %q has no filePath", v.Name)}
	}
	if r.host == nil {
		return Result{Outcome: OutcomeWarn, Message: "custom verifiers are not enabled"}
	}
	outcome, message := r.host.Check(ctx, spec.FilePath, spec.ExportName, toolName, args, result)
	return Result{Outcome: outcome, Message: message}
}

// mergeBindings deduplicates by name, tool-specific entries first, then
// stable-sorts by aciru_order with absent orders last.
func mergeBindings(specific, wildcard []Verifier) []Verifier {
	seen := make(map[string]bool, len(specific)+len(wildcard))
	merged := make([]Verifier, 0, len(specific)+len(wildcard))
	for _, v := range append(specific, wildcard...) {
		if seen[v.Name] {
			continue
		}
		seen[v.Name] = true
		merged = append(merged, v)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Order, merged[j].Order
		if (a == "") != (b == "") {
			return a != ""
		}
		return a < b
	})
	return merged
}

func severity(outcome string) int {
	switch outcome {
	case OutcomeBlock:
		return 2
	case OutcomeWarn:
		return 1
	default:
		return 0
	}
}

// jsonType names the JSON type of a decoded value, distinguishing array
// from object.
func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
