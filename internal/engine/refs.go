package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rahul/agentichq/internal/tools"
)

// refSuffix marks an argument whose value is the 0-based index of an earlier
// step: "contentRef": 0 becomes "content": <output of step 0>.
const refSuffix = "Ref"

// Results is the arena of one run: the output of each completed step,
// indexed by step number.
type Results struct {
	mu      sync.RWMutex
	outputs []tools.Output
	done    []bool
}

func newResults(n int) *Results {
	return &Results{
		outputs: make([]tools.Output, n),
		done:    make([]bool, n),
	}
}

func (r *Results) set(i int, out tools.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[i] = out
	r.done[i] = true
}

// Get returns the output of step i if it completed.
func (r *Results) Get(i int) (tools.Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.outputs) || !r.done[i] {
		return tools.Output{}, false
	}
	return r.outputs[i], true
}

// Completed returns the outputs of the completed prefix of the plan.
func (r *Results) Completed() []tools.Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tools.Output
	for i, ok := range r.done {
		if !ok {
			break
		}
		out = append(out, r.outputs[i])
	}
	return out
}

func isRefKey(key string) bool {
	return len(key) > len(refSuffix) && strings.HasSuffix(key, refSuffix)
}

// ResolveArgs returns a copy of args with every reference replaced by the
// extracted value of the referenced step. Only steps below current that
// completed can be referenced. The input map is not modified.
func ResolveArgs(args map[string]any, current int, results *Results) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	var refKeys []string
	for k, v := range args {
		if isRefKey(k) {
			refKeys = append(refKeys, k)
			continue
		}
		resolved[k] = v
	}
	sort.Strings(refKeys)

	for _, k := range refKeys {
		idx, err := refIndex(args[k])
		if err != nil {
			return nil, fmt.Errorf("invalid reference %s: %v", k, args[k])
		}
		if idx >= current {
			return nil, fmt.Errorf("unresolved reference: step %d", idx)
		}
		out, ok := results.Get(idx)
		if !ok {
			return nil, fmt.Errorf("unresolved reference: step %d", idx)
		}
		resolved[strings.TrimSuffix(k, refSuffix)] = Extract(out)
	}
	return resolved, nil
}

func refIndex(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// textFields are consulted in order when a tool sets no Content.
var textFields = []string{"content", "text", "body"}

// Extract picks the value a reference resolves to: Content, then the first
// non-empty string among content, text and body in Fields, then the JSON of
// Fields, then "".
func Extract(out tools.Output) string {
	if out.Content != "" {
		return out.Content
	}
	for _, key := range textFields {
		if s, ok := out.Fields[key].(string); ok && s != "" {
			return s
		}
	}
	if len(out.Fields) > 0 {
		data, err := json.Marshal(out.Fields)
		if err == nil {
			return string(data)
		}
	}
	return ""
}
