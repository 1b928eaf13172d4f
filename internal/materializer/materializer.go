// Package materializer turns JSON documents into idempotent property-graph upserts.
//
// A Materializer walks one document at a time and produces a Plan: the node
// upserts followed by the relationship upserts needed to represent the
// document. Node identities are derived from a label and a key so that
// ingesting the same document again converges on the same graph.
package materializer

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/Benny93/graphmat/internal/graph"
	"github.com/Benny93/graphmat/internal/logging"
)

// Plan is the ordered set of upserts representing one document.
type Plan struct {
	DocumentID    string
	Nodes         []*graph.GraphNode
	Relationships []*graph.GraphRelationship
}

// Empty reports whether the plan has nothing to write.
func (p *Plan) Empty() bool {
	return len(p.Nodes) == 0 && len(p.Relationships) == 0
}

// Materializer maps JSON documents onto the graph according to a Policy.
// It holds no per-document state and is safe for concurrent use.
type Materializer struct {
	policy Policy
	logger *log.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger used for debug output.
func WithLogger(logger *log.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Materializer. Unset policy options take their defaults.
func New(policy Policy, opts ...Option) (*Materializer, error) {
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	m := &Materializer{
		policy: policy,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the effective mapping policy.
func (m *Materializer) Policy() Policy {
	return m.policy
}

// MaterializeJSON decodes raw JSON and plans its upserts.
func (m *Materializer) MaterializeJSON(docID string, data []byte) (*Plan, error) {
	doc, err := decodeJSON(data)
	if err != nil {
		return nil, malformed(docID, "$", "decoding JSON: %w", err)
	}
	return m.plan(docID, doc)
}

// Materialize plans the upserts for an already decoded document.
// doc may be any JSON-compatible Go value.
func (m *Materializer) Materialize(docID string, doc any) (*Plan, error) {
	normalized, err := normalize(docID, "$", doc)
	if err != nil {
		return nil, err
	}
	return m.plan(docID, normalized)
}

func (m *Materializer) plan(docID string, doc any) (*Plan, error) {
	b := &builder{
		m:       m,
		docID:   docID,
		visited: make(map[string]*graph.GraphNode),
		edges:   make(map[string]bool),
		plan:    &Plan{DocumentID: docID},
	}

	switch root := doc.(type) {
	case nil:
		// a null document has nothing to write

	case map[string]any:
		if _, err := b.object(root, "$", ""); err != nil {
			return nil, err
		}

	case []any:
		elements := flatten(root, "$")
		for _, el := range elements {
			if obj, ok := el.value.(map[string]any); ok {
				if _, err := b.object(obj, el.path, ""); err != nil {
					return nil, err
				}
			}
		}
		if props := b.arrayValue(elements); len(props) > 0 {
			if err := b.value(props, "$"); err != nil {
				return nil, err
			}
		}

	default:
		if err := b.value(map[string]any{valueProperty: propertyValue(root)}, "$"); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("planned document",
		"document", docID,
		"nodes", len(b.plan.Nodes),
		"relationships", len(b.plan.Relationships))

	return b.plan, nil
}

// builder holds the bookkeeping for a single document.
type builder struct {
	m     *Materializer
	docID string

	// visited maps node identity to the node already emitted for it.
	visited map[string]*graph.GraphNode
	edges   map[string]bool

	plan *Plan
}

type child struct {
	field string
	index int
	path  string
	obj   map[string]any
}

// object emits the node for obj and everything below it, returning its identity.
func (b *builder) object(obj map[string]any, path, field string) (string, error) {
	policy := b.m.policy

	label, labelConsumed := b.label(obj, field)

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := make(map[string]any)
	var children []child

	for _, k := range keys {
		if labelConsumed && k == policy.LabelField {
			continue
		}
		fieldPath := path + "." + k

		switch v := obj[k].(type) {
		case nil:
			// absent and null are the same to the graph

		case map[string]any:
			children = append(children, child{field: k, index: -1, path: fieldPath, obj: v})

		case []any:
			var scalars []any
			for i, el := range flatten(v, fieldPath) {
				switch ev := el.value.(type) {
				case nil:
				case map[string]any:
					children = append(children, child{field: k, index: i, path: el.path, obj: ev})
				default:
					if policy.ArrayStrategy == IndexAsProperty {
						props[k+"."+strconv.Itoa(i)] = propertyValue(ev)
						continue
					}
					scalars = append(scalars, ev)
				}
			}
			if len(scalars) > 0 {
				props[k] = scalarList(scalars)
			}

		default:
			props[k] = propertyValue(v)
		}
	}

	key, err := b.m.identityKey(b.docID, path, obj, props)
	if err != nil {
		return "", err
	}
	id := graph.GenerateID(label, key)

	if node, ok := b.visited[id]; ok {
		node.Properties = graph.MergeProperties(node.Properties, props)
	} else {
		node := &graph.GraphNode{ID: id, Label: label, Key: key, Properties: props}
		b.visited[id] = node
		b.plan.Nodes = append(b.plan.Nodes, node)
	}

	for _, c := range children {
		childID, err := b.object(c.obj, c.path, c.field)
		if err != nil {
			return "", err
		}
		b.relate(id, graph.RelType(c.field), childID, c.index)
	}

	return id, nil
}

// valueProperty holds the scalars of a document that is not an object.
const valueProperty = "value"

// value emits a root node for scalar content found at the top level.
func (b *builder) value(props map[string]any, path string) error {
	key, err := b.m.identityKey(b.docID, path, nil, props)
	if err != nil {
		return err
	}
	label := graph.NodeLabel(b.m.policy.RootLabel)
	id := graph.GenerateID(label, key)

	if node, ok := b.visited[id]; ok {
		node.Properties = graph.MergeProperties(node.Properties, props)
		return nil
	}
	node := &graph.GraphNode{ID: id, Label: label, Key: key, Properties: props}
	b.visited[id] = node
	b.plan.Nodes = append(b.plan.Nodes, node)
	return nil
}

// arrayValue lays out the scalar elements of a top-level array per the array
// strategy. Objects and nulls are skipped.
func (b *builder) arrayValue(elements []element) map[string]any {
	props := make(map[string]any)
	var scalars []any
	for i, el := range elements {
		if !isScalar(el.value) {
			continue
		}
		if b.m.policy.ArrayStrategy == IndexAsProperty {
			props[valueProperty+"."+strconv.Itoa(i)] = propertyValue(el.value)
			continue
		}
		scalars = append(scalars, el.value)
	}
	if len(scalars) > 0 {
		props[valueProperty] = scalarList(scalars)
	}
	return props
}

// label resolves the node label and reports whether the label field supplied it.
func (b *builder) label(obj map[string]any, field string) (graph.NodeLabel, bool) {
	policy := b.m.policy
	if policy.LabelField != "" {
		if s, ok := obj[policy.LabelField].(string); ok && s != "" {
			return graph.NodeLabel(s), true
		}
	}
	if field == "" {
		return graph.NodeLabel(policy.RootLabel), false
	}
	return graph.LabelFromField(field), false
}

func (b *builder) relate(source string, relType graph.RelType, target string, index int) {
	relID := graph.RelationshipID(source, relType, target)
	if b.edges[relID] {
		return
	}
	b.edges[relID] = true

	var props map[string]any
	if index >= 0 && b.m.policy.ArrayStrategy == IndexAsProperty {
		props = map[string]any{"index": int64(index)}
	}
	b.plan.Relationships = append(b.plan.Relationships, graph.NewRelationship(source, relType, target, props))
}

type element struct {
	path  string
	value any
}

// flatten expands nested arrays into a single list of elements.
func flatten(values []any, path string) []element {
	out := make([]element, 0, len(values))
	for i, v := range values {
		elPath := fmt.Sprintf("%s[%d]", path, i)
		if nested, ok := v.([]any); ok {
			out = append(out, flatten(nested, elPath)...)
			continue
		}
		out = append(out, element{path: elPath, value: v})
	}
	return out
}
