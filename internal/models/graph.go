// -----------------------------------------------------------------------
// Graph entities - node and edge records written by pipeline steps
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeLabel enumerates the graph node kinds.
type NodeLabel string

const (
	LabelFile          NodeLabel = "File"
	LabelDirectory     NodeLabel = "Directory"
	LabelModule        NodeLabel = "Module"
	LabelClass         NodeLabel = "Class"
	LabelFunction      NodeLabel = "Function"
	LabelSummary       NodeLabel = "Summary"
	LabelDocumentation NodeLabel = "Documentation"
	LabelDocEntity     NodeLabel = "DocumentationEntity"
)

// EdgeType enumerates the graph edge kinds.
type EdgeType string

const (
	EdgeContains     EdgeType = "Contains"
	EdgeImports      EdgeType = "Imports"
	EdgeCalls        EdgeType = "Calls"
	EdgeInheritsFrom EdgeType = "InheritsFrom"
	EdgeDefines      EdgeType = "Defines"
	EdgeDocumentedBy EdgeType = "DocumentedBy"
	EdgeSummarizedBy EdgeType = "SummarizedBy"
	EdgeReferences   EdgeType = "References"
)

// IdentityKeys maps each label to the property tuple that uniquely
// identifies nodes of that label. Upserts merge on these keys.
var IdentityKeys = map[NodeLabel][]string{
	LabelFile:          {"path"},
	LabelDirectory:     {"path"},
	LabelModule:        {"name"},
	LabelClass:         {"name", "module"},
	LabelFunction:      {"name", "module"},
	LabelSummary:       {"entity_key"},
	LabelDocumentation: {"path"},
	LabelDocEntity:     {"name", "doc_path"},
}

// Node is a property-graph node. Key is derived from the label's identity
// properties and is stable across reruns.
type Node struct {
	Key        string                 `json:"key" badgerhold:"key"`
	Label      NodeLabel              `json:"label" badgerholdIndex:"Label"`
	Properties map[string]interface{} `json:"properties"`
	Embedding  []float32              `json:"embedding,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Edge is a property-graph edge between two node keys.
type Edge struct {
	Key        string                 `json:"key" badgerhold:"key"`
	Type       EdgeType               `json:"type" badgerholdIndex:"Type"`
	FromKey    string                 `json:"from_key" badgerholdIndex:"FromKey"`
	ToKey      string                 `json:"to_key" badgerholdIndex:"ToKey"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NodeKey derives the stable identity key for a label from its properties.
// Returns an error when an identity property is missing or empty.
func NodeKey(label NodeLabel, props map[string]interface{}) (string, error) {
	keys, ok := IdentityKeys[label]
	if !ok {
		return "", fmt.Errorf("unknown node label: %s", label)
	}
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(label))
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			return "", fmt.Errorf("missing identity property %q for label %s", k, label)
		}
		s := fmt.Sprintf("%v", v)
		if s == "" {
			return "", fmt.Errorf("empty identity property %q for label %s", k, label)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), nil
}

// PathKey derives the key for path-identified labels (File, Directory,
// Documentation) without the error path of NodeKey.
func PathKey(label NodeLabel, path string) string {
	return string(label) + "|" + path
}

// SymbolKey derives the key for name+module identified labels (Class,
// Function). Module nodes use ModuleKey.
func SymbolKey(label NodeLabel, name, module string) string {
	return string(label) + "|" + name + "|" + module
}

// ModuleKey derives the key for a Module node.
func ModuleKey(name string) string {
	return string(LabelModule) + "|" + name
}

// SummaryKey derives the key for the Summary attached to an entity.
func SummaryKey(entityKey string) string {
	return string(LabelSummary) + "|" + entityKey
}

// DocEntityKey derives the key for an unresolved documentation mention.
func DocEntityKey(name, docPath string) string {
	return string(LabelDocEntity) + "|" + name + "|" + docPath
}

// EdgeKey derives the identity key for an edge.
func EdgeKey(edgeType EdgeType, fromKey, toKey string) string {
	return string(edgeType) + "|" + fromKey + "|" + toKey
}

// SortedPropertyNames returns property names in deterministic order, used
// when hashing node content for idempotence checks.
func SortedPropertyNames(props map[string]interface{}) []string {
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
