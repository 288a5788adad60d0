// Package flowfile loads YAML flow files into validated graphs. Loading is
// strict twice over: unknown YAML fields are rejected at decode time and the
// document must pass the embedded JSON schema before a Graph is built.
package flowfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("flowfile.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("flowfile schema resource: %v", err))
	}
	s, err := c.Compile("flowfile.schema.json")
	if err != nil {
		panic(fmt.Sprintf("flowfile schema compile: %v", err))
	}
	return s
}

type document struct {
	ID       string                           `yaml:"id"`
	Version  string                           `yaml:"version"`
	Policy   flow.Policy                      `yaml:"policy"`
	Stations map[string]*flow.StationTemplate `yaml:"stations"`
	Nodes    []*flow.Node                     `yaml:"nodes"`
	Edges    []*flow.Edge                     `yaml:"edges"`
}

// Load reads and parses one flow file.
func Load(path string) (*flow.Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	g, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse builds a Graph from flow-file bytes. Schema violations carry the
// SchemaInvalid error kind; structural problems are left to validate.
func Parse(b []byte) (*flow.Graph, error) {
	if err := checkSchema(b); err != nil {
		return nil, fmt.Errorf("%s: %w", runtime.ErrKindSchemaInvalid, err)
	}

	var doc document
	if err := decodeYAMLStrict(b, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", runtime.ErrKindSchemaInvalid, err)
	}

	g := &flow.Graph{
		ID:       doc.ID,
		Version:  doc.Version,
		Nodes:    make(map[string]*flow.Node, len(doc.Nodes)),
		Edges:    doc.Edges,
		Policy:   doc.Policy,
		Stations: doc.Stations,
	}
	for _, n := range doc.Nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate node id %q", runtime.ErrKindGraphInvalid, n.ID)
		}
		g.Nodes[n.ID] = n
	}

	seen := map[string]struct{}{}
	for i, e := range g.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s#%d", e.From, e.To, i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate edge id %q", runtime.ErrKindGraphInvalid, e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Type == "" {
			e.Type = flow.EdgeSequence
		}
		e.Order = i
	}

	g.Policy.ApplyDefaults(len(g.Nodes))
	return g, nil
}

// checkSchema validates the raw document against the embedded schema. YAML is
// round-tripped through JSON so the validator sees canonical types.
func checkSchema(b []byte) error {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	jb, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(jb, &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}

func decodeYAMLStrict(b []byte, doc *document) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
