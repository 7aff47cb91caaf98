package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"toolguard/internal/logging"
)

//go:embed catalog.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// document is the on-disk YAML catalog.
type document struct {
	App     string     `yaml:"app"`
	Package string     `yaml:"package,omitempty"`
	API     string     `yaml:"api"`
	Sources []string   `yaml:"sources"`
	Tools   []ToolInfo `yaml:"tools,omitempty"`
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var obj any
		if err := json.Unmarshal(schemaJSON, &obj); err != nil {
			schemaErr = fmt.Errorf("schema unmarshal error: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", obj); err != nil {
			schemaErr = fmt.Errorf("schema compile error: %w", err)
			return
		}
		schema, schemaErr = c.Compile("catalog.schema.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks raw catalog YAML against the catalog schema.
func ValidateDocument(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-native values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("catalog schema validation failed: %w", err)
	}
	return nil
}

// Load reads a YAML catalog and its domain sources. Source paths are
// relative to the catalog file. When the catalog lists no tools, every
// exported method of the API interface becomes a tool; otherwise declared
// tools are checked against the interface and completed from it.
func Load(path string) (*Catalog, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "catalog.Load")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	base := filepath.Dir(path)
	sources := make(map[string]string, len(doc.Sources))
	files := make([]string, 0, len(doc.Sources))
	for _, rel := range doc.Sources {
		p := rel
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, rel)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read domain source: %w", err)
		}
		name := filepath.Base(p)
		if _, dup := sources[name]; dup {
			return nil, fmt.Errorf("domain source %s listed twice", name)
		}
		files = append(files, name)
		sources[name] = string(content)
	}

	pkg, extracted, err := ParseDomain(files, sources, doc.API)
	if err != nil {
		return nil, err
	}
	if doc.Package != "" && doc.Package != pkg {
		return nil, fmt.Errorf("catalog package %s does not match domain package %s", doc.Package, pkg)
	}

	tools := extracted
	if len(doc.Tools) > 0 {
		tools, err = reconcile(doc.Tools, extracted, doc.API)
		if err != nil {
			return nil, err
		}
	}

	logging.Catalog("loaded catalog %s: %d tools, %d domain files", doc.App, len(tools), len(files))
	return New(Domain{App: doc.App, Package: pkg, APIType: doc.API, Files: files, Sources: sources}, tools)
}

// reconcile completes declared tools from the interface declaration.
func reconcile(declared, extracted []ToolInfo, apiType string) ([]ToolInfo, error) {
	byMethod := make(map[string]ToolInfo, len(extracted))
	for _, t := range extracted {
		byMethod[t.Method] = t
	}
	out := make([]ToolInfo, 0, len(declared))
	for _, d := range declared {
		src, ok := byMethod[d.MethodName()]
		if !ok {
			return nil, fmt.Errorf("tool %s: method %s not found on %s", d.Name, d.MethodName(), apiType)
		}
		d.Method = src.Method
		if len(d.Params) == 0 {
			d.Params = src.Params
		} else if len(d.Params) != len(src.Params) {
			return nil, fmt.Errorf("tool %s: declares %d params but %s.%s takes %d", d.Name, len(d.Params), apiType, src.Method, len(src.Params))
		}
		if d.ReturnType == "" {
			d.ReturnType = src.ReturnType
		}
		if d.Doc == "" {
			d.Doc = src.Doc
		}
		d.Mutating = d.Mutating || src.Mutating
		out = append(out, d)
	}
	return out, nil
}

// Marshal renders a catalog as YAML with source paths relative to the
// catalog file location.
func Marshal(c *Catalog, sourcePaths []string) ([]byte, error) {
	doc := document{
		App:     c.Domain.App,
		Package: c.Domain.Package,
		API:     c.Domain.APIType,
		Sources: sourcePaths,
		Tools:   c.Tools,
	}
	return yaml.Marshal(doc)
}
