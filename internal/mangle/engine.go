// Package mangle wraps the Google Mangle Datalog engine for rule-based
// checks over extracted facts. Schemas (Decl + rules) are loaded as text,
// facts are pushed as Go values, and derived facts are read back.
package mangle

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Config holds Mangle engine configuration.
type Config struct {
	FactLimit int  // 0 means unlimited
	AutoEval  bool // evaluate rules after every AddFacts
}

// DefaultConfig returns defaults sized for per-file analysis.
func DefaultConfig() Config {
	return Config{
		FactLimit: 50000,
		AutoEval:  true,
	}
}

// Engine is a single-program Mangle instance.
type Engine struct {
	config Config

	mu             sync.RWMutex
	store          factstore.ConcurrentFactStore
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
	fragments      []parse.SourceUnit
	factCount      int
}

// Fact is a predicate with Go-typed arguments.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// String returns the Datalog representation of the fact.
func (f Fact) String() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				args[i] = v
			} else {
				args[i] = fmt.Sprintf("%q", v)
			}
		default:
			args[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		config:         cfg,
		store:          factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore()),
		predicateIndex: make(map[string]ast.PredicateSym),
	}
}

// LoadSchemaString parses and analyzes a schema fragment. Fragments
// accumulate; the whole program is re-analyzed each time.
func (e *Engine) LoadSchemaString(schema string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fragments = append(e.fragments, unit)
	if err := e.rebuildProgramLocked(); err != nil {
		e.fragments = e.fragments[:len(e.fragments)-1]
		return fmt.Errorf("failed to analyze schema: %w", err)
	}
	return nil
}

func (e *Engine) rebuildProgramLocked() error {
	var unit parse.SourceUnit
	for _, f := range e.fragments {
		unit.Clauses = append(unit.Clauses, f.Clauses...)
		unit.Decls = append(unit.Decls, f.Decls...)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return err
	}

	predicateIndex := make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		predicateIndex[sym.Symbol] = sym
	}

	e.programInfo = programInfo
	e.predicateIndex = predicateIndex
	return nil
}

// AddFact inserts a single fact.
func (e *Engine) AddFact(predicate string, args ...interface{}) error {
	return e.AddFacts([]Fact{{Predicate: predicate, Args: args}})
}

// AddFacts inserts facts as one batch and, with AutoEval, evaluates rules once.
func (e *Engine) AddFacts(facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no schemas loaded; call LoadSchemaString first")
	}
	for _, fact := range facts {
		if err := e.insertFactLocked(fact); err != nil {
			return err
		}
	}
	if e.config.AutoEval {
		return e.evalLocked()
	}
	return nil
}

// Evaluate runs all rules to fixpoint.
func (e *Engine) Evaluate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.programInfo == nil {
		return fmt.Errorf("no schemas loaded; call LoadSchemaString first")
	}
	return e.evalLocked()
}

func (e *Engine) evalLocked() error {
	if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
		return fmt.Errorf("rule evaluation failed: %w", err)
	}
	return nil
}

func (e *Engine) insertFactLocked(fact Fact) error {
	if e.config.FactLimit > 0 && e.factCount >= e.config.FactLimit {
		return fmt.Errorf("fact limit exceeded: %d", e.config.FactLimit)
	}
	atom, err := e.factToAtomLocked(fact)
	if err != nil {
		return err
	}
	if e.store.Add(atom) {
		e.factCount++
	}
	return nil
}

func (e *Engine) factToAtomLocked(fact Fact) (ast.Atom, error) {
	sym, ok := e.predicateIndex[fact.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared in schemas", fact.Predicate)
	}
	if len(fact.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", fact.Predicate, sym.Arity, len(fact.Args))
	}

	// Declared bounds decide how strings are encoded.
	var bounds []ast.BaseTerm
	if decl := e.programInfo.Decls[sym]; decl != nil && len(decl.Bounds) > 0 {
		bounds = decl.Bounds[0].Bounds
	}

	args := make([]ast.BaseTerm, len(fact.Args))
	for i, raw := range fact.Args {
		var expected ast.ConstantType = -1
		if i < len(bounds) {
			if c, ok := bounds[i].(ast.Constant); ok {
				switch c.Symbol {
				case "/name":
					expected = ast.NameType
				case "/string":
					expected = ast.StringType
				case "/number":
					expected = ast.NumberType
				}
			}
		}
		term, err := toBaseTerm(raw, expected)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", fact.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

// toBaseTerm converts a Go value to a Mangle term. Strings become names
// only when declared /name or written with a leading slash.
func toBaseTerm(value interface{}, expected ast.ConstantType) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if expected == ast.NameType && !strings.HasPrefix(v, "/") {
			return ast.Name("/" + v)
		}
		if expected != ast.StringType && strings.HasPrefix(v, "/") {
			return ast.Name(v)
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int32:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", v)
	}
}

// GetFacts retrieves all stored or derived facts for a predicate, sorted
// by their Datalog rendering so results are deterministic.
func (e *Engine) GetFacts(predicate string) ([]Fact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.predicateIndex[predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var results []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = fromBaseTerm(arg)
		}
		results = append(results, Fact{Predicate: predicate, Args: args})
		return nil
	})
	sort.Slice(results, func(i, j int) bool { return results[i].String() < results[j].String() })
	return results, err
}

// FactCount returns the number of inserted (not derived) facts.
func (e *Engine) FactCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factCount
}

func fromBaseTerm(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	default:
		return c.String()
	}
}
