// Package catalog loads the table catalog: the cached tables with their
// TTL category and conflict policy.
//
// Catalogs are CUE documents checked against an embedded schema:
//
//	tables: {
//		trials: category: "long"
//		scores: {
//			category: "short"
//			policy:   "last-write-wins"
//		}
//	}
//
// Unset categories default to short and unset policies to last-write-wins.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/replica/internal/conflict"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/replica"
)

//go:embed schema.cue
var schemaSource string

//go:embed default.cue
var defaultSource string

// Catalog is the ordered list of cached tables.
type Catalog struct {
	Tables []replica.TableConfig
}

// Names returns the table names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (replica.TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return replica.TableConfig{}, false
}

// CompileError reports an invalid catalog entry with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Compile("default.cue", []byte(defaultSource))
}

// LoadFile reads and compiles the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Compile(path, data)
}

// Compile checks src against the schema and converts it. filename is used
// in error positions.
func Compile(filename string, src []byte) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	tablesVal := v.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, &CompileError{Field: "tables", Message: "tables is required", Pos: v.Pos()}
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	cat := &Catalog{}
	for iter.Next() {
		tc, err := compileTable(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.Tables = append(cat.Tables, tc)
	}
	if len(cat.Tables) == 0 {
		return nil, &CompileError{Field: "tables", Message: "at least one table is required", Pos: tablesVal.Pos()}
	}
	return cat, nil
}

// entry mirrors #Table.
type entry struct {
	Category string `json:"category"`
	Policy   string `json:"policy"`
	TTL      string `json:"ttl,omitempty"`
}

func compileTable(name string, v cue.Value) (replica.TableConfig, error) {
	field := "tables." + name
	if err := ir.ValidateTableName(name); err != nil {
		return replica.TableConfig{}, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}

	var e entry
	if err := v.Decode(&e); err != nil {
		return replica.TableConfig{}, formatCUEError(err)
	}

	category, err := replica.ParseCategory(e.Category)
	if err != nil {
		return replica.TableConfig{}, &CompileError{Field: field + ".category", Message: err.Error(), Pos: v.Pos()}
	}
	policy, err := conflict.ParsePolicy(e.Policy)
	if err != nil {
		return replica.TableConfig{}, &CompileError{Field: field + ".policy", Message: err.Error(), Pos: v.Pos()}
	}

	tc := replica.TableConfig{Name: name, Category: category, Policy: policy}
	if e.TTL != "" {
		ttl, err := time.ParseDuration(e.TTL)
		if err != nil || ttl <= 0 {
			return replica.TableConfig{}, &CompileError{
				Field:   field + ".ttl",
				Message: fmt.Sprintf("invalid duration %q", e.TTL),
				Pos:     v.LookupPath(cue.ParsePath("ttl")).Pos(),
			}
		}
		tc.TTL = ttl
	}
	return tc, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
