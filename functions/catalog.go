package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/go-funcworker/wire"
)

type (
	// Indexer discovers the functions of an app, for init-time indexing.
	Indexer interface {
		Index(ctx context.Context, directory string) ([]*Indexed, error)
	}

	// Loader resolves a single function the host asks the worker to load.
	Loader interface {
		Load(ctx context.Context, id string, md *wire.RpcFunctionMetadata) (*Info, error)
	}

	// Indexed pairs an indexed function with its metadata for the host.
	Indexed struct {
		Info     *Info
		Metadata *wire.RpcFunctionMetadata
	}

	// Definition declares a function programmatically.
	Definition struct {
		Callable   Callable
		Properties map[string]string
		Name       string
		// ID is derived from the app directory and name, if empty.
		ID         string
		Directory  string
		ScriptFile string
		EntryPoint string
		Bindings   []Binding
		// RequiresContext passes the trace and retry context to the call.
		RequiresContext bool
		// IsAsync functions run without taking a slot in the sync pool,
		// and should not block for long periods.
		IsAsync bool
	}

	// Binding declares one binding of a Definition.
	Binding struct {
		Name         string
		Type         string
		DeclaredType string
		DataType     wire.BindingDataType
		Direction    wire.BindingDirection
	}

	// Catalog is an Indexer and Loader over functions registered in code.
	Catalog struct {
		defs map[string]*Definition
		mu   sync.RWMutex
	}
)

var (
	_ Indexer = (*Catalog)(nil)
	_ Loader  = (*Catalog)(nil)
)

// Language is reported in function metadata.
const Language = `go`

func NewCatalog(defs ...*Definition) (*Catalog, error) {
	x := Catalog{defs: make(map[string]*Definition)}
	for _, def := range defs {
		if err := x.Add(def); err != nil {
			return nil, err
		}
	}
	return &x, nil
}

// Add validates and stores def, replacing any with the same name.
func (x *Catalog) Add(def *Definition) error {
	if _, err := NewInfo(``, def); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.defs[def.Name] = def
	return nil
}

// Names returns the sorted function names.
func (x *Catalog) Names() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Sorted(maps.Keys(x.defs))
}

// Index returns every function, ordered by name, with ids that are stable for
// a given directory.
func (x *Catalog) Index(ctx context.Context, directory string) ([]*Indexed, error) {
	var result []*Indexed
	for _, name := range x.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x.mu.RLock()
		def := x.defs[name]
		x.mu.RUnlock()
		if def == nil {
			continue
		}
		def = def.withDirectory(directory)
		id := def.ID
		if id == `` {
			id = FunctionID(directory, def.Name)
		}
		info, err := NewInfo(id, def)
		if err != nil {
			return nil, err
		}
		md, err := def.Metadata(id)
		if err != nil {
			return nil, err
		}
		result = append(result, &Indexed{Info: info, Metadata: md})
	}
	return result, nil
}

// Load resolves the function named by md, using the id assigned by the host.
func (x *Catalog) Load(_ context.Context, id string, md *wire.RpcFunctionMetadata) (*Info, error) {
	if md == nil {
		return nil, fmt.Errorf(`%w: %s: missing metadata`, ErrNotFound, id)
	}
	x.mu.RLock()
	def, ok := x.defs[md.Name]
	if !ok && md.EntryPoint != `` {
		def, ok = x.defs[md.EntryPoint]
	}
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf(`%w: %s (%s)`, ErrNotFound, md.Name, id)
	}
	return NewInfo(id, def.withDirectory(md.Directory))
}

// FunctionID derives a deterministic id for a function.
func FunctionID(directory, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.ToSlash(filepath.Join(directory, name)))).String()
}

// Metadata describes the function to the host.
func (x *Definition) Metadata(id string) (*wire.RpcFunctionMetadata, error) {
	md := wire.RpcFunctionMetadata{
		Name:       x.Name,
		FunctionID: id,
		Directory:  x.Directory,
		ScriptFile: x.ScriptFile,
		EntryPoint: x.EntryPoint,
		Bindings:   make(map[string]*wire.BindingInfo, len(x.Bindings)),
		Language:   Language,
		Properties: maps.Clone(x.Properties),
	}
	if md.EntryPoint == `` {
		md.EntryPoint = x.Name
	}
	for _, b := range x.Bindings {
		md.Bindings[b.Name] = &wire.BindingInfo{
			Type:      b.Type,
			Direction: b.Direction,
			DataType:  b.DataType,
		}
		raw, err := json.Marshal(rawBinding{
			Name:      b.Name,
			Type:      b.Type,
			Direction: directionName(b.Direction),
		})
		if err != nil {
			return nil, fmt.Errorf(`functions: %s: raw binding %q: %w`, x.Name, b.Name, err)
		}
		md.RawBindings = append(md.RawBindings, string(raw))
	}
	return &md, nil
}

func (x *Definition) withDirectory(directory string) *Definition {
	if x.Directory != `` || directory == `` {
		return x
	}
	c := *x
	c.Directory = directory
	return &c
}

type rawBinding struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

func directionName(d wire.BindingDirection) string {
	switch d {
	case wire.BindingDirectionOut:
		return `out`
	case wire.BindingDirectionInOut:
		return `inout`
	default:
		return `in`
	}
}
