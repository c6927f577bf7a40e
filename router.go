package subrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ProcedureKind discriminates the three invocation styles.
type ProcedureKind string

const (
	KindQuery        ProcedureKind = "query"
	KindMutation     ProcedureKind = "mutation"
	KindSubscription ProcedureKind = "subscription"
)

// HandlerFunc runs one procedure invocation. Input arrives as the raw
// serialized form from the wire; subscription handlers must return an
// *Observable, other kinds must not.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Node is a namespace tree entry: either a *Procedure leaf or a nested
// Tree.
type Node interface {
	routerNode()
}

// Procedure is a single invocable unit of remote logic. Immutable once the
// router is built.
type Procedure struct {
	Kind    ProcedureKind
	Handler HandlerFunc

	path string
}

func (*Procedure) routerNode() {}

// Path returns the full dot-delimited path assigned at build time.
func (p *Procedure) Path() string { return p.path }

// Tree is a nested procedure namespace. Keys may themselves contain dots,
// so two differently nested definitions can flatten to the same path;
// BuildRouter rejects that.
type Tree map[string]Node

func (Tree) routerNode() {}

// Query declares a query procedure leaf.
func Query(h HandlerFunc) *Procedure {
	return &Procedure{Kind: KindQuery, Handler: h}
}

// Mutation declares a mutation procedure leaf.
func Mutation(h HandlerFunc) *Procedure {
	return &Procedure{Kind: KindMutation, Handler: h}
}

// SubscriptionProc declares a subscription procedure leaf.
func SubscriptionProc(h HandlerFunc) *Procedure {
	return &Procedure{Kind: KindSubscription, Handler: h}
}

// path segments claimed by the original call-site sugar; rejected in
// procedure paths to keep generated accessors unambiguous.
var reservedSegments = map[string]bool{
	"then":  true,
	"call":  true,
	"apply": true,
}

// Router is the flattened set of all procedures reachable from a namespace
// tree, plus the shared per-router configuration.
type Router struct {
	procs          map[string]*Procedure
	middleware     []Middleware
	transformers   TransformerPair
	errorFormatter ErrorFormatter
}

// RouterOption configures a router at build time.
type RouterOption func(*Router)

// WithMiddleware appends middleware, run in registration order on every
// call.
func WithMiddleware(mw ...Middleware) RouterOption {
	return func(r *Router) { r.middleware = append(r.middleware, mw...) }
}

// WithTransformers replaces the input/output transformer pair.
func WithTransformers(tp TransformerPair) RouterOption {
	return func(r *Router) { r.transformers = tp }
}

// WithErrorFormatter installs the error formatter hook.
func WithErrorFormatter(f ErrorFormatter) RouterOption {
	return func(r *Router) { r.errorFormatter = f }
}

// BuildRouter flattens a definition tree into one path→procedure map,
// failing fast if two definitions resolve to the same path or a path uses
// a reserved segment.
func BuildRouter(tree Tree, opts ...RouterOption) (*Router, error) {
	r := &Router{
		procs:        make(map[string]*Procedure),
		transformers: defaultTransformers(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := flattenTree("", tree, r.procs); err != nil {
		return nil, err
	}
	return r, nil
}

func flattenTree(prefix string, tree Tree, out map[string]*Procedure) error {
	for key, node := range tree {
		if key == "" {
			return fmt.Errorf("empty procedure name under %q", prefix)
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		for _, seg := range strings.Split(path, ".") {
			if reservedSegments[seg] {
				return fmt.Errorf("reserved path segment %q in %q", seg, path)
			}
		}
		switch n := node.(type) {
		case *Procedure:
			if n.Handler == nil {
				return fmt.Errorf("procedure %q has no handler", path)
			}
			if _, ok := out[path]; ok {
				return fmt.Errorf("duplicate procedure path %q", path)
			}
			// leaves are copied so one definition can appear in several trees
			proc := *n
			proc.path = path
			out[path] = &proc
		case Tree:
			if err := flattenTree(path, n, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported node type %T at %q", node, path)
		}
	}
	return nil
}

// MergeTrees combines namespace trees into one, failing on key collisions
// at the top level.
func MergeTrees(trees ...Tree) (Tree, error) {
	merged := make(Tree)
	for _, tree := range trees {
		for key, node := range tree {
			if _, ok := merged[key]; ok {
				return nil, fmt.Errorf("duplicate namespace %q while merging", key)
			}
			merged[key] = node
		}
	}
	return merged, nil
}

// Procedure resolves a flattened path.
func (r *Router) Procedure(path string) (*Procedure, bool) {
	p, ok := r.procs[path]
	return p, ok
}

// Paths returns all registered paths, sorted.
func (r *Router) Paths() []string {
	paths := make([]string, 0, len(r.procs))
	for p := range r.procs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
