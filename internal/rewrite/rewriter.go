// Package rewrite turns a validated class into its sandboxed form: names
// are moved into the sandbox namespace, definitions are adjusted,
// instrumentation is emitted and stack frames are recomputed.
package rewrite

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/jkaninda/detsandbox/internal/ir"
)

// ByteCode is the encoded result of a rewrite.
type ByteCode struct {
	Bytes      []byte
	IsModified bool
	Digest     [32]byte
}

// DigestHex returns the blake3 digest as hex.
func (b ByteCode) DigestHex() string { return hex.EncodeToString(b.Digest[:]) }

// NewByteCode encodes c and computes its digest.
func NewByteCode(c *ir.Class, modified bool) (ByteCode, error) {
	data, err := ir.Encode(c)
	if err != nil {
		return ByteCode{}, err
	}
	return ByteCode{Bytes: data, IsModified: modified, Digest: blake3.Sum256(data)}, nil
}

// Rewriter applies remapping, definition providers, emitters and frame
// computation to classes of one session.
type Rewriter struct {
	resolver  *Resolver
	providers []DefinitionProvider
	emitters  []Emitter
	supers    *CommonSuperResolver
	logger    *slog.Logger
}

// New returns a rewriter. The hierarchy is consulted for frame merges.
func New(resolver *Resolver, providers []DefinitionProvider, emitters []Emitter, hierarchy Hierarchy, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		resolver:  resolver,
		providers: providers,
		emitters:  emitters,
		supers:    NewCommonSuperResolver(hierarchy),
		logger:    logger,
	}
}

// Resolver returns the namespace resolver used by the rewriter.
func (r *Rewriter) Resolver() *Resolver { return r.resolver }

// Rewrite returns the sandboxed form of c. The input is not modified.
func (r *Rewriter) Rewrite(c *ir.Class) (*ir.Class, ByteCode, error) {
	out := r.resolver.RemapClass(c)
	// Renaming into the sandbox namespace alone does not count as a modification.
	modified := applyProviders(out, r.providers)
	for _, m := range out.Methods {
		if emitMethod(out, m, r.resolver, r.emitters) {
			modified = true
		}
	}
	for _, m := range out.Methods {
		if err := ComputeFrames(out, m, r.supers); err != nil {
			return nil, ByteCode{}, fmt.Errorf("rewriting %s: %w", c.Name, err)
		}
	}

	data, err := ir.Encode(out)
	if err != nil {
		return nil, ByteCode{}, err
	}
	bc := ByteCode{Bytes: data, IsModified: modified, Digest: blake3.Sum256(data)}
	r.logger.Debug("class rewritten",
		slog.String("class", c.Name),
		slog.String("sandbox_name", out.Name),
		slog.Bool("modified", bc.IsModified),
		slog.String("digest", bc.DigestHex()),
	)
	return out, bc, nil
}
