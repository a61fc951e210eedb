// Package params implements spec.md §4.5's parameter index: named
// byte-range parameters backing a Program's Modules, loaded statically from
// files and exposed to the VM as a vm.ParameterProvider. Grounded on the
// teacher's internal/backend/firecracker/constants.go RootfsPath-style
// static-asset resolution, generalized from "pick a rootfs image path" to
// "resolve named parameter blobs from an archive".
package params

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/system"
	"github.com/nod-ai/sharktank/internal/vm"
)

// Format identifies the on-disk parameter archive layout.
type Format int

const (
	FormatUnknown Format = iota
	FormatIRPA
	FormatGGUF
	FormatSafetensors
)

func (f Format) String() string {
	switch f {
	case FormatIRPA:
		return "irpa"
	case FormatGGUF:
		return "gguf"
	case FormatSafetensors:
		return "safetensors"
	default:
		return "unknown"
	}
}

// InferFormat guesses a Format from path's extension. Unrecognized
// extensions report FormatUnknown; callers should treat that as an
// InvalidArgument unless Format was set explicitly in LoadOptions.
func InferFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".irpa":
		return FormatIRPA
	case ".gguf":
		return FormatGGUF
	case ".safetensors":
		return FormatSafetensors
	default:
		return FormatUnknown
	}
}

// LoadOptions configures how Load resolves a parameter archive.
type LoadOptions struct {
	// Format forces the archive layout; if zero, InferFormat(path) is used.
	Format Format
	// Readable must be true for the VM to read parameter data; Load
	// rejects neither-readable-nor-writable requests as InvalidArgument.
	Readable bool
	// Writable allows the VM to write back into parameter storage
	// in-place (e.g. optimizer state updated across invocations).
	Writable bool
	// Mmap requests the backing file be memory-mapped rather than read
	// fully into the process. This implementation always materializes
	// the full archive in memory; Mmap is
	// accepted and recorded for forward compatibility with a real
	// memory-mapped backend but otherwise has no effect.
	Mmap bool
}

// StaticProgramParameters owns one opaque parameter index bound to a named
// scope (spec.md §4.5). Repeated Load calls accumulate files into that same
// shared index rather than each allocating an independent one: loading the
// same path twice under one scope is a no-op w.r.t. visibility, and two
// scopes (two StaticProgramParameters instances) never share entries.
// maxConcurrentOperations bounds how many Load calls may read and parse a
// file concurrently against this scope.
type StaticProgramParameters struct {
	sys       *system.System
	scopeName string
	sem       chan struct{}

	mu       sync.RWMutex
	entries  map[string]vm.Parameter
	loaded   map[string]bool
	format   Format
	writable bool
}

// New creates an empty parameter index bound to scopeName. maxConcurrentOperations
// is clamped to at least 1.
func New(sys *system.System, scopeName string, maxConcurrentOperations int) (*StaticProgramParameters, error) {
	if scopeName == "" {
		return nil, rterr.InvalidArg("params.New", "scopeName must not be empty")
	}
	if maxConcurrentOperations < 1 {
		maxConcurrentOperations = 1
	}
	return &StaticProgramParameters{
		sys:       sys,
		scopeName: scopeName,
		sem:       make(chan struct{}, maxConcurrentOperations),
		entries:   map[string]vm.Parameter{},
		loaded:    map[string]bool{},
	}, nil
}

// ScopeName reports the named scope this index is bound to.
func (p *StaticProgramParameters) ScopeName() string { return p.scopeName }

// Load reads path per opts and adds its named entries into this scope's
// shared index. Loading the same path again under this scope is a no-op:
// the file is not re-read and the index's visible entries are unchanged.
func (p *StaticProgramParameters) Load(path string, opts LoadOptions) error {
	if !opts.Readable && !opts.Writable {
		return rterr.InvalidArg("StaticProgramParameters.Load", "at least one of Readable/Writable must be set")
	}
	format := opts.Format
	if format == FormatUnknown {
		format = InferFormat(path)
	}
	if format == FormatUnknown {
		return rterr.InvalidArg("StaticProgramParameters.Load", fmt.Sprintf("cannot infer parameter format from %q", path))
	}

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.mu.RLock()
	alreadyLoaded := p.loaded[path]
	p.mu.RUnlock()
	if alreadyLoaded {
		p.logf("Load: %q already loaded into scope %q, skipping", path, p.scopeName)
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return rterr.Wrap(rterr.NotFound, "StaticProgramParameters.Load", path, err)
	}
	entries, err := parseEntries(raw)
	if err != nil {
		return rterr.Wrap(rterr.InvalidArgument, "StaticProgramParameters.Load", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded[path] {
		// Lost the race with a concurrent Load of the same path: the
		// winner's entries are already visible, so this is still a no-op.
		return nil
	}
	for name, param := range entries {
		p.entries[name] = param
	}
	p.loaded[path] = true
	p.format = format
	if opts.Writable {
		p.writable = true
	}
	p.logf("Load: added %d entries from %q to scope %q", len(entries), path, p.scopeName)
	return nil
}

func (p *StaticProgramParameters) logf(format string, args ...any) {
	if p.sys == nil || p.sys.Logger() == nil {
		return
	}
	p.sys.Logger().Info(fmt.Sprintf(format, args...))
}

// Lookup implements vm.ParameterProvider.
func (p *StaticProgramParameters) Lookup(name string) (vm.Parameter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	param, ok := p.entries[name]
	return param, ok
}

// Format reports the archive layout of the most recently loaded file.
func (p *StaticProgramParameters) Format() Format {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.format
}

// Writable reports whether any file loaded into this scope requested write
// permission.
func (p *StaticProgramParameters) Writable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writable
}

// Names returns all parameter names currently visible in this scope.
func (p *StaticProgramParameters) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	return names
}

// entryHeaderLen is the size of the fixed-size part of each entry's
// header: the uint32 name length. An entry is laid out as that uint32 name
// length, the name bytes, then a uint64 payload length, then the payload
// itself.
const entryHeaderLen = 4

func parseEntries(raw []byte) (map[string]vm.Parameter, error) {
	entries := make(map[string]vm.Parameter)
	off := 0
	for off < len(raw) {
		if off+entryHeaderLen > len(raw) {
			return nil, fmt.Errorf("truncated entry header at offset %d", off)
		}
		nameLen := int(be32(raw[off:]))
		off += entryHeaderLen
		if off+nameLen+8 > len(raw) {
			return nil, fmt.Errorf("truncated entry at offset %d", off)
		}
		name := string(raw[off : off+nameLen])
		off += nameLen
		payloadLen := int(be64(raw[off:]))
		off += 8
		if off+payloadLen > len(raw) {
			return nil, fmt.Errorf("truncated payload for %q at offset %d", name, off)
		}
		entries[name] = vm.Parameter{Name: name, Data: raw[off : off+payloadLen : off+payloadLen]}
		off += payloadLen
	}
	return entries, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
