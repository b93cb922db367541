// Package toolchain maps a language identifier to the concrete build and run
// command lines for that language.
//
// The mapping is a declarative table of Toolchain descriptors. Command lines
// are templates in shell-word syntax with a small set of placeholders:
//
//	{src}   source file name inside the workspace (e.g. main.cpp)
//	{bin}   compiled binary path relative to the workspace (e.g. ./main)
//	{dir}   the workspace directory itself (".")
//	{main}  entry-point symbol for managed runtimes (e.g. Main)
//
// All paths are relative: the sandbox runs every command with the workspace as
// its working directory, so the same plan works for the local process backend
// and for the container backend.
package toolchain

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/sakif/code-runner/internal/apperror"
)

// Kind is the capability class of a toolchain.
type Kind string

const (
	Interpreted     Kind = "interpreted"
	CompiledNative  Kind = "compiled-native"
	CompiledManaged Kind = "compiled-managed"
)

// Toolchain describes one language. It is loaded from YAML, hence the tags.
type Toolchain struct {
	Language   string   `yaml:"language"`
	Name       string   `yaml:"name"`
	Aliases    []string `yaml:"aliases"`
	Kind       Kind     `yaml:"kind"`
	SourceFile string   `yaml:"sourceFile"`
	Binary     string   `yaml:"binary"`
	EntryPoint string   `yaml:"entryPoint"`
	Build      string   `yaml:"build"`
	Run        string   `yaml:"run"`
	Image      string   `yaml:"image"`
}

// Plan is a resolved toolchain: ready-to-exec argument vectors.
type Plan struct {
	Language   string
	Kind       Kind
	SourceFile string
	Build      []string // nil for interpreted languages
	Run        []string
	Image      string
}

// NeedsBuild reports whether a build step must run before the program.
func (p Plan) NeedsBuild() bool {
	return len(p.Build) > 0
}

// Language is the public description used by GET /api/languages.
type Language struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Aliases []string `json:"aliases,omitempty"`
}

// Options tune an Adapter.
type Options struct {
	// VerifyBinaries checks that every toolchain binary resolves on PATH.
	// Turn it off when commands run inside container images instead of the host.
	VerifyBinaries bool
}

// Adapter resolves languages against a validated toolchain table.
// It is immutable after New and safe for concurrent use.
type Adapter struct {
	byName   map[string]Toolchain
	ordered  []Toolchain
	opts     Options
	lookPath func(string) (string, error)
}

// New validates the table and builds the alias index.
func New(table []Toolchain, opts Options) (*Adapter, error) {
	a := &Adapter{
		byName:   make(map[string]Toolchain),
		opts:     opts,
		lookPath: exec.LookPath,
	}
	for _, tc := range table {
		if err := validate(tc); err != nil {
			return nil, err
		}
		for _, name := range append([]string{tc.Language}, tc.Aliases...) {
			key := normalize(name)
			if _, dup := a.byName[key]; dup {
				return nil, fmt.Errorf("toolchain: duplicate language name %q", name)
			}
			a.byName[key] = tc
		}
		a.ordered = append(a.ordered, tc)
	}
	if len(a.ordered) == 0 {
		return nil, fmt.Errorf("toolchain: table is empty")
	}
	return a, nil
}

// Resolve returns the build/run plan for language.
func (a *Adapter) Resolve(language string) (Plan, error) {
	tc, ok := a.byName[normalize(language)]
	if !ok {
		return Plan{}, apperror.UnsupportedLanguage(language)
	}

	plan := Plan{
		Language:   tc.Language,
		Kind:       tc.Kind,
		SourceFile: tc.SourceFile,
		Image:      tc.Image,
	}

	var err error
	if tc.Build != "" {
		if plan.Build, err = expand(tc.Build, tc); err != nil {
			return Plan{}, err
		}
	}
	if plan.Run, err = expand(tc.Run, tc); err != nil {
		return Plan{}, err
	}

	if a.opts.VerifyBinaries {
		for _, argv := range [][]string{plan.Build, plan.Run} {
			if err := a.verify(argv); err != nil {
				return Plan{}, err
			}
		}
	}
	return plan, nil
}

// Languages lists the table in declaration order.
func (a *Adapter) Languages() []Language {
	out := make([]Language, 0, len(a.ordered))
	for _, tc := range a.ordered {
		aliases := append([]string(nil), tc.Aliases...)
		sort.Strings(aliases)
		out = append(out, Language{ID: tc.Language, Name: tc.Name, Kind: tc.Kind, Aliases: aliases})
	}
	return out
}

// Images returns the distinct container images referenced by the table.
func (a *Adapter) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, tc := range a.ordered {
		if tc.Image != "" && !seen[tc.Image] {
			seen[tc.Image] = true
			images = append(images, tc.Image)
		}
	}
	return images
}

func (a *Adapter) verify(argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	// Workspace-relative binaries are produced by the build step.
	if strings.HasPrefix(argv[0], "./") {
		return nil
	}
	if _, err := a.lookPath(argv[0]); err != nil {
		return apperror.ToolchainNotFound(argv[0], err)
	}
	return nil
}

func expand(tpl string, tc Toolchain) ([]string, error) {
	bin := tc.Binary
	if bin != "" && !strings.Contains(bin, "/") {
		bin = "./" + bin
	}
	expanded := strings.NewReplacer(
		"{src}", tc.SourceFile,
		"{bin}", bin,
		"{dir}", ".",
		"{main}", tc.EntryPoint,
	).Replace(tpl)

	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("toolchain %s: parse command template %q: %w", tc.Language, tpl, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("toolchain %s: command is empty after expansion", tc.Language)
	}
	return fields, nil
}

func validate(tc Toolchain) error {
	if tc.Language == "" {
		return fmt.Errorf("toolchain: language is required")
	}
	if tc.SourceFile == "" || strings.ContainsAny(tc.SourceFile, `/\`) {
		return fmt.Errorf("toolchain %s: sourceFile must be a bare file name", tc.Language)
	}
	if tc.Run == "" {
		return fmt.Errorf("toolchain %s: run command is required", tc.Language)
	}
	switch tc.Kind {
	case Interpreted:
		if tc.Build != "" {
			return fmt.Errorf("toolchain %s: interpreted languages have no build step", tc.Language)
		}
	case CompiledNative:
		if tc.Build == "" || tc.Binary == "" {
			return fmt.Errorf("toolchain %s: compiled-native needs build and binary", tc.Language)
		}
	case CompiledManaged:
		if tc.Build == "" || tc.EntryPoint == "" {
			return fmt.Errorf("toolchain %s: compiled-managed needs build and entryPoint", tc.Language)
		}
		// javac-style runtimes insist the file is named after the entry point.
		if base := strings.TrimSuffix(tc.SourceFile, ext(tc.SourceFile)); base != tc.EntryPoint {
			return fmt.Errorf("toolchain %s: sourceFile %q must be named after entry point %q",
				tc.Language, tc.SourceFile, tc.EntryPoint)
		}
	default:
		return fmt.Errorf("toolchain %s: unknown kind %q", tc.Language, tc.Kind)
	}
	return nil
}

func ext(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
