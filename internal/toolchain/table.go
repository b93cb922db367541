package toolchain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults is the built-in table. Images are used only by the docker backend.
func Defaults() []Toolchain {
	return []Toolchain{
		{
			Language:   "python",
			Name:       "Python 3",
			Aliases:    []string{"py", "python3"},
			Kind:       Interpreted,
			SourceFile: "main.py",
			Run:        "python3 -u {src}",
			Image:      "python:3.12-alpine",
		},
		{
			Language:   "javascript",
			Name:       "JavaScript (Node.js)",
			Aliases:    []string{"js", "node"},
			Kind:       Interpreted,
			SourceFile: "main.js",
			Run:        "node {src}",
			Image:      "node:20-alpine",
		},
		{
			Language:   "c",
			Name:       "C (GCC)",
			Kind:       CompiledNative,
			SourceFile: "main.c",
			Binary:     "main",
			Build:      "gcc {src} -O2 -std=c11 -o {bin} -lm",
			Run:        "{bin}",
			Image:      "gcc:13",
		},
		{
			Language:   "cpp",
			Name:       "C++ (G++)",
			Aliases:    []string{"c++", "cxx"},
			Kind:       CompiledNative,
			SourceFile: "main.cpp",
			Binary:     "main",
			Build:      "g++ {src} -O2 -std=c++17 -o {bin}",
			Run:        "{bin}",
			Image:      "gcc:13",
		},
		{
			Language:   "java",
			Name:       "Java",
			Kind:       CompiledManaged,
			SourceFile: "Main.java",
			EntryPoint: "Main",
			Build:      "javac -d {dir} {src}",
			Run:        "java -cp {dir} {main}",
			Image:      "eclipse-temurin:21-jdk-alpine",
		},
	}
}

type tableFile struct {
	Toolchains []Toolchain `yaml:"toolchains"`
}

// LoadFile reads a YAML toolchain table that replaces Defaults:
//
//	toolchains:
//	  - language: python
//	    kind: interpreted
//	    sourceFile: main.py
//	    run: python3 -u {src}
func LoadFile(path string) ([]Toolchain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolchain: reading %s: %w", path, err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("toolchain: parsing %s: %w", path, err)
	}
	if len(f.Toolchains) == 0 {
		return nil, fmt.Errorf("toolchain: %s defines no toolchains", path)
	}
	return f.Toolchains, nil
}
