package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	"dynarec/pkg/isa"
	"dynarec/pkg/jit"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynarec.toml")
	data := `
[cpu]
ram_size = 0x100000
entry = 0x8000

[jit]
profiling = true
regalloc = "lru"
disable = ["float", "branch"]

[jit.costs]
divw = 20
lwz = 3

[debug]
listen = "127.0.0.1:7600"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.CPU.RAMSize = 0x100000
	want.CPU.Entry = 0x8000
	want.JIT.Profiling = true
	want.JIT.RegAlloc = "lru"
	want.JIT.Disable = []string{"float", "branch"}
	want.JIT.Costs = map[string]int{"divw": 20, "lwz": 3}
	want.Debug.Listen = "127.0.0.1:7600"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	opts, err := cfg.RuntimeOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.RegAlloc != jit.AllocLRU || !opts.Profiling || opts.InterpreterOnly {
		t.Errorf("runtime options = %+v", opts)
	}
	if diff := cmp.Diff([]isa.Class{isa.ClassFloat, isa.ClassBranch}, opts.DisabledClasses); diff != "" {
		t.Errorf("disabled classes mismatch (-want +got):\n%s", diff)
	}
	if got := opts.Costs.Cycles(isa.OpDivw); got != 20 {
		t.Errorf("divw cost = %d, want 20", got)
	}
	if got := opts.Costs.Cycles(isa.OpAdd); got != 1 {
		t.Errorf("add cost = %d, want the default 1", got)
	}
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unaligned ram", "[cpu]\nram_size = 5000\n"},
		{"entry outside ram", "[cpu]\nram_size = 0x10000\nentry = 0x20000\n"},
		{"misaligned entry", "[cpu]\nentry = 0x8002\n"},
		{"tiny code space", "[jit]\ncode_space_size = 100\n"},
		{"regalloc", "[jit]\nregalloc = \"random\"\n"},
		{"class", "[jit]\ndisable = [\"vector\"]\n"},
		{"cost mnemonic", "[jit.costs]\nfrobnicate = 2\n"},
		{"cost value", "[jit.costs]\nadd = 0\n"},
		{"slice", "[timer]\nslice_length = 0\n"},
		{"log format", "[log]\nformat = \"xml\"\n"},
		{"unknown key", "[jit]\nturbo = true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := Parse([]byte(tt.toml), &cfg)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
