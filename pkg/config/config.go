// Package config loads the emulator configuration from TOML.
package config

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit"
	"dynarec/pkg/ram"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	CPU       CPUConfig       `toml:"cpu"`
	JIT       JITConfig       `toml:"jit"`
	Timer     TimerConfig     `toml:"timer"`
	Log       LogConfig       `toml:"log"`
	Debug     DebugConfig     `toml:"debug"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Savestate SavestateConfig `toml:"savestate"`
}

type CPUConfig struct {
	// RAMSize is the guest address space in bytes, a multiple of the page
	// size.
	RAMSize uint32 `toml:"ram_size"`
	Entry   uint32 `toml:"entry"`
	MSR     uint32 `toml:"msr"`
}

type JITConfig struct {
	Enabled              bool   `toml:"enabled"`
	CodeSpaceSize        int    `toml:"code_space_size"`
	MaxBlockInstructions int    `toml:"max_block_instructions"`
	MaxBlockBytes        int    `toml:"max_block_bytes"`
	Linking              bool   `toml:"linking"`
	Profiling            bool   `toml:"profiling"`
	RegAlloc             string `toml:"regalloc"`
	// Disable lists op classes that always go through the interpreter:
	// integer, loadstore, float, branch, system.
	Disable []string `toml:"disable"`
	// Costs overrides cycle costs per mnemonic.
	Costs map[string]int `toml:"costs"`
}

type TimerConfig struct {
	SliceLength int32 `toml:"slice_length"`
	// DecrementerPeriod enables the decrementer exception when non-zero.
	DecrementerPeriod int64 `toml:"decrementer_period"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is "console", "json" or "auto" (console on a terminal).
	Format string `toml:"format"`
}

type DebugConfig struct {
	// Listen is the UDP address of the QUIC debug server; empty disables it.
	Listen      string `toml:"listen"`
	StartPaused bool   `toml:"start_paused"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

type SavestateConfig struct {
	// Dir is the pebble directory; empty disables savestates.
	Dir string `toml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CPU: CPUConfig{
			RAMSize: 16 << 20,
			Entry:   0x3100,
			MSR:     cpu.MSRFP,
		},
		JIT: JITConfig{
			Enabled:              true,
			CodeSpaceSize:        jit.DefaultCodeSpaceSize,
			MaxBlockInstructions: jit.DefaultMaxBlockInstructions,
			MaxBlockBytes:        jit.DefaultMaxBlockBytes,
			Linking:              true,
			RegAlloc:             "furthest",
		},
		Timer: TimerConfig{SliceLength: cpu.DefaultSliceLength},
		Log:   LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes TOML into cfg, keeping the values of absent keys, and
// validates the result.
func Parse(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return errors.Mark(errors.Wrap(err, "unknown keys"), ErrInvalid)
		}
		return errors.Wrap(err, "parse config")
	}
	return cfg.Validate()
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	if c.CPU.RAMSize == 0 || c.CPU.RAMSize%ram.PageSize != 0 || c.CPU.RAMSize > ram.MaxSize {
		return errors.Wrapf(ErrInvalid, "cpu.ram_size %d must be a non-zero multiple of %d up to %d",
			c.CPU.RAMSize, ram.PageSize, uint32(ram.MaxSize))
	}
	if c.CPU.Entry%isa.InstSize != 0 || c.CPU.Entry >= c.CPU.RAMSize {
		return errors.Wrapf(ErrInvalid, "cpu.entry 0x%x must be word aligned and inside ram", c.CPU.Entry)
	}
	if c.JIT.CodeSpaceSize < 4096 {
		return errors.Wrapf(ErrInvalid, "jit.code_space_size %d is below 4096", c.JIT.CodeSpaceSize)
	}
	if c.JIT.MaxBlockInstructions < 1 || c.JIT.MaxBlockBytes < isa.InstSize {
		return errors.Wrapf(ErrInvalid, "jit block limits %d instructions, %d bytes",
			c.JIT.MaxBlockInstructions, c.JIT.MaxBlockBytes)
	}
	if _, err := c.RegAllocPolicy(); err != nil {
		return err
	}
	if _, err := c.DisabledClasses(); err != nil {
		return err
	}
	if _, err := c.CostTable(); err != nil {
		return errors.Mark(err, ErrInvalid)
	}
	if c.Timer.SliceLength < 1 || c.Timer.DecrementerPeriod < 0 {
		return errors.Wrapf(ErrInvalid, "timer slice %d, decrementer period %d",
			c.Timer.SliceLength, c.Timer.DecrementerPeriod)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return errors.Wrapf(ErrInvalid, "log.format %q", c.Log.Format)
	}
	return nil
}

// RegAllocPolicy maps jit.regalloc to a policy.
func (c *Config) RegAllocPolicy() (jit.RegAllocPolicy, error) {
	switch c.JIT.RegAlloc {
	case "", "furthest":
		return jit.AllocFurthestUse, nil
	case "lru":
		return jit.AllocLRU, nil
	}
	return 0, errors.Wrapf(ErrInvalid, "jit.regalloc %q, want furthest or lru", c.JIT.RegAlloc)
}

// DisabledClasses parses jit.disable.
func (c *Config) DisabledClasses() ([]isa.Class, error) {
	var out []isa.Class
	for _, name := range c.JIT.Disable {
		class, ok := isa.ParseClass(name)
		if !ok {
			return nil, errors.Wrapf(ErrInvalid, "jit.disable: unknown class %q", name)
		}
		out = append(out, class)
	}
	return out, nil
}

// CostTable returns the default costs with jit.costs applied.
func (c *Config) CostTable() (*isa.CostTable, error) {
	costs := isa.DefaultCosts()
	if err := costs.Override(c.JIT.Costs); err != nil {
		return nil, err
	}
	return costs, nil
}

// RuntimeOptions translates the jit section into runtime options.
func (c *Config) RuntimeOptions() (jit.Options, error) {
	policy, err := c.RegAllocPolicy()
	if err != nil {
		return jit.Options{}, err
	}
	classes, err := c.DisabledClasses()
	if err != nil {
		return jit.Options{}, err
	}
	costs, err := c.CostTable()
	if err != nil {
		return jit.Options{}, err
	}
	return jit.Options{
		InterpreterOnly:      !c.JIT.Enabled,
		CodeSpaceSize:        c.JIT.CodeSpaceSize,
		MaxBlockInstructions: c.JIT.MaxBlockInstructions,
		MaxBlockBytes:        c.JIT.MaxBlockBytes,
		DisableLinking:       !c.JIT.Linking,
		Profiling:            c.JIT.Profiling,
		RegAlloc:             policy,
		DisabledClasses:      classes,
		MemorySize:           c.CPU.RAMSize,
		Costs:                costs,
	}, nil
}
