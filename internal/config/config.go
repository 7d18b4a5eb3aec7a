// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

// Package config reads the deflat configuration file and resolves the
// symbols it names.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"mvdan.cc/deflat/internal/deflat"
)

var ErrConfig = errors.New("invalid config")

type Mode string

const (
	Auto     Mode = "auto"
	Manual   Mode = "manual"
	Disabled Mode = "disabled"
)

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("global_var_deobfuscation_mode must be a string")
	}
	switch Mode(s) {
	case Auto, Manual, Disabled:
		*m = Mode(s)
		return nil
	}
	return fmt.Errorf("unknown global_var_deobfuscation_mode %q, want auto, manual or disabled", s)
}

// Address is an address written either as a JSON integer or as a
// hexadecimal string without a 0x prefix.
type Address uint64

func (a *Address) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Address(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("address %s must be an integer or a hex string", data)
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("address %q is not a hex number", s)
	}
	*a = Address(n)
	return nil
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(a), 16))
}

// SymbolRef names a symbol either by name or by address.
type SymbolRef struct {
	Name string // empty when given by address
	Addr uint64
}

func (r *SymbolRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name == "" {
			return errors.New("empty symbol name")
		}
		*r = SymbolRef{Name: name}
		return nil
	}
	var addr uint64
	if err := json.Unmarshal(data, &addr); err != nil {
		return fmt.Errorf("symbol %s must be a name or an address", data)
	}
	*r = SymbolRef{Addr: addr}
	return nil
}

func (r SymbolRef) MarshalJSON() ([]byte, error) {
	if r.Name != "" {
		return json.Marshal(r.Name)
	}
	return json.Marshal(r.Addr)
}

func (r SymbolRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%#x", r.Addr)
}

type LocalVar struct {
	VarSize  int     `json:"var_size"`
	InitAddr Address `json:"var_init_address"`
}

type Config struct {
	TargetLocalVars []LocalVar  `json:"target_local_vars"`
	Mode            Mode        `json:"global_var_deobfuscation_mode,omitempty"`
	UserInputs      []SymbolRef `json:"user_inputs_gvo,omitempty"`
	Functions       []SymbolRef `json:"functions_for_gvo"`
}

// Parse decodes and checks a configuration. A missing mode means Auto, and
// manual mode requires user_inputs_gvo, even if empty.
func Parse(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.Mode == "" {
		cfg.Mode = Auto
	}
	if cfg.Mode == Manual && cfg.UserInputs == nil {
		return nil, fmt.Errorf("%w: user_inputs_gvo is required in manual mode", ErrConfig)
	}
	for i, lv := range cfg.TargetLocalVars {
		if lv.VarSize != 4 && lv.VarSize != 8 {
			return nil, fmt.Errorf("%w: target_local_vars[%d]: var_size must be 4 or 8, got %d", ErrConfig, i, lv.VarSize)
		}
	}
	return &cfg, nil
}

func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Targets returns the state variables to deflatten, in file order.
func (c *Config) Targets() []deflat.Target {
	targets := make([]deflat.Target, len(c.TargetLocalVars))
	for i, lv := range c.TargetLocalVars {
		targets[i] = deflat.Target{InitAddr: uint64(lv.InitAddr), VarSize: lv.VarSize}
	}
	return targets
}
