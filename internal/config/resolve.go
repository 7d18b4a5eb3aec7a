// Copyright (c) 2024, The Deflat Authors.
// See LICENSE for licensing information.

package config

import (
	"fmt"

	"mvdan.cc/deflat/internal/host"
)

// Resolved holds the symbols a configuration refers to.
type Resolved struct {
	// ReadOnly is only set in manual mode.
	ReadOnly  []host.Symbol
	Functions []host.Symbol
}

// Resolve looks up every symbol named by c. It is the second validation
// phase: a name or address that does not resolve to a symbol of the right
// kind is an error wrapping ErrConfig.
func (c *Config) Resolve(syms host.Symbols) (*Resolved, error) {
	var res Resolved
	if c.Mode == Manual {
		for i, ref := range c.UserInputs {
			sym, err := resolve(syms, ref, host.LabelSymbol)
			if err != nil {
				return nil, fmt.Errorf("%w: user_inputs_gvo[%d]: %v", ErrConfig, i, err)
			}
			res.ReadOnly = append(res.ReadOnly, sym)
		}
	}
	for i, ref := range c.Functions {
		sym, err := resolve(syms, ref, host.FunctionSymbol)
		if err != nil {
			return nil, fmt.Errorf("%w: functions_for_gvo[%d]: %v", ErrConfig, i, err)
		}
		res.Functions = append(res.Functions, sym)
	}
	return &res, nil
}

func resolve(syms host.Symbols, ref SymbolRef, kind host.SymbolKind) (host.Symbol, error) {
	if ref.Name != "" {
		sym, ok := syms.LookupSymbol(ref.Name)
		if !ok {
			return host.Symbol{}, fmt.Errorf("no symbol named %s", ref.Name)
		}
		if sym.Kind != kind {
			return host.Symbol{}, fmt.Errorf("%s is a %s, not a %s", ref.Name, sym.Kind, kind)
		}
		return sym, nil
	}
	found := syms.SymbolsAt(ref.Addr)
	if len(found) == 0 {
		return host.Symbol{}, fmt.Errorf("no symbol at %#x", ref.Addr)
	}
	for _, sym := range found {
		if sym.Kind == kind {
			return sym, nil
		}
	}
	return host.Symbol{}, fmt.Errorf("%s at %#x is a %s, not a %s", found[0].Name, ref.Addr, found[0].Kind, kind)
}
