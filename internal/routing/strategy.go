// Package routing decides which destination serves each inbound request and
// reacts to per-attempt outcomes.
package routing

import (
	"fmt"
	"strings"
)

// Strategy selects a destination when neither an explicit destination nor a
// mapping applies. The zero value defers to the engine's default.
type Strategy int

const (
	StrategyDefault Strategy = iota
	StrategyPriority
	StrategyRoundRobin
	StrategyLoadBalance
	StrategyFailover
)

var strategyNames = map[Strategy]string{
	StrategyDefault:     "default",
	StrategyPriority:    "priority",
	StrategyRoundRobin:  "round-robin",
	StrategyLoadBalance: "load-balance",
	StrategyFailover:    "failover",
}

// Strategies lists every selectable strategy in declaration order.
var Strategies = []Strategy{StrategyPriority, StrategyRoundRobin, StrategyLoadBalance, StrategyFailover}

// StrategyNames lists the wire names of Strategies.
func StrategyNames() []string {
	names := make([]string, len(Strategies))
	for i, s := range Strategies {
		names[i] = s.String()
	}
	return names
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// MarshalText renders the wire name.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStrategy maps a wire name to a Strategy. Matching ignores case.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range Strategies {
		if strategyNames[s] == name {
			return s, nil
		}
	}
	return StrategyDefault, fmt.Errorf("unknown strategy %q (want one of %s)", name, strings.Join(StrategyNames(), ", "))
}

func (s Strategy) valid() bool {
	return s >= StrategyDefault && s <= StrategyFailover
}

// Method records how the serving destination was chosen.
type Method string

const (
	MethodExplicit Method = "explicit-system"
	MethodMapping  Method = "erp-mapping"
	MethodStrategy Method = "strategy"
)
