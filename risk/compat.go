// Package risk classifies schema differences by how likely they are to cause
// data loss or application incompatibility.
package risk

import (
	"strconv"
	"strings"
)

// Compatibility classifies a column type change.
type Compatibility uint

const (
	Incompatible Compatibility = iota
	Compatible
	Safe
)

func (c Compatibility) String() string {
	switch c {
	case Safe:
		return "SAFE"
	case Compatible:
		return "COMPATIBLE"
	case Incompatible:
		return "INCOMPATIBLE"
	}
	return "UNKNOWN"
}

// Dialect carries the engine traits the checker and assessor depend on.
// Constructed from a driver; kept as plain data so both stay pure and
// testable without a live database.
type Dialect struct {
	Name string
	// AlterRequiresRebuild escalates every type alteration, because the
	// engine implements it as a full table rebuild.
	AlterRequiresRebuild bool
	// ImplicitCasts lists normalized conversions the engine performs
	// implicitly, keyed by source type. The "*" key matches any type.
	ImplicitCasts map[string][]string
}

// type families ordered by width; a higher rank can represent every value of
// a lower rank in the same family.
var (
	integerRanks = map[string]int{
		"tinyint": 1, "int1": 1,
		"smallint": 2, "int2": 2, "smallserial": 2,
		"mediumint": 3,
		"int":       4, "integer": 4, "int4": 4, "serial": 4,
		"bigint": 5, "int8": 5, "bigserial": 5,
	}
	floatRanks = map[string]int{
		"real": 1, "float": 1, "float4": 1,
		"double": 2, "double precision": 2, "float8": 2,
	}
	textRanks = map[string]int{
		"char": 1, "character": 1, "nchar": 1,
		"varchar": 2, "character varying": 2, "nvarchar": 2,
		"tinytext": 3,
		"text":     4, "clob": 4,
		"mediumtext": 5,
		"longtext":   6,
	}
	decimalNames = map[string]bool{"decimal": true, "numeric": true}
)

// TypeName is a parsed column type: the lowercased base name with the first
// qualifier ("varchar(255)" keeps 255 as Length).
type TypeName struct {
	Base   string
	Length int
}

// ParseType normalizes a raw dialect type string.
func ParseType(raw string) TypeName {
	t := strings.ToLower(strings.TrimSpace(raw))

	length := 0
	if open := strings.IndexByte(t, '('); open >= 0 {
		qualifier := t[open+1:]
		if close := strings.IndexByte(qualifier, ')'); close >= 0 {
			qualifier = qualifier[:close]
		}
		if comma := strings.IndexByte(qualifier, ','); comma >= 0 {
			qualifier = qualifier[:comma]
		}
		if n, err := strconv.Atoi(strings.TrimSpace(qualifier)); err == nil {
			length = n
		}
		t = strings.TrimSpace(t[:open])
	}

	// "int unsigned" and friends: the modifier does not change the family.
	t = strings.TrimSuffix(t, " unsigned")

	return TypeName{Base: t, Length: length}
}

// CheckCompatibility classifies changing a column from one type to another
// under the given dialect. It is a pure function: same inputs, same answer,
// no database access.
func CheckCompatibility(from, to string, dialect Dialect) Compatibility {
	src := ParseType(from)
	dst := ParseType(to)

	if src.Base == dst.Base {
		return compareLengths(src.Length, dst.Length)
	}

	if fromRank, ok := integerRanks[src.Base]; ok {
		if toRank, ok := integerRanks[dst.Base]; ok {
			if toRank >= fromRank {
				return Safe
			}
			return Incompatible
		}
		// Integers fit into wider numeric representations, but the
		// representation itself changes.
		if floatRanks[dst.Base] != 0 || decimalNames[dst.Base] {
			return Compatible
		}
	}

	if fromRank, ok := floatRanks[src.Base]; ok {
		if toRank, ok := floatRanks[dst.Base]; ok {
			if toRank >= fromRank {
				return Safe
			}
			return Incompatible
		}
	}

	if decimalNames[src.Base] && decimalNames[dst.Base] {
		return compareLengths(src.Length, dst.Length)
	}

	if fromRank, ok := textRanks[src.Base]; ok {
		if toRank, ok := textRanks[dst.Base]; ok {
			switch {
			case toRank > fromRank:
				return Safe
			case toRank == fromRank:
				return compareLengths(src.Length, dst.Length)
			default:
				return Incompatible
			}
		}
	}

	// Cross-family: incompatible unless the dialect casts implicitly.
	if castsImplicitly(dialect, src.Base, dst.Base) {
		return Compatible
	}
	return Incompatible
}

// compareLengths resolves same-family changes where only the length
// qualifier differs. Zero means "no declared limit".
func compareLengths(from, to int) Compatibility {
	switch {
	case from == to:
		return Safe
	case to == 0: // widening to unlimited
		return Safe
	case from == 0: // narrowing from unlimited
		return Incompatible
	case to > from:
		return Safe
	default:
		return Incompatible
	}
}

func castsImplicitly(dialect Dialect, from, to string) bool {
	for _, key := range []string{from, "*"} {
		for _, target := range dialect.ImplicitCasts[key] {
			if target == to || target == "*" {
				return true
			}
		}
	}
	return false
}
