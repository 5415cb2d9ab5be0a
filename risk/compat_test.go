package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/root-talis/drift/risk"
)

var genericDialect = risk.Dialect{ // nolint:gochecknoglobals
	Name: "generic",
}

var checkCompatibilityTestTable = []struct { // nolint:gochecknoglobals
	name     string
	from     string
	to       string
	dialect  risk.Dialect
	expected risk.Compatibility
}{
	// -- same type ------
	/* s0 */ {
		name: "test s0: identical types are safe",
		from: "int", to: "int",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s1 */ {
		name: "test s1: identical types differing only in case are safe",
		from: "VARCHAR(255)", to: "varchar(255)",
		dialect: genericDialect, expected: risk.Safe,
	},

	// -- integer family ------
	/* s2 */ {
		name: "test s2: widening int to bigint is safe",
		from: "int", to: "bigint",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s3 */ {
		name: "test s3: narrowing bigint to int is incompatible",
		from: "bigint", to: "int",
		dialect: genericDialect, expected: risk.Incompatible,
	},
	/* s4 */ {
		name: "test s4: smallint to integer is safe across synonyms",
		from: "int2", to: "integer",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s5 */ {
		name: "test s5: unsigned modifier does not change the family",
		from: "int unsigned", to: "bigint",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s6 */ {
		name: "test s6: int to decimal changes representation but keeps values",
		from: "int", to: "decimal(20,0)",
		dialect: genericDialect, expected: risk.Compatible,
	},
	/* s7 */ {
		name: "test s7: int to double changes representation but keeps values",
		from: "int", to: "double",
		dialect: genericDialect, expected: risk.Compatible,
	},

	// -- float family ------
	/* s8 */ {
		name: "test s8: real to double precision is safe",
		from: "real", to: "double precision",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s9 */ {
		name: "test s9: double to real is incompatible",
		from: "double", to: "real",
		dialect: genericDialect, expected: risk.Incompatible,
	},

	// -- text family ------
	/* s10 */ {
		name: "test s10: widening varchar is safe",
		from: "varchar(100)", to: "varchar(255)",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s11 */ {
		name: "test s11: narrowing varchar is incompatible",
		from: "varchar(255)", to: "varchar(100)",
		dialect: genericDialect, expected: risk.Incompatible,
	},
	/* s12 */ {
		name: "test s12: varchar to text widens to unlimited",
		from: "varchar(255)", to: "text",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s13 */ {
		name: "test s13: text to varchar narrows from unlimited",
		from: "text", to: "varchar(255)",
		dialect: genericDialect, expected: risk.Incompatible,
	},
	/* s14 */ {
		name: "test s14: char to varchar of same length is safe",
		from: "char(20)", to: "varchar(20)",
		dialect: genericDialect, expected: risk.Safe,
	},

	// -- decimal family ------
	/* s15 */ {
		name: "test s15: widening decimal precision is safe",
		from: "decimal(10,2)", to: "decimal(20,2)",
		dialect: genericDialect, expected: risk.Safe,
	},
	/* s16 */ {
		name: "test s16: narrowing numeric precision is incompatible",
		from: "numeric(20,2)", to: "numeric(10,2)",
		dialect: genericDialect, expected: risk.Incompatible,
	},

	// -- cross family ------
	/* s17 */ {
		name: "test s17: text to int is incompatible",
		from: "text", to: "int",
		dialect: genericDialect, expected: risk.Incompatible,
	},
	/* s18 */ {
		name: "test s18: dialect implicit cast upgrades cross-family to compatible",
		from: "varchar(255)", to: "text",
		dialect: risk.Dialect{
			Name:          "postgres",
			ImplicitCasts: map[string][]string{"varchar": {"text"}},
		},
		expected: risk.Safe, // text family rank wins before the cast lookup
	},
	/* s19 */ {
		name: "test s19: dialect implicit cast applies across families",
		from: "timestamp", to: "text",
		dialect: risk.Dialect{
			Name:          "custom",
			ImplicitCasts: map[string][]string{"timestamp": {"text"}},
		},
		expected: risk.Compatible,
	},
	/* s20 */ {
		name: "test s20: wildcard implicit cast matches any pair",
		from: "blob", to: "timestamp",
		dialect: risk.Dialect{
			Name:          "sqlite",
			ImplicitCasts: map[string][]string{"*": {"*"}},
		},
		expected: risk.Compatible,
	},
	/* s21 */ {
		name: "test s21: unknown type pairs without casts are incompatible",
		from: "geometry", to: "point",
		dialect: genericDialect, expected: risk.Incompatible,
	},
}

func TestCheckCompatibility(t *testing.T) {
	t.Parallel()
	t.Logf("Should classify column type changes without touching a database.")

	for _, test := range checkCompatibilityTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			actual := risk.CheckCompatibility(test.from, test.to, test.dialect)
			assert.Equal(t, test.expected, actual)
		})
	}
}

func TestCheckCompatibilityIsPure(t *testing.T) {
	t.Parallel()

	first := risk.CheckCompatibility("varchar(100)", "varchar(255)", genericDialect)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, risk.CheckCompatibility("varchar(100)", "varchar(255)", genericDialect))
	}
}

var parseTypeTestTable = []struct { // nolint:gochecknoglobals
	name     string
	raw      string
	expected risk.TypeName
}{
	/* s0 */ {
		name: "test s0: bare type",
		raw:  "int", expected: risk.TypeName{Base: "int"},
	},
	/* s1 */ {
		name: "test s1: length qualifier",
		raw:  "varchar(255)", expected: risk.TypeName{Base: "varchar", Length: 255},
	},
	/* s2 */ {
		name: "test s2: precision and scale keep only precision",
		raw:  "decimal(10,2)", expected: risk.TypeName{Base: "decimal", Length: 10},
	},
	/* s3 */ {
		name: "test s3: case and whitespace are normalized",
		raw:  "  VARCHAR(64) ", expected: risk.TypeName{Base: "varchar", Length: 64},
	},
	/* s4 */ {
		name: "test s4: unsigned suffix is dropped",
		raw:  "bigint unsigned", expected: risk.TypeName{Base: "bigint"},
	},
}

func TestParseType(t *testing.T) {
	t.Parallel()

	for _, test := range parseTypeTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, risk.ParseType(test.raw))
		})
	}
}
