package query

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL flavor emitted by a Translator. The values match
// what connectors report from their Dialect method.
type Dialect string

const (
	PostgreSQL Dialect = "postgresql"
	ClickHouse Dialect = "clickhouse"
	BigQuery   Dialect = "bigquery"
	Snowflake  Dialect = "snowflake"
)

// generator is the per-dialect vtable of SQL hooks. The Translator itself is
// dialect-agnostic; every difference between backends flows through one of
// these hooks.
type generator struct {
	// LikeOperator is the operator used for substring matching ("ILIKE" on
	// PostgreSQL, "LIKE" elsewhere).
	LikeOperator string

	// QualifyTable rewrites a bare table reference for the FROM clause.
	QualifyTable func(table string) string

	// TimeTrunc returns the expression truncating column to the given
	// granularity, or an error if the dialect cannot express it.
	TimeTrunc func(column, granularity string) (string, error)

	// IntervalCondition renders "column is within the last n units", or ""
	// if the dialect has no rendering for the unit.
	IntervalCondition func(column, n, unit string) string

	// StartOfCondition renders "column is within the current unit", or ""
	// if the dialect has no rendering for the unit.
	StartOfCondition func(column, unit string) string

	// CountSubquerySuffix is appended after the parenthesized subquery of a
	// COUNT wrapper. ClickHouse requires an alias there.
	CountSubquerySuffix string
}

func identityTable(table string) string { return table }

var postgresGenerator = &generator{
	LikeOperator: "ILIKE",
	QualifyTable: func(table string) string {
		if !strings.Contains(table, ".") {
			return "public." + table
		}
		return table
	},
	TimeTrunc: func(column, granularity string) (string, error) {
		return fmt.Sprintf("DATE_TRUNC('%s', %s)", granularity, column), nil
	},
	IntervalCondition: func(column, n, unit string) string {
		return fmt.Sprintf("%s >= CURRENT_TIMESTAMP - INTERVAL '%s %s'", column, n, unit)
	},
	StartOfCondition: func(column, unit string) string {
		return fmt.Sprintf("%s >= DATE_TRUNC('%s', CURRENT_TIMESTAMP)", column, unit)
	},
}

// clickhouseStartOf maps time units to the toStartOf* family. Minute and hour
// are intentionally absent for "this_" ranges, matching the supported set.
var clickhouseStartOf = map[string]string{
	"day":     "toStartOfDay",
	"week":    "toStartOfWeek",
	"month":   "toStartOfMonth",
	"quarter": "toStartOfQuarter",
	"year":    "toStartOfYear",
}

var clickhouseTrunc = map[string]string{
	"minute": "toStartOfMinute",
	"hour":   "toStartOfHour",
	"day":    "toStartOfDay",
	"week":   "toStartOfWeek",
	"month":  "toStartOfMonth",
}

var clickhouseGenerator = &generator{
	LikeOperator: "LIKE",
	QualifyTable: identityTable,
	TimeTrunc: func(column, granularity string) (string, error) {
		var fn, ok = clickhouseTrunc[granularity]
		if !ok {
			return "", fmt.Errorf("unsupported granularity for ClickHouse: %q: %w", granularity, ErrInvalidQuery)
		}
		return fmt.Sprintf("%s(%s)", fn, column), nil
	},
	IntervalCondition: func(column, n, unit string) string {
		return fmt.Sprintf("%s >= now() - INTERVAL %s %s", column, n, unit)
	},
	StartOfCondition: func(column, unit string) string {
		var fn, ok = clickhouseStartOf[unit]
		if !ok {
			return ""
		}
		return fmt.Sprintf("%s >= %s(now())", column, fn)
	},
	CountSubquerySuffix: " AS sub_query",
}

var bigqueryGenerator = &generator{
	LikeOperator: "LIKE",
	QualifyTable: identityTable,
	TimeTrunc: func(column, granularity string) (string, error) {
		return fmt.Sprintf("TIMESTAMP_TRUNC(%s, %s)", column, strings.ToUpper(granularity)), nil
	},
	IntervalCondition: func(column, n, unit string) string {
		return fmt.Sprintf("%s >= TIMESTAMP_SUB(CURRENT_TIMESTAMP(), INTERVAL %s %s)",
			column, n, strings.ToUpper(unit))
	},
	StartOfCondition: func(column, unit string) string {
		return fmt.Sprintf("%s >= TIMESTAMP_TRUNC(CURRENT_TIMESTAMP(), %s)", column, strings.ToUpper(unit))
	},
}

var snowflakeGenerator = &generator{
	LikeOperator: "LIKE",
	QualifyTable: identityTable,
	TimeTrunc: func(column, granularity string) (string, error) {
		return fmt.Sprintf("DATE_TRUNC('%s', %s)", granularity, column), nil
	},
	IntervalCondition: func(column, n, unit string) string {
		return fmt.Sprintf("%s >= DATEADD(%s, -%s, CURRENT_TIMESTAMP())", column, unit, n)
	},
	StartOfCondition: func(column, unit string) string {
		return fmt.Sprintf("%s >= DATE_TRUNC('%s', CURRENT_TIMESTAMP())", column, unit)
	},
}

// defaultGenerator serves unrecognized dialects: generic ANSI-ish output with
// no table qualification and no relative time ranges.
var defaultGenerator = &generator{
	LikeOperator: "LIKE",
	QualifyTable: identityTable,
	TimeTrunc: func(column, granularity string) (string, error) {
		return fmt.Sprintf("DATE_TRUNC('%s', %s)", granularity, column), nil
	},
	IntervalCondition: func(column, n, unit string) string { return "" },
	StartOfCondition:  func(column, unit string) string { return "" },
}

var generators = map[Dialect]*generator{
	PostgreSQL: postgresGenerator,
	ClickHouse: clickhouseGenerator,
	BigQuery:   bigqueryGenerator,
	Snowflake:  snowflakeGenerator,
}

func generatorFor(dialect Dialect) *generator {
	if gen, ok := generators[dialect]; ok {
		return gen
	}
	return defaultGenerator
}
