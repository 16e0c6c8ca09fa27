package query

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Translator converts query Models into SQL statements of a single dialect.
// It is stateless and safe for concurrent use.
type Translator struct {
	dialect Dialect
	gen     *generator
}

// NewTranslator returns a Translator for the given dialect. Unrecognized
// dialects fall back to generic output.
func NewTranslator(dialect Dialect) *Translator {
	return &Translator{dialect: dialect, gen: generatorFor(dialect)}
}

// Dialect returns the dialect this Translator emits.
func (t *Translator) Dialect() Dialect { return t.dialect }

// Translate converts a query model into a SQL statement. The statement is
// always six clause lines (SELECT, FROM, WHERE, GROUP BY, ORDER BY,
// LIMIT) joined by newlines; clauses that do not apply are left empty.
func (t *Translator) Translate(model *Model) (string, error) {
	if model.IsServerPagination {
		if model.Limit == nil {
			return "", fmt.Errorf("server-side pagination requires a limit value: %w", ErrInvalidQuery)
		}
		if model.Offset == nil {
			return "", fmt.Errorf("server-side pagination requires an offset value: %w", ErrInvalidQuery)
		}
	} else if model.Offset != nil {
		return "", fmt.Errorf("offset can only be used with server-side pagination: %w", ErrInvalidQuery)
	}

	var bucketed = t.timeBucketingActive(model)

	var selectClause string
	var err error
	if bucketed {
		selectClause, err = t.buildSelectWithGranularity(model)
	} else if model.visualizationType() == "table" && len(model.SelectedFields) > 0 {
		selectClause, err = t.buildSelectForTable(model)
	} else {
		selectClause, err = t.buildSelect(model)
	}
	if err != nil {
		return "", err
	}

	fromClause, err := t.buildFrom(model.Source)
	if err != nil {
		return "", err
	}
	var whereClause = t.buildWhere(model.Filters, model.TimeRange)

	var groupByClause string
	if bucketed {
		groupByClause = t.buildGroupByWithGranularity(model.GroupBy, model.TimeRange.Column, model.Granularity)
	} else if len(model.Agg) > 0 || len(model.GroupBy) > 0 {
		groupByClause = buildGroupBy(model.GroupBy)
	}

	var orderByClause = buildOrderBy(model.Sort)
	var limitClause = buildLimit(model.Limit, model.Offset, model.IsServerPagination)

	var sql = strings.Join([]string{
		selectClause, fromClause, whereClause, groupByClause, orderByClause, limitClause,
	}, "\n")

	log.WithFields(log.Fields{"dialect": t.dialect, "sql": sql}).Debug("translated query")
	return sql, nil
}

// TranslateCount wraps the translated query in a COUNT(*) aggregate for
// server-side pagination totals. Pagination settings are cleared on a copy of
// the model; the caller's model is not modified.
func (t *Translator) TranslateCount(model *Model) (string, error) {
	var inner = *model
	inner.Limit = nil
	inner.Offset = nil
	inner.IsServerPagination = false

	innerSQL, err := t.Translate(&inner)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) AS count FROM (" + innerSQL + ")" + t.gen.CountSubquerySuffix, nil
}

// timeBucketingActive reports whether the time column should be truncated to
// the requested granularity: line visualization, a granularity, a time-range
// column, and that column present in the GROUP BY.
func (t *Translator) timeBucketingActive(model *Model) bool {
	if model.visualizationType() != "line" || model.Granularity == "" {
		return false
	}
	if model.TimeRange == nil || model.TimeRange.Column == "" {
		return false
	}
	for _, dim := range model.GroupBy {
		if dim == model.TimeRange.Column {
			return true
		}
	}
	return false
}

func truncAlias(column, granularity string) string {
	return "trunc_" + strings.ReplaceAll(column, ".", "_") + "_" + granularity
}

// columnBasename returns the segment after the last dot of a qualified column.
func columnBasename(column string) string {
	if idx := strings.LastIndex(column, "."); idx >= 0 {
		return column[idx+1:]
	}
	return column
}

// renderAggregation renders a single aggregation. A non-count aggregation with
// no column falls back to the first selected field.
func renderAggregation(agg Aggregation, selectedFields []string) (string, error) {
	var fn = strings.ToUpper(agg.Function)
	if fn == "" {
		fn = "COUNT"
	}

	if fn == "COUNT" {
		var alias = agg.Alias
		if alias == "" {
			alias = "count"
		}
		return "COUNT(*) AS " + alias, nil
	}

	var column = agg.Column
	if column == "" {
		if len(selectedFields) == 0 {
			return "", fmt.Errorf("column must be specified for %s aggregation: %w", fn, ErrInvalidQuery)
		}
		column = selectedFields[0]
		log.WithFields(log.Fields{"column": column, "function": fn}).Info("using selected field for aggregation")
	}

	var alias = agg.Alias
	if alias == "" {
		alias = strings.ToLower(fn) + "_" + columnBasename(column)
	}
	return fmt.Sprintf("%s(%s) AS %s", fn, column, alias), nil
}

func (t *Translator) buildSelect(model *Model) (string, error) {
	var items []string
	items = append(items, model.GroupBy...)

	for _, agg := range model.Agg {
		expr, err := renderAggregation(agg, model.SelectedFields)
		if err != nil {
			return "", err
		}
		items = append(items, expr)
	}

	if len(items) == 0 {
		items = append(items, model.SelectedFields...)
	}
	if len(items) == 0 {
		return "SELECT *", nil
	}
	return "SELECT " + strings.Join(items, ", "), nil
}

// buildSelectForTable projects for the table visualization: the grouped
// dimensions, then the first aggregation's function applied to every selected
// field not already grouped. COUNT collapses to a single COUNT(*).
func (t *Translator) buildSelectForTable(model *Model) (string, error) {
	var items []string
	items = append(items, model.GroupBy...)

	var grouped = make(map[string]bool, len(model.GroupBy))
	for _, dim := range model.GroupBy {
		grouped[dim] = true
	}

	if len(model.Agg) > 0 {
		var fn = strings.ToUpper(model.Agg[0].Function)
		if fn == "COUNT" {
			var alias = model.Agg[0].Alias
			if alias == "" {
				alias = "count"
			}
			items = append(items, "COUNT(*) AS "+alias)
		} else {
			if len(model.SelectedFields) == 0 {
				return "", fmt.Errorf("fields required for %s aggregation: %w", fn, ErrInvalidQuery)
			}
			for _, field := range model.SelectedFields {
				if grouped[field] || strings.TrimSpace(field) == "" {
					continue
				}
				var alias = strings.ToLower(fn) + "_" + columnBasename(field)
				items = append(items, fmt.Sprintf("%s(%s) AS %s", fn, field, alias))
			}
		}
	}

	if len(items) == 0 {
		return "SELECT *", nil
	}
	return "SELECT " + strings.Join(items, ", "), nil
}

func (t *Translator) buildSelectWithGranularity(model *Model) (string, error) {
	var timeColumn = model.TimeRange.Column

	expr, err := t.gen.TimeTrunc(timeColumn, model.Granularity)
	if err != nil {
		return "", err
	}
	var items = []string{expr + " AS " + truncAlias(timeColumn, model.Granularity)}

	for _, dim := range model.GroupBy {
		if dim != timeColumn {
			items = append(items, dim)
		}
	}

	for _, agg := range model.Agg {
		rendered, err := renderAggregation(agg, model.SelectedFields)
		if err != nil {
			return "", err
		}
		items = append(items, rendered)
	}

	return "SELECT " + strings.Join(items, ", "), nil
}

func (t *Translator) buildFrom(source Source) (string, error) {
	if source.Table == "" {
		return "", fmt.Errorf("query must specify a source table: %w", ErrInvalidQuery)
	}
	return "FROM " + t.gen.QualifyTable(source.Table), nil
}

func (t *Translator) buildWhere(filters []Filter, timeRange *TimeRange) string {
	var conditions []string

	for i := range filters {
		var rendered string
		if filters[i].IsGroup() {
			rendered = t.renderFilterGroup(&filters[i])
		} else {
			rendered = t.renderFilterCondition(&filters[i])
		}
		if rendered != "" {
			conditions = append(conditions, rendered)
		}
	}

	if timeRange != nil {
		if rendered := t.renderTimeRange(timeRange); rendered != "" {
			conditions = append(conditions, rendered)
		}
	}

	if len(conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conditions, " AND ")
}

// renderFilterGroup joins the group's rendered children with the uppercased
// logic token and wraps them in parentheses. Empty children are dropped; a
// group with no renderable children renders as nothing.
func (t *Translator) renderFilterGroup(group *Filter) string {
	var parts []string
	for i := range group.Conditions {
		var rendered string
		if group.Conditions[i].IsGroup() {
			rendered = t.renderFilterGroup(&group.Conditions[i])
		} else {
			rendered = t.renderFilterCondition(&group.Conditions[i])
		}
		if rendered != "" {
			parts = append(parts, rendered)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " "+strings.ToUpper(group.Logic)+" ") + ")"
}

func (t *Translator) renderFilterCondition(cond *Filter) string {
	switch cond.Operator {
	case "is_null":
		return cond.Column + " IS NULL"
	case "is_not_null":
		return cond.Column + " IS NOT NULL"
	case "=", "!=", ">", ">=", "<", "<=":
		return fmt.Sprintf("%s %s %s", cond.Column, cond.Operator, formatValue(cond.Value))
	case "in":
		return fmt.Sprintf("%s IN (%s)", cond.Column, formatValueList(cond.Value))
	case "not_in":
		return fmt.Sprintf("%s NOT IN (%s)", cond.Column, formatValueList(cond.Value))
	case "contains":
		return fmt.Sprintf("%s %s '%%%s%%'", cond.Column, t.gen.LikeOperator, escapeString(rawString(cond.Value)))
	case "starts_with":
		return fmt.Sprintf("%s %s '%s%%'", cond.Column, t.gen.LikeOperator, escapeString(rawString(cond.Value)))
	case "ends_with":
		return fmt.Sprintf("%s %s '%%%s'", cond.Column, t.gen.LikeOperator, escapeString(rawString(cond.Value)))
	}

	log.WithFields(log.Fields{"operator": cond.Operator, "column": cond.Column}).
		Warn("unsupported filter operator, skipping condition")
	return ""
}

func (t *Translator) renderTimeRange(timeRange *TimeRange) string {
	var column = timeRange.Column
	if column == "" {
		log.Debug("no time column specified, skipping time range filter")
		return ""
	}

	if timeRange.Range == "custom" && timeRange.CustomRange != nil {
		var from, to = timeRange.CustomRange.From, timeRange.CustomRange.To
		switch {
		case from != "" && to != "":
			return fmt.Sprintf("%s BETWEEN '%s' AND '%s'", column, escapeString(from), escapeString(to))
		case from != "":
			return fmt.Sprintf("%s >= '%s'", column, escapeString(from))
		case to != "":
			return fmt.Sprintf("%s <= '%s'", column, escapeString(to))
		}
	}

	if strings.HasPrefix(timeRange.Range, "last_") {
		if parts := strings.Split(timeRange.Range, "_"); len(parts) >= 3 {
			if cond := t.gen.IntervalCondition(column, parts[1], parts[2]); cond != "" {
				return cond
			}
		}
	} else if strings.HasPrefix(timeRange.Range, "this_") {
		var unit = strings.SplitN(timeRange.Range, "_", 2)[1]
		if cond := t.gen.StartOfCondition(column, unit); cond != "" {
			return cond
		}
	}

	log.WithFields(log.Fields{"range": timeRange.Range, "dialect": t.dialect}).
		Warn("unsupported time range, skipping condition")
	return ""
}

// buildGroupByWithGranularity substitutes the truncated-time alias for the
// raw time column wherever it appears in the GROUP BY list.
func (t *Translator) buildGroupByWithGranularity(groupBy []string, timeColumn, granularity string) string {
	if len(groupBy) == 0 {
		return ""
	}
	var dims = make([]string, len(groupBy))
	for i, dim := range groupBy {
		if dim == timeColumn {
			dims[i] = truncAlias(timeColumn, granularity)
		} else {
			dims[i] = dim
		}
	}
	return "GROUP BY " + strings.Join(dims, ", ")
}

func buildGroupBy(groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	return "GROUP BY " + strings.Join(groupBy, ", ")
}

func buildOrderBy(sort []SortOrder) string {
	if len(sort) == 0 {
		return ""
	}
	var items = make([]string, len(sort))
	for i, s := range sort {
		items[i] = s.Column + " " + strings.ToUpper(s.Direction)
	}
	return "ORDER BY " + strings.Join(items, ", ")
}

func buildLimit(limit, offset *int, isServerPagination bool) string {
	if isServerPagination {
		// Translate has already validated both values are present. OFFSET
		// is always emitted, including OFFSET 0.
		return fmt.Sprintf("LIMIT %d OFFSET %d", *limit, *offset)
	}
	if limit == nil {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", *limit)
}

// escapeString doubles embedded single quotes so a value can be safely placed
// inside a quoted SQL literal.
func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// rawString renders a filter value without quoting.
func rawString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// formatValue renders a filter value as a SQL literal. Strings are quoted
// with embedded quotes doubled; numbers and booleans render bare.
func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + escapeString(value) + "'"
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprint(v)
	}
}

// formatValueList renders an IN / NOT IN value list, quoting each element as
// formatValue does. A scalar value renders as-is for caller-provided lists
// like "1, 2, 3".
func formatValueList(v any) string {
	list, ok := v.([]any)
	if !ok {
		return rawString(v)
	}
	var items = make([]string, len(list))
	for i, item := range list {
		items[i] = formatValue(item)
	}
	return strings.Join(items, ", ")
}
