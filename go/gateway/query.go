// Package gateway orchestrates query translation, backend execution, and
// metadata caching on top of the connection registry and backend drivers.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/query"
	log "github.com/sirupsen/logrus"
)

// QueryService executes query models against their source connection.
type QueryService struct {
	registry *connections.Registry
}

func NewQueryService(registry *connections.Registry) *QueryService {
	return &QueryService{registry: registry}
}

// driverFor resolves the model's connection and builds its backend driver.
// The caller owns the returned driver and must Close it.
func (s *QueryService) driverFor(connectionID string) (connector.Connector, error) {
	conn, err := s.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}
	return connector.New(conn)
}

// Execute translates the model and runs it. Translation and connection
// failures return an error; backend execution failures return a Result whose
// Error field carries the message, with the generated SQL preserved for
// debugging.
func (s *QueryService) Execute(ctx context.Context, model *query.Model) (*query.Result, error) {
	drv, err := s.driverFor(model.Source.ConnectionID)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	var dialect = string(drv.Dialect())
	var translator = query.NewTranslator(drv.Dialect())

	sql, err := translator.Translate(model)
	if err != nil {
		return nil, err
	}

	if err = drv.Connect(ctx); err != nil {
		queriesTotal.WithLabelValues(dialect, "error").Inc()
		return nil, err
	}

	var result = &query.Result{SQL: sql}

	if model.IsServerPagination {
		countSQL, err := translator.TranslateCount(model)
		if err != nil {
			return nil, err
		}
		countOut, err := drv.ExecuteQuery(ctx, countSQL, nil)
		if err != nil {
			log.WithFields(log.Fields{
				"connection": model.Source.ConnectionID,
				"err":        err,
			}).Error("count query failed")
			queriesTotal.WithLabelValues(dialect, "error").Inc()
			result.Error = err.Error()
			return result, nil
		}
		total, err := extractCount(countOut.Rows)
		if err != nil {
			return nil, fmt.Errorf("reading total count: %w", err)
		}
		result.TotalCount = &total
	}

	out, err := drv.ExecuteQuery(ctx, sql, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"connection": model.Source.ConnectionID,
			"err":        err,
		}).Error("query execution failed")
		queriesTotal.WithLabelValues(dialect, "error").Inc()
		result.Error = err.Error()
		return result, nil
	}

	result.Columns = out.Columns
	result.Data = out.Rows
	result.RowCount = len(out.Rows)
	result.ExecutionTime = out.Elapsed.Seconds()

	if model.IsServerPagination && result.TotalCount != nil {
		result.HasMore = int64(*model.Offset)+int64(len(out.Rows)) < *result.TotalCount
	}

	queriesTotal.WithLabelValues(dialect, "ok").Inc()
	queryDuration.WithLabelValues(dialect).Observe(out.Elapsed.Seconds())
	return result, nil
}

// Stream translates the model and returns a row stream, plus the generated
// SQL. The stream's producer owns the driver and closes it when drained.
func (s *QueryService) Stream(ctx context.Context, model *query.Model) (*connector.RowStream, string, error) {
	drv, err := s.driverFor(model.Source.ConnectionID)
	if err != nil {
		return nil, "", err
	}

	var translator = query.NewTranslator(drv.Dialect())
	sql, err := translator.Translate(model)
	if err != nil {
		drv.Close()
		return nil, "", err
	}

	if err = drv.Connect(ctx); err != nil {
		drv.Close()
		return nil, "", err
	}

	inner, err := drv.StreamQuery(ctx, sql, nil)
	if err != nil {
		drv.Close()
		return nil, "", err
	}

	// Wrap the driver's stream so the driver closes once rows are drained.
	var stream = connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		defer drv.Close()
		for row := range inner.Rows() {
			if err := emit(row); err != nil {
				return err
			}
		}
		return inner.Err()
	})
	return stream, sql, nil
}

// Explain translates the model and asks the backend for its plan.
func (s *QueryService) Explain(ctx context.Context, model *query.Model) (*connector.Explanation, string, error) {
	drv, err := s.driverFor(model.Source.ConnectionID)
	if err != nil {
		return nil, "", err
	}
	defer drv.Close()

	var translator = query.NewTranslator(drv.Dialect())
	sql, err := translator.Translate(model)
	if err != nil {
		return nil, "", err
	}

	if err = drv.Connect(ctx); err != nil {
		return nil, "", err
	}
	plan, err := drv.Explain(ctx, sql, nil)
	if err != nil {
		return nil, "", err
	}
	return plan, sql, nil
}

// TestConnection probes an unsaved connection definition end to end.
func (s *QueryService) TestConnection(ctx context.Context, conn *connections.Connection) (bool, string) {
	drv, err := connector.New(conn)
	if err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	defer drv.Close()
	return drv.TestConnection(ctx)
}

// extractCount pulls the total from a count query's single row. Backends
// disagree on the column name casing and the numeric type of COUNT(*).
func extractCount(rows []connector.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("count query returned no rows")
	}
	for name, value := range rows[0] {
		if !strings.EqualFold(name, "count") {
			continue
		}
		if n, ok := asInt64(value); ok {
			return n, nil
		}
		return 0, fmt.Errorf("count column has non-numeric value %v", value)
	}
	// Fall back to the row's only value.
	if len(rows[0]) == 1 {
		for _, value := range rows[0] {
			if n, ok := asInt64(value); ok {
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("count query returned no count column")
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
