// Package bigquery implements the Google BigQuery backend.
package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	"github.com/facet-io/facet/go/query"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxConcurrentCalls bounds in-flight BigQuery calls per driver instance.
const maxConcurrentCalls = 5

func init() {
	connector.Register("bigquery", func(conn *connections.Connection) (connector.Connector, error) {
		var cfg = configFromConnection(conn.Config)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("bigquery configuration: %w", err)
		}
		return &driver{cfg: cfg, calls: semaphore.NewWeighted(maxConcurrentCalls)}, nil
	})
}

// config is the endpoint configuration for bigquery. CredentialsJSON holds
// the service-account key document; when empty, application default
// credentials apply. DatasetID optionally restricts metadata listing to one
// dataset, and DatasetProjectID redirects dataset lookups to another project
// (public sample datasets).
type config struct {
	ProjectID        string
	CredentialsJSON  string
	DatasetID        string
	DatasetProjectID string
}

func configFromConnection(c connections.Config) *config {
	return &config{
		ProjectID:        c.GetString("project_id"),
		CredentialsJSON:  c.GetString("credentials_json"),
		DatasetID:        c.GetString("dataset_id"),
		DatasetProjectID: c.GetString("dataset_project_id"),
	}
}

// Validate the configuration.
func (c *config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("missing 'project_id'")
	}
	if c.CredentialsJSON != "" && !json.Valid([]byte(c.CredentialsJSON)) {
		return fmt.Errorf("'credentials_json' is not valid JSON")
	}
	return nil
}

type driver struct {
	cfg    *config
	calls  *semaphore.Weighted
	client *bq.Client
}

func (d *driver) Connect(ctx context.Context) error {
	if d.client != nil {
		return nil
	}

	log.WithField("project", d.cfg.ProjectID).Info("connecting to bigquery")

	var opts []option.ClientOption
	if d.cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(d.cfg.CredentialsJSON)))
	}
	client, err := bq.NewClient(ctx, d.cfg.ProjectID, opts...)
	if err != nil {
		return fmt.Errorf("connecting to bigquery: %w", err)
	}
	d.client = client
	return nil
}

// acquire bounds concurrent backend calls so one driver instance cannot
// monopolize the gateway.
func (d *driver) acquire(ctx context.Context) (release func(), err error) {
	if err = d.calls.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.calls.Release(1) }, nil
}

func (d *driver) TestConnection(ctx context.Context) (bool, string) {
	if err := d.Connect(ctx); err != nil {
		return false, fmt.Sprintf("Connection failed: %v", err)
	}

	it, err := d.client.Query("SELECT 1").Read(ctx)
	if err == nil {
		var row []bq.Value
		for {
			if nextErr := it.Next(&row); nextErr == iterator.Done {
				break
			} else if nextErr != nil {
				err = nextErr
				break
			}
		}
	}
	if err != nil {
		log.WithField("err", err).Error("bigquery connection test failed")
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	return true, fmt.Sprintf("Connection successful. Connected to project: %s", d.cfg.ProjectID)
}

// datasetProject is the project datasets are enumerated from, which differs
// from the billing project for public sample data.
func (d *driver) datasetProject() string {
	if d.cfg.DatasetProjectID != "" {
		return d.cfg.DatasetProjectID
	}
	return d.cfg.ProjectID
}

// GetMetadata enumerates every dataset of the project (restricted to
// DatasetID when configured) and lists each dataset's tables and schemas.
func (d *driver) GetMetadata(ctx context.Context) (*connector.Metadata, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	log.WithField("project", d.datasetProject()).Info("fetching bigquery metadata")

	var datasetIDs []string
	var it = d.client.DatasetsInProject(ctx, d.datasetProject())
	for {
		ds, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("listing datasets: %w", err)
		}
		if d.cfg.DatasetID != "" && ds.DatasetID != d.cfg.DatasetID {
			continue
		}
		datasetIDs = append(datasetIDs, ds.DatasetID)
	}

	var out = new(connector.Metadata)
	for _, datasetID := range datasetIDs {
		var dataset = d.client.DatasetInProject(d.datasetProject(), datasetID)
		var tables = dataset.Tables(ctx)
		for {
			table, err := tables.Next()
			if err == iterator.Done {
				break
			} else if err != nil {
				return nil, fmt.Errorf("listing tables of %s: %w", datasetID, err)
			}

			meta, err := table.Metadata(ctx)
			if err != nil {
				return nil, fmt.Errorf("reading metadata of %s.%s: %w", datasetID, table.TableID, err)
			}

			var fullName = datasetID + "." + table.TableID
			var tableType = "table"
			if meta.Type == bq.ViewTable {
				tableType = "view"
			}
			out.Tables = append(out.Tables, metadata.Table{
				Name:        fullName,
				SchemaName:  datasetID,
				Description: meta.Description,
				Type:        tableType,
				RowCount:    int64(meta.NumRows),
				Explorable:  true,
			})

			for _, field := range meta.Schema {
				out.Columns = append(out.Columns, metadata.Column{
					Name:        field.Name,
					TableName:   fullName,
					DataType:    normalizeType(string(field.Type)),
					Nullable:    !field.Required,
					Description: field.Description,
					// BigQuery has no primary keys.
					PrimaryKey: false,
					Explorable: true,
				})
			}
		}
	}

	return out, nil
}

// normalizeType maps a bigquery field type into the common type vocabulary.
func normalizeType(fieldType string) string {
	switch strings.ToLower(fieldType) {
	case "integer", "int64":
		return "integer"
	case "float", "float64", "numeric", "bignumeric":
		return "number"
	case "string", "bytes":
		return "string"
	case "boolean", "bool":
		return "boolean"
	case "timestamp", "datetime", "time":
		return "timestamp"
	case "date":
		return "date"
	case "record", "struct":
		return "json"
	default:
		return strings.ToLower(fieldType)
	}
}

// normalizeValue converts nested records and repeated fields to JSON text so
// every row value is JSON-representable.
func normalizeValue(v bq.Value) any {
	switch value := v.(type) {
	case map[string]bq.Value, []bq.Value:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(raw)
	default:
		return v
	}
}

func (d *driver) runQuery(ctx context.Context, sql string) (*bq.RowIterator, error) {
	var q = d.client.Query(sql)
	// Nested results stay nested; the query cache remains enabled.
	q.DisableFlattenedResults = true
	return q.Read(ctx)
}

func substitute(sql string, params map[string]any) string {
	return connector.SubstituteParams(sql, params, func(key string) string {
		return "@" + key
	})
}

func (d *driver) ExecuteQuery(ctx context.Context, sql string, params map[string]any) (*connector.QueryOutput, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var started = time.Now()
	it, err := d.runQuery(ctx, substitute(sql, params))
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var out = new(connector.QueryOutput)
	for {
		var row map[string]bq.Value
		err = it.Next(&row)
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		var converted = make(connector.Row, len(row))
		for name, value := range row {
			converted[name] = normalizeValue(value)
		}
		out.Rows = append(out.Rows, converted)
	}

	for _, field := range it.Schema {
		out.Columns = append(out.Columns, query.ColumnInfo{
			Name: field.Name,
			Type: strings.ToLower(string(field.Type)),
		})
	}

	out.Elapsed = time.Since(started)
	return out, nil
}

func (d *driver) StreamQuery(ctx context.Context, sql string, params map[string]any) (*connector.RowStream, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}

	return connector.NewRowStream(ctx, func(emit func(connector.Row) error) error {
		release, err := d.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		it, err := d.runQuery(ctx, substitute(sql, params))
		if err != nil {
			return fmt.Errorf("executing streaming query: %w", err)
		}
		for {
			var row map[string]bq.Value
			err = it.Next(&row)
			if err == iterator.Done {
				return nil
			} else if err != nil {
				return fmt.Errorf("reading row: %w", err)
			}
			var converted = make(connector.Row, len(row))
			for name, value := range row {
				converted[name] = normalizeValue(value)
			}
			if err = emit(converted); err != nil {
				return err
			}
		}
	}), nil
}

func (d *driver) Explain(ctx context.Context, sql string, params map[string]any) (*connector.Explanation, error) {
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	it, err := d.runQuery(ctx, "EXPLAIN "+substitute(sql, params))
	if err != nil {
		return nil, fmt.Errorf("explaining query: %w", err)
	}

	var details = make(map[string]any)
	for {
		var row map[string]bq.Value
		err = it.Next(&row)
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading plan row: %w", err)
		}
		for name, value := range row {
			details[name] = normalizeValue(value)
		}
	}

	return &connector.Explanation{Plan: details, Details: details}, nil
}

func (d *driver) Dialect() query.Dialect { return query.BigQuery }

func (d *driver) Close() error {
	if d.client == nil {
		return nil
	}
	var err = d.client.Close()
	d.client = nil
	if err != nil {
		log.WithField("err", err).Error("error closing bigquery client")
	}
	return err
}
