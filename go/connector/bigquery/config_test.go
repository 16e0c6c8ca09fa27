package bigquery

import (
	"testing"

	bq "cloud.google.com/go/bigquery"
	"github.com/facet-io/facet/go/connections"
	"github.com/stretchr/testify/require"
)

func TestBigQueryConfig(t *testing.T) {
	var validConfig = config{
		ProjectID:       "analytics-prod",
		CredentialsJSON: `{"type":"service_account","project_id":"analytics-prod"}`,
	}
	require.NoError(t, validConfig.Validate())

	var defaultCreds = validConfig
	defaultCreds.CredentialsJSON = ""
	require.NoError(t, defaultCreds.Validate())

	var noProject = validConfig
	noProject.ProjectID = ""
	require.Error(t, noProject.Validate(), "expected validation error")

	var badCreds = validConfig
	badCreds.CredentialsJSON = "not json at all"
	require.Error(t, badCreds.Validate(), "expected validation error")
}

func TestBigQueryDatasetProject(t *testing.T) {
	var d = &driver{cfg: configFromConnection(connections.Config{
		"project_id": "analytics-prod",
	})}
	require.Equal(t, "analytics-prod", d.datasetProject())

	d.cfg.DatasetProjectID = "bigquery-public-data"
	require.Equal(t, "bigquery-public-data", d.datasetProject())
}

func TestBigQueryTypeNormalization(t *testing.T) {
	for fieldType, expect := range map[string]string{
		"INTEGER":    "integer",
		"INT64":      "integer",
		"FLOAT":      "number",
		"NUMERIC":    "number",
		"STRING":     "string",
		"BYTES":      "string",
		"BOOLEAN":    "boolean",
		"TIMESTAMP":  "timestamp",
		"DATETIME":   "timestamp",
		"DATE":       "date",
		"RECORD":     "json",
		"GEOGRAPHY":  "geography",
	} {
		require.Equal(t, expect, normalizeType(fieldType), "type %q", fieldType)
	}
}

func TestBigQueryValueNormalization(t *testing.T) {
	require.Equal(t, int64(7), normalizeValue(int64(7)))
	require.Equal(t, "plain", normalizeValue("plain"))
	require.JSONEq(t, `{"city":"Lyon"}`, normalizeValue(map[string]bq.Value{"city": "Lyon"}).(string))
	require.JSONEq(t, `[1,2]`, normalizeValue([]bq.Value{1, 2}).(string))
}
