package snowflake

import (
	"testing"

	"github.com/facet-io/facet/go/connections"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeConfig(t *testing.T) {
	var validConfig = config{
		Account:   "org-acct",
		User:      "youser",
		Password:  "shmassword",
		Database:  "ANALYTICS",
		Schema:    "PUBLIC",
		Warehouse: "COMPUTE_WH",
	}
	require.NoError(t, validConfig.Validate())

	dsn, err := validConfig.dsn()
	require.NoError(t, err)
	require.Contains(t, dsn, "org-acct")
	require.Contains(t, dsn, "ANALYTICS")
	require.Contains(t, dsn, "client_session_keep_alive=true")

	var noAccount = validConfig
	noAccount.Account = ""
	require.Error(t, noAccount.Validate(), "expected validation error")

	var noUser = validConfig
	noUser.User = ""
	require.Error(t, noUser.Validate(), "expected validation error")

	var noDatabase = validConfig
	noDatabase.Database = ""
	require.Error(t, noDatabase.Validate(), "expected validation error")
}

func TestSnowflakeConfigDefaults(t *testing.T) {
	var cfg = configFromConnection(connections.Config{
		"account":  "org-acct",
		"user":     "youser",
		"database": "ANALYTICS",
	})
	require.Equal(t, "PUBLIC", cfg.Schema)
	require.NoError(t, cfg.Validate())
}

func TestSnowflakeSampleDataSchema(t *testing.T) {
	var cfg = configFromConnection(connections.Config{
		"account":  "org-acct",
		"user":     "youser",
		"database": "SNOWFLAKE_SAMPLE_DATA",
	})
	require.True(t, cfg.sampleData())
	require.Equal(t, "TPCH_SF1", cfg.effectiveSchema())

	cfg.Schema = "TPCDS_SF10TCL"
	require.Equal(t, "TPCDS_SF10TCL", cfg.effectiveSchema())

	cfg.Database = "ANALYTICS"
	cfg.Schema = "PUBLIC"
	require.False(t, cfg.sampleData())
	require.Equal(t, "PUBLIC", cfg.effectiveSchema())
}

func TestSnowflakeTypeNormalization(t *testing.T) {
	for dataType, expect := range map[string]string{
		"INT":              "integer",
		"BIGINT":           "integer",
		"NUMBER(38,0)":     "integer",
		"NUMBER":           "number",
		"NUMBER(10,2)":     "number",
		"DECIMAL(10,2)":    "number",
		"FLOAT":            "number",
		"DOUBLE PRECISION": "number",
		"VARCHAR(255)":     "string",
		"TEXT":             "string",
		"BOOLEAN":          "boolean",
		"DATE":             "date",
		"TIMESTAMP_NTZ":    "timestamp",
		"VARIANT":          "json",
		"GEOGRAPHY":        "geography",
	} {
		require.Equal(t, expect, normalizeType(dataType), "type %q", dataType)
	}
}

func TestSnowflakeResultTypeNames(t *testing.T) {
	require.Equal(t, "number", resultTypeName("FIXED"))
	require.Equal(t, "number", resultTypeName("REAL"))
	require.Equal(t, "string", resultTypeName("TEXT"))
	require.Equal(t, "timestamp", resultTypeName("TIMESTAMP_TZ"))
	require.Equal(t, "boolean", resultTypeName("BOOLEAN"))
	require.Equal(t, "json", resultTypeName("OBJECT"))
}
