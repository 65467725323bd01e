package persistence

import (
	"testing"
	"testing/fstest"

	"CentralLedger/internal/core"
	"CentralLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "000001", extractVersion("000001_participants.up.sql"))
	assert.Equal(t, "000012", extractVersion("000012_outbox.down.sql"))
	assert.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))
}

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	files := fstest.MapFS{
		"000002_transfers.up.sql":      {Data: []byte("SELECT 1")},
		"000001_participants.up.sql":   {Data: []byte("SELECT 1")},
		"000001_participants.down.sql": {Data: []byte("SELECT 1")},
		"embed.go":                     {Data: []byte("package migrations")},
		"nested/000003_x.up.sql":       {Data: []byte("SELECT 1")},
	}
	m := NewMigrator(nil, files)

	up, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_participants.up.sql", "000002_transfers.up.sql"}, up)

	down, err := m.listMigrationFiles(".down.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_participants.down.sql"}, down)
}

func TestDuplicateTable(t *testing.T) {
	table, err := duplicateTable(core.DuplicateFxTransferFulfil)
	require.NoError(t, err)
	assert.Equal(t, "fx_transfer_fulfilment_duplicate_check", table)

	_, err = duplicateTable(core.DuplicateKind("bulkTransfer"))
	assert.Error(t, err)
}

func TestSchemasCoverBothKinds(t *testing.T) {
	for _, kind := range []state.Kind{state.KindTransfer, state.KindFxTransfer} {
		sc, ok := schemas[kind]
		require.True(t, ok, kind.String())
		assert.NotEmpty(t, sc.stateChange)
		assert.NotEqual(t, sc.payerRole, sc.payeeRole)
	}
}

func TestBinSnapshot_LegsFor(t *testing.T) {
	snap := BinSnapshot{}
	assert.Nil(t, snap.LegsFor(state.KindTransfer, "t1"))
}
