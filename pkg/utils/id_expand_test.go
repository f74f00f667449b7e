package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandIDs(t *testing.T) {
	ids, err := ExpandIDs("DRV-001")
	require.NoError(t, err)
	assert.Equal(t, []string{"DRV-001"}, ids)

	ids, err = ExpandIDs("DRV-[001-003]")
	require.NoError(t, err)
	assert.Equal(t, []string{"DRV-001", "DRV-002", "DRV-003"}, ids)

	ids, err = ExpandIDs("VEH-[8-10,12]")
	require.NoError(t, err)
	assert.Equal(t, []string{"VEH-8", "VEH-9", "VEH-10", "VEH-12"}, ids)

	ids, err = ExpandIDs("t[1-2]x")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1x", "t2x"}, ids)

	_, err = ExpandIDs("DRV-[3-1]")
	assert.Error(t, err)
	_, err = ExpandIDs("DRV-[a]")
	assert.Error(t, err)
}

func TestExpandIDsBounded(t *testing.T) {
	ids, err := ExpandIDs("DRV-[1-1000]")
	require.NoError(t, err)
	assert.Len(t, ids, MaxExpandedIDs)

	_, err = ExpandIDs("DRV-[1-999999999]")
	assert.Error(t, err)
	_, err = ExpandIDs("DRV-[1-1000,1001]")
	assert.Error(t, err)
	_, err = ExpandIDs("DRV-[1-600,700-1100]")
	assert.Error(t, err)
}

func TestIsRecordID(t *testing.T) {
	assert.True(t, IsRecordID("DRV-001"))
	assert.True(t, IsRecordID("VEH-6f1c2d0e-9b7a-4c1e-8a55-0d6b1e6a9f00"))
	assert.False(t, IsRecordID(""))
	assert.False(t, IsRecordID("-abc"))
	assert.False(t, IsRecordID("a/b"))
}
