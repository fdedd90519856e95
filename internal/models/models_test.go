package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestInstanceStatus_Finalized(t *testing.T) {
	assert.False(t, StatusIncomplete.Finalized())
	assert.True(t, StatusComplete.Finalized())
	assert.True(t, StatusSubmitted.Finalized())
	assert.True(t, StatusSubmissionFailed.Finalized())
}

func TestInstance_CopyIsIndependent(t *testing.T) {
	orig := &Instance{DbID: 7, GeometryType: strPtr("Point"), Geometry: strPtr("{}")}
	c := orig.Copy()
	c.ClearGeometry()

	require.NotNil(t, orig.GeometryType)
	assert.Equal(t, "Point", *orig.GeometryType)
	assert.Nil(t, c.Geometry)
	assert.Equal(t, int64(7), c.DbID)
}

func TestForm_Overrides(t *testing.T) {
	f := &Form{}
	assert.True(t, f.AutoSendEnabled(true))
	assert.False(t, f.AutoDeleteEnabled(false))

	f.AutoSend = strPtr("false")
	f.AutoDelete = strPtr("true")
	assert.False(t, f.AutoSendEnabled(true))
	assert.True(t, f.AutoDeleteEnabled(false))

	f.AutoSend = strPtr("garbage")
	assert.True(t, f.AutoSendEnabled(true))
}

func TestForm_IsEncrypted(t *testing.T) {
	assert.False(t, (&Form{}).IsEncrypted())
	assert.True(t, (&Form{BASE64RSAPublicKey: "MIIB"}).IsEncrypted())
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Household survey", "Household survey"},
		{"a/b:c", "a_b_c"},
		{"  spaced \t out  ", "spaced out"},
		{"", "instance"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), tt.in)
	}
}
