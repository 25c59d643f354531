package schema

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/core/internal/ferrors"
)

func TestValidatePassesCompliantDoc(t *testing.T) {
	v := New("")
	doc := map[string]any{
		"id":         "map-1",
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-01T00:00:00Z",
		"status":     "active",
	}
	errs, err := v.Validate(doc, "map")
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateReportsMissingRequiredFields(t *testing.T) {
	v := New("")
	doc := map[string]any{"id": "map-1"}
	errs, err := v.Validate(doc, "map")
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsUnknownStatus(t *testing.T) {
	v := New("")
	doc := map[string]any{
		"id":         "map-1",
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-01T00:00:00Z",
		"status":     "not-a-real-status",
	}
	errs, err := v.Validate(doc, "map")
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestValidateOrThrowReturnsSchemaInvalidKind(t *testing.T) {
	v := New("")
	err := v.ValidateOrThrow(map[string]any{"id": "map-1"}, "map")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindSchemaInvalid, kind)
}

func TestCompileCachesSchema(t *testing.T) {
	v := New("")
	_, err := v.compile("map")
	require.NoError(t, err)
	assert.Len(t, v.schemas, 1)
	_, err = v.compile("map")
	require.NoError(t, err)
	assert.Len(t, v.schemas, 1)
}

func TestOverlayDirShadowsEmbeddedSchema(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/map.schema.json", `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["custom_field"]
	}`)

	v := New(dir)
	errs, err := v.Validate(map[string]any{}, "map")
	require.NoError(t, err)
	assert.NotEmpty(t, errs)

	errs, err = v.Validate(map[string]any{"custom_field": "x"}, "map")
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
