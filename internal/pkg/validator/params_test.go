package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"name": "count", "type": "integer", "required": true},
		map[string]interface{}{"name": "mode", "type": "enum", "enum": []interface{}{"fast", "slow"}, "default": "fast"},
		map[string]interface{}{"type": "string"},       // no name, skipped
		"not-an-object",                                 // skipped
		map[string]interface{}{"name": "anything_else"}, // untyped
	}

	specs := ParseSchema(raw)
	require.Len(t, specs, 3)

	assert.Equal(t, "count", specs[0].Name)
	assert.Equal(t, ParamTypeInt, specs[0].Type)
	assert.True(t, specs[0].Required)

	assert.Equal(t, "mode", specs[1].Name)
	assert.Equal(t, []string{"fast", "slow"}, specs[1].Enum)
	assert.Equal(t, "fast", specs[1].Default)

	assert.Equal(t, ParamTypeAny, specs[2].Type)
}

func TestValidateParams(t *testing.T) {
	schema := []ParamSpec{
		{Name: "count", Type: ParamTypeInt, Required: true},
		{Name: "label", Type: ParamTypeString, Default: "batch"},
		{Name: "mode", Type: ParamTypeEnum, Enum: []string{"fast", "slow"}},
		{Name: "tags", Type: ParamTypeArray},
	}

	t.Run("defaults applied, extras pass through", func(t *testing.T) {
		// JSON decoding yields float64 for all numbers.
		out, errs := ValidateParams(schema, map[string]interface{}{
			"count":  float64(3),
			"extra":  "untouched",
		})
		require.Empty(t, errs)
		assert.Equal(t, "batch", out["label"])
		assert.Equal(t, float64(3), out["count"])
		assert.Equal(t, "untouched", out["extra"])
	})

	t.Run("missing required", func(t *testing.T) {
		_, errs := ValidateParams(schema, map[string]interface{}{})
		require.Len(t, errs, 1)
		assert.Equal(t, "count", errs[0].Param)
		assert.Equal(t, "required", errs[0].Code)
	})

	t.Run("type mismatches", func(t *testing.T) {
		_, errs := ValidateParams(schema, map[string]interface{}{
			"count": 2.5,
			"label": 7,
			"mode":  "wrong",
			"tags":  "not-a-list",
		})
		require.Len(t, errs, 4)
		byParam := map[string]string{}
		for _, e := range errs {
			byParam[e.Param] = e.Code
		}
		assert.Equal(t, "type", byParam["count"])
		assert.Equal(t, "type", byParam["label"])
		assert.Equal(t, "enum", byParam["mode"])
		assert.Equal(t, "type", byParam["tags"])
	})

	t.Run("explicit null takes default", func(t *testing.T) {
		out, errs := ValidateParams(schema, map[string]interface{}{
			"count": float64(1),
			"label": nil,
		})
		require.Empty(t, errs)
		assert.Equal(t, "batch", out["label"])
	})
}
