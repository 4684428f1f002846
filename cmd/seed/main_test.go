package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariants(t *testing.T) {
	got, err := parseVariants("adult:40, child:20,")
	require.NoError(t, err)
	assert.Equal(t, []variantTotal{{"adult", 40}, {"child", 20}}, got)

	_, err = parseVariants("adult")
	assert.Error(t, err)

	_, err = parseVariants("adult:many")
	assert.Error(t, err)
}
