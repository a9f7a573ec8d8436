package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	p := NewFromConfigString("policy=proportional,verbose,alpha=0.5")
	assert.Equal(t, Params{"policy": "proportional", "verbose": "", "alpha": "0.5"}, p)
	assert.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	p := NewFromConfigString("name=even,count=3,rate=0.25,flag,off=false")

	name, err := GetParamOr(p, "name", "default")
	require.NoError(t, err)
	assert.Equal(t, "even", name)

	count, err := GetParamOr(p, "count", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	rate, err := GetParamOr(p, "rate", float32(1))
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), rate)

	flag, err := GetParamOr(p, "flag", false)
	require.NoError(t, err)
	assert.True(t, flag, "a bare key reads as true")

	off, err := GetParamOr(p, "off", true)
	require.NoError(t, err)
	assert.False(t, off)

	missing, err := GetParamOr(p, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, missing)

	_, err = GetParamOr(p, "name", 1)
	assert.Error(t, err, "non-numeric value fails int parsing")
}

func TestPopParamOr(t *testing.T) {
	p := NewFromConfigString("policy=even,extra=1")
	policy, err := PopParamOr(p, "policy", "")
	require.NoError(t, err)
	assert.Equal(t, "even", policy)
	assert.Equal(t, Params{"extra": "1"}, p, "popped key is removed, leftovers remain")
}
