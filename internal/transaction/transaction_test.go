package transaction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringIdentifiers(t *testing.T) {
	tx, err := Parse([]byte(`{
		"trans_num": "abc123",
		"cc_num": "4242424242424242",
		"ssn": "123-45-6789",
		"acct_num": "987654",
		"merchant": "Acme Corp",
		"amt": 42.5,
		"category": "grocery",
		"city": "Springfield",
		"state": "TX",
		"unix_time": 1700000000
	}`))
	require.NoError(t, err)

	assert.Equal(t, "abc123", tx.TransNum)
	assert.Equal(t, "4242424242424242", tx.CCNum)
	assert.Equal(t, "123-45-6789", tx.SSN)
	assert.Equal(t, "Acme Corp", tx.Merchant)
	assert.Equal(t, 42.5, tx.Amount)
	assert.Equal(t, int64(1700000000), tx.UnixTime)
	assert.False(t, tx.HasCoords())
}

func TestParseNumericIdentifiers(t *testing.T) {
	// The upstream feed sometimes sends identifiers as bare numbers.
	tx, err := Parse([]byte(`{
		"trans_num": 991,
		"cc_num": 4242424242424242,
		"acct_num": 987654,
		"amt": 10,
		"unix_time": 1700000000
	}`))
	require.NoError(t, err)

	assert.Equal(t, "991", tx.TransNum)
	assert.Equal(t, "4242424242424242", tx.CCNum)
	assert.Equal(t, "987654", tx.AcctNum)
}

func TestParseMissingID(t *testing.T) {
	_, err := Parse([]byte(`{"amt": 10, "unix_time": 1700000000}`))
	assert.True(t, errors.Is(err, ErrMissingID))

	_, err = Parse([]byte(`{"trans_num": null, "amt": 10}`))
	assert.True(t, errors.Is(err, ErrMissingID))

	_, err = Parse([]byte(`{"trans_num": "", "amt": 10}`))
	assert.True(t, errors.Is(err, ErrMissingID))
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json at all`))
	assert.Error(t, err)
}

func TestHasCoords(t *testing.T) {
	tx, err := Parse([]byte(`{
		"trans_num": "t1",
		"lat": 40.7, "long": -74.0,
		"merch_lat": 40.8, "merch_long": -73.9
	}`))
	require.NoError(t, err)
	assert.True(t, tx.HasCoords())

	tx, err = Parse([]byte(`{"trans_num": "t1", "lat": 40.7, "long": -74.0}`))
	require.NoError(t, err)
	assert.False(t, tx.HasCoords())
}
