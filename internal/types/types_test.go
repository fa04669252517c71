package types

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{in: "eth", want: NetworkETH},
		{in: " BNB ", want: NetworkBNB},
		{in: "Ftm", want: NetworkFTM},
		{in: "matic", want: NetworkMATIC},
		{in: "polygon", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNetwork(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	st, err := ParseOrderStatus("PAID")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, st)

	_, err = ParseOrderStatus("settled")
	assert.Error(t, err)
}

func TestOrderStatus_IsFailure(t *testing.T) {
	assert.True(t, StatusExpired.IsFailure())
	assert.True(t, StatusCanceled.IsFailure())
	assert.True(t, StatusInvalid.IsFailure())
	assert.True(t, StatusRefunded.IsFailure())
	assert.False(t, StatusPaid.IsFailure())
	assert.False(t, StatusPending.IsFailure())
	assert.False(t, StatusNew.IsFailure())
}

// Every network name round-trips through ParseNetwork regardless of case
func TestParseNetwork_CaseInsensitive(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("lower and upper case parse to the same network", prop.ForAll(
		func(i int) bool {
			n := AllNetworks[i]
			upper, err1 := ParseNetwork(string(n))
			lower, err2 := ParseNetwork(strings.ToLower(string(n)))
			return err1 == nil && err2 == nil && lower == upper && lower == n
		},
		gen.IntRange(0, len(AllNetworks)-1),
	))

	properties.TestingRun(t)
}

