package fl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientTrainingErrorUnwraps(t *testing.T) {
	cause := errors.New("loss diverged")
	err := &ClientTrainingError{ClientID: 3, Phase: "train", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "client 3 train failed: loss diverged", err.Error())
}

func TestConfigf(t *testing.T) {
	err := Configf("fraction", "must be in (0, 1], got %v", 1.5)

	var cfgErr *ConfigurationError
	assert.True(t, errors.As(error(err), &cfgErr))
	assert.Equal(t, "invalid configuration fraction: must be in (0, 1], got 1.5", err.Error())
}

func TestRoundReportHelpers(t *testing.T) {
	r := RoundReport{
		Clients: []ClientReport{
			{ClientID: 4},
			{ClientID: 1, Err: "boom"},
			{ClientID: 2},
		},
	}

	assert.Equal(t, []int{4, 1, 2}, r.Selected())
	assert.Equal(t, []int{1}, r.FailedIDs())
}
