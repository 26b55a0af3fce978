package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Licensing: Licensing{TokenKey: "secret", AdmissionMode: AdmissionLenient, SweepHour: 1}}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Licensing.TokenKey = " "
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Licensing.AdmissionMode = "optimistic"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Licensing.AdmissionMode = AdmissionStrict
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Licensing.SweepHour = 24
	require.Error(t, cfg.Validate())
}
