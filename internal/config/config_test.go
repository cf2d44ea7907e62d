package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDomainTeams(t *testing.T) {
	got := ParseDomainTeams("core:ENG|INFRA,growth: WEB | MKT ,broken,empty:")
	assert.Equal(t, map[string][]string{
		"core":   {"ENG", "INFRA"},
		"growth": {"MKT", "WEB"},
	}, got)

	assert.Nil(t, ParseDomainTeams(""))
	assert.Nil(t, ParseDomainTeams("  "))
	assert.Nil(t, ParseDomainTeams("nocolon"))
}

func TestDomainNamesDeterministic(t *testing.T) {
	c := Config{DomainTeams: map[string][]string{"zeta": {"Z"}, "alpha": {"A"}, "mid": {"M"}}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, c.DomainNames())
	assert.Empty(t, Config{}.DomainNames())
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []string{"SEC", "GRO"}, parseStrings("SEC, GRO,"))
	assert.Nil(t, parseStrings(""))
	assert.Equal(t, []int64{-100123, 42}, parseInt64s("-100123, 42, junk"))
}
