package repoconfig

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/codehost/codehosttest"
	"github.com/fyrsmithlabs/selfheal/internal/config"
)

var repo = codehost.Repo{Owner: "acme", Name: "shop"}

func TestParseYAML(t *testing.T) {
	o, err := ParseYAML([]byte(`
sentry:
  org: Acme
  token: sntrys_abc
  url: https://sentry.acme.dev/
  projects: [shop-api, " ", shop-web]
`))
	require.NoError(t, err)
	assert.Equal(t, "acme", o.Org)
	assert.Equal(t, config.Secret("sntrys_abc"), o.Token)
	assert.Equal(t, []string{"shop-api", "shop-web"}, o.Projects)
	assert.Equal(t, "https://sentry.acme.dev/api/0", o.Endpoint())
	assert.False(t, o.Empty())

	_, err = ParseYAML([]byte("sentry: [unclosed"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte(strings.Repeat("#", maxFileSize+1)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseSentryCLIRC(t *testing.T) {
	o, err := ParseSentryCLIRC([]byte(`
; sentry-cli settings
[defaults]
org = acme
url = https://sentry.acme.dev/api/0/

[auth]
token = "abc123"

[log]
level = info
`))
	require.NoError(t, err)
	assert.Equal(t, "acme", o.Org)
	assert.Equal(t, config.Secret("abc123"), o.Token)
	assert.Equal(t, "https://sentry.acme.dev/api/0", o.Endpoint())

	_, err = ParseSentryCLIRC([]byte("[defaults\norg=x"))
	assert.Error(t, err)
	_, err = ParseSentryCLIRC([]byte("[defaults]\norg"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Run("no files", func(t *testing.T) {
		host := codehosttest.New(map[string]string{"main.go": "package main\n"})
		o, err := Load(context.Background(), host, repo, "main")
		require.NoError(t, err)
		assert.Nil(t, o)
		assert.True(t, o.Empty())
	})

	t.Run("yaml wins over sentryclirc", func(t *testing.T) {
		host := codehosttest.New(map[string]string{
			FileName:    "sentry:\n  org: from-yaml\n",
			SentryCLIRC: "[defaults]\norg=from-rc\n[auth]\ntoken=rc-token\n",
		})
		o, err := Load(context.Background(), host, repo, "main")
		require.NoError(t, err)
		assert.Equal(t, "from-yaml", o.Org)
		assert.Equal(t, config.Secret("rc-token"), o.Token)
		assert.Equal(t, []string{FileName, SentryCLIRC}, o.Sources)
	})

	t.Run("fetch error", func(t *testing.T) {
		host := codehosttest.New(map[string]string{})
		host.Fail["FetchFile"] = &codehost.Error{Op: "FetchFile", Status: 503, Retryable: true, Err: errors.New("unavailable")}
		_, err := Load(context.Background(), host, repo, "main")
		require.Error(t, err)
		assert.True(t, codehost.IsTransient(err))
	})
}
