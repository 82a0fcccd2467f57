package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
)

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	require.NoError(t, err)
	require.NoError(t, store.PutSecret(ctx, "k1", "issue_token", "sntrys_abc"))

	tokenFile := filepath.Join(t.TempDir(), "gh-token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("ghp_file_token\n"), 0600))
	t.Setenv("SELFHEAL_TEST_GH", "ghp_env_token")

	r := NewResolver(store)

	creds, err := r.Resolve(ctx, Config{
		IssueCredential:    SecretRef("k1", "issue_token"),
		CodeHostCredential: "file:" + tokenFile,
	})
	require.NoError(t, err)
	assert.Equal(t, "sntrys_abc", creds.IssueToken.Value())
	assert.Equal(t, "ghp_file_token", creds.CodeHostToken.Value())

	tok, err := r.ResolveRef(ctx, "env:SELFHEAL_TEST_GH")
	require.NoError(t, err)
	assert.Equal(t, "ghp_env_token", tok.Value())
}

func TestResolver_Errors(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	require.NoError(t, err)
	r := NewResolver(store)

	_, err = r.ResolveRef(ctx, "env:SELFHEAL_TEST_DEFINITELY_UNSET")
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = r.ResolveRef(ctx, "secret:k1/missing")
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = r.ResolveRef(ctx, "file:relative/path")
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = r.ResolveRef(ctx, "ghp_pasted_raw_token_by_mistake")
	require.ErrorIs(t, err, ErrInvalidReference)
	assert.NotContains(t, err.Error(), "ghp_pasted")
}

func TestParseRemoteURL(t *testing.T) {
	tests := []struct {
		url  string
		want issues.Repository
		ok   bool
	}{
		{"git@github.com:acme/api.git", issues.Repository{Owner: "acme", Name: "api"}, true},
		{"https://github.com/acme/api.git", issues.Repository{Owner: "acme", Name: "api"}, true},
		{"https://github.example.com/acme/api", issues.Repository{Owner: "acme", Name: "api"}, true},
		{"ssh://git@github.com/acme/web.git", issues.Repository{Owner: "acme", Name: "web"}, true},
		{"/local/path/repo", issues.Repository{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := ParseRemoteURL(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:acme/api.git"},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "internal", "pkg")
	require.NoError(t, os.MkdirAll(sub, 0755))

	got, err := DetectRepository(sub)
	require.NoError(t, err)
	assert.Equal(t, issues.Repository{Owner: "acme", Name: "api"}, got)

	_, err = DetectRepository(t.TempDir())
	assert.Error(t, err)
}
