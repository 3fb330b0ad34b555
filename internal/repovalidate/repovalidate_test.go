package repovalidate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_StripsNestedGithubPrefix(t *testing.T) {
	owner, name, err := Canonicalize("https://github.com/https://github.com/acme/app.git")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "app", name)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"acme/app",
		"https://github.com/acme/app",
		"https://github.com/acme/app.git",
		"https://github.com/https://github.com/acme/app.git",
	}
	for _, in := range inputs {
		owner1, name1, err := Canonicalize(in)
		require.NoError(t, err)
		owner2, name2, err := Canonicalize(owner1 + "/" + name1)
		require.NoError(t, err)
		assert.Equal(t, owner1, owner2)
		assert.Equal(t, name1, name2)
	}
}

func TestCanonicalize_Malformed(t *testing.T) {
	_, _, err := Canonicalize("not-a-repo-ref")
	assert.ErrorIs(t, err, ErrInvalidRepository)
}

func TestValidate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/app", r.URL.Path)
		json.NewEncoder(w).Encode(Meta{DefaultBranch: "main"})
	}))
	defer srv.Close()

	v := New("")
	v.apiBase = srv.URL

	cloneURL, meta, err := v.Validate(context.Background(), "acme/app")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app.git", cloneURL)
	assert.Equal(t, "main", meta.DefaultBranch)
}

func TestValidate_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := New("")
	v.apiBase = srv.URL

	_, _, err := v.Validate(context.Background(), "acme/missing")
	assert.ErrorIs(t, err, ErrInvalidRepository)
}

func TestValidate_PrivateWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Meta{DefaultBranch: "main", Private: true})
	}))
	defer srv.Close()

	v := New("")
	v.apiBase = srv.URL

	_, _, err := v.Validate(context.Background(), "acme/secret")
	assert.ErrorIs(t, err, ErrInvalidRepository)
}
