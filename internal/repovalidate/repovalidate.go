// Package repovalidate resolves a user-supplied repository reference to a
// canonical clone URL, confirming existence against the code host's API.
package repovalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidRepository is returned when a reference cannot be canonicalized
// or does not exist on the code host.
var ErrInvalidRepository = errors.New("repovalidate: invalid repository")

const githubPrefix = "https://github.com/"

// Meta carries the code-host fields useful to downstream callers.
type Meta struct {
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// Validator resolves and confirms a repository reference against GitHub's
// REST API.
type Validator struct {
	httpClient *http.Client
	token      string
	apiBase    string
}

// New returns a Validator. token is optional; when set it raises GitHub's
// anonymous rate limit and allows validating private repositories.
func New(token string) *Validator {
	return &Validator{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		token:      token,
		apiBase:    "https://api.github.com",
	}
}

// Canonicalize normalizes a user-supplied reference to "owner/name" by
// stripping any number of leading github.com prefixes and a trailing ".git".
// It is idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(ref string) (owner, name string, err error) {
	r := strings.TrimSpace(ref)
	for strings.HasPrefix(r, githubPrefix) {
		r = strings.TrimPrefix(r, githubPrefix)
	}
	r = strings.TrimSuffix(r, ".git")
	r = strings.Trim(r, "/")

	parts := strings.Split(r, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q is not owner/name", ErrInvalidRepository, ref)
	}
	return parts[0], parts[1], nil
}

// Validate canonicalizes ref and confirms it exists (and, if private, that
// credentials were configured). It returns the canonical clone URL.
func (v *Validator) Validate(ctx context.Context, ref string) (cloneURL string, meta Meta, err error) {
	owner, name, err := Canonicalize(ref)
	if err != nil {
		return "", Meta{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s", v.apiBase, owner, name), nil)
	if err != nil {
		return "", Meta{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", Meta{}, fmt.Errorf("%w: %v", ErrInvalidRepository, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", Meta{}, fmt.Errorf("%w: %s/%s returned %d", ErrInvalidRepository, owner, name, resp.StatusCode)
	}

	var meta2 Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta2); err != nil {
		return "", Meta{}, fmt.Errorf("decode repository metadata: %w", err)
	}

	if meta2.Private && v.token == "" {
		return "", Meta{}, fmt.Errorf("%w: %s/%s is private and no credentials are configured", ErrInvalidRepository, owner, name)
	}

	return fmt.Sprintf("%s%s/%s.git", githubPrefix, owner, name), meta2, nil
}
