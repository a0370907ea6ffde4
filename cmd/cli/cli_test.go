package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/errors"
)

// writeConfig points the CLI at a SQLite file so state survives across invocations.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`storage:
  driver: sqlite
database:
  sqlite_path: %s
jwt:
  signing_key: cli-test-secret
`, filepath.Join(dir, "keystore.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, cfgPath string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeKey(t *testing.T, out string) *models.Key {
	t.Helper()
	var key models.Key
	require.NoError(t, json.Unmarshal([]byte(out), &key), out)
	return &key
}

func TestKeysLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, cfg, nil, "keys", "create", "u1", "c1",
		"--scope", "orders=write,read", "--attr", "agencyCode=A")
	require.NoError(t, err)
	created := decodeKey(t, out)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, "A", created.Attributes["agencyCode"])
	require.Len(t, created.AuthToken.Scope, 1)
	assert.Equal(t, []string{"read", "write"}, created.AuthToken.Scope[0].Verbs)
	require.NotNil(t, created.RefToken)

	out, err = execute(t, cfg, nil, "keys", "get", "u1", "c1")
	require.NoError(t, err)
	assert.True(t, created.Equal(decodeKey(t, out)))

	out, err = execute(t, cfg, nil, "keys", "get", "--token", created.AuthToken.Value)
	require.NoError(t, err)
	assert.True(t, created.Equal(decodeKey(t, out)))

	out, err = execute(t, cfg, nil, "keys", "refresh", "--token", created.RefToken.Value)
	require.NoError(t, err)
	refreshed := decodeKey(t, out)
	assert.NotEqual(t, created.AuthToken.Value, refreshed.AuthToken.Value)

	_, err = execute(t, cfg, nil, "keys", "get", "--token", created.AuthToken.Value)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	out, err = execute(t, cfg, nil, "keys", "revoke", "u1", "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"revoked":1}`, out)

	_, err = execute(t, cfg, nil, "keys", "get", "u1", "c1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestKeysListAndBulkRevoke(t *testing.T) {
	cfg := writeConfig(t)
	for _, id := range []struct{ user, client, agency string }{
		{"u1", "c1", "A"}, {"u1", "c2", "B"}, {"u2", "c1", "A"},
	} {
		_, err := execute(t, cfg, nil, "keys", "create", id.user, id.client, "--attr", "agencyCode="+id.agency)
		require.NoError(t, err)
	}

	list := func(args ...string) dto.KeyPageResponse {
		t.Helper()
		out, err := execute(t, cfg, nil, append([]string{"keys", "list"}, args...)...)
		require.NoError(t, err)
		var page dto.KeyPageResponse
		require.NoError(t, json.Unmarshal([]byte(out), &page), out)
		return page
	}

	assert.EqualValues(t, 3, list().Pagination.Total)
	assert.EqualValues(t, 2, list("--user", "u1").Pagination.Total)
	assert.EqualValues(t, 2, list("--agency", "A").Pagination.Total)

	page := list("--client", "c1", "--param", "fields=userId,clientId", "--param", "sortBy=userId", "--param", "sortOrder=desc")
	require.Len(t, page.Items, 2)
	assert.Equal(t, map[string]interface{}{"userId": "u2", "clientId": "c1"}, page.Items[0])
	assert.Equal(t, map[string]interface{}{"userId": "u1", "clientId": "c1"}, page.Items[1])

	_, err := execute(t, cfg, nil, "keys", "list", "--user", "u1", "--client", "c1")
	assert.True(t, errors.Is(err, errors.ErrBadParameter))

	out, err := execute(t, cfg, nil, "keys", "revoke", "--all-agency", "A")
	require.NoError(t, err)
	assert.JSONEq(t, `{"revoked":2}`, out)
	assert.EqualValues(t, 1, list().Pagination.Total)
}

func TestJWTCommands(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, cfg, nil, "keys", "create", "u1", "c1")
	require.NoError(t, err)
	created := decodeKey(t, out)

	out, err = execute(t, cfg, nil, "jwt", "encode", "u1", "c1")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	assert.Len(t, strings.Split(token, "."), 3)

	out, err = execute(t, cfg, strings.NewReader(token+"\n"), "jwt", "decode", "-")
	require.NoError(t, err)
	assert.True(t, created.Equal(decodeKey(t, out)))

	_, err = execute(t, cfg, nil, "keys", "revoke", "u1", "c1")
	require.NoError(t, err)

	out, err = execute(t, cfg, nil, "jwt", "import", token)
	require.NoError(t, err)
	assert.True(t, created.Equal(decodeKey(t, out)))

	out, err = execute(t, cfg, nil, "keys", "get", "u1", "c1")
	require.NoError(t, err)
	assert.True(t, created.Equal(decodeKey(t, out)))

	_, err = execute(t, cfg, nil, "jwt", "decode", "not-a-token")
	assert.True(t, errors.Is(err, errors.ErrClaimsParsingFailure))
}

func TestArgumentValidation(t *testing.T) {
	cfg := writeConfig(t)
	cases := []struct {
		name string
		args []string
		want error
	}{
		{"get without identity", []string{"keys", "get"}, errors.ErrMissingIdentity},
		{"get with token and identity", []string{"keys", "get", "u1", "c1", "--token", "x"}, errors.ErrBadParameter},
		{"malformed param", []string{"keys", "list", "--param", "sortBy"}, errors.ErrBadParameter},
		{"malformed scope", []string{"keys", "create", "u1", "c1", "--scope", "orders"}, errors.ErrBadParameter},
		{"two bulk constraints", []string{"keys", "revoke", "--all-user", "u1", "--all-client", "c1"}, errors.ErrBadParameter},
		{"bulk with identity", []string{"keys", "revoke", "u1", "c1", "--all-user", "u1"}, errors.ErrBadParameter},
		{"empty stdin token", []string{"jwt", "decode", "-"}, errors.ErrClaimsParsingFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, cfg, strings.NewReader(""), tc.args...)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
