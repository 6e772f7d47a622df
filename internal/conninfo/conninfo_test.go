package conninfo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("numeric and string ports", func(t *testing.T) {
		p, err := Parse(json.RawMessage(`{"host":"db","port":5433,"user":"u","password":"p","dbname":"app"}`))
		require.NoError(t, err)
		assert.Equal(t, Port(5433), p.Port)

		p, err = Parse(json.RawMessage(`{"host":"db","port":"3306","database":"shop"}`))
		require.NoError(t, err)
		assert.Equal(t, Port(3306), p.Port)
		assert.Equal(t, "shop", p.DatabaseName())
	})

	t.Run("missing parameters", func(t *testing.T) {
		_, err := Parse(nil)
		assert.ErrorIs(t, err, ErrMissingConnection)

		_, err = Parse(json.RawMessage(`{"user":"u"}`))
		assert.ErrorIs(t, err, ErrMissingConnection)
	})

	t.Run("invalid port", func(t *testing.T) {
		_, err := Parse(json.RawMessage(`{"host":"db","port":"abc"}`))
		assert.Error(t, err)
	})
}

func TestPostgresURL(t *testing.T) {
	p := Params{Host: "db", User: "app", Password: "s3cr@t", DBName: "target", SSLMode: "disable"}

	assert.Equal(t, "postgres://app:s3cr%40t@db:5432/target?sslmode=disable", p.PostgresURL())
	assert.Equal(t, "postgres://x", Params{URL: "postgres://x", Host: "ignored"}.PostgresURL())
}

func TestKeyOmitsPassword(t *testing.T) {
	p := Params{Host: "db", Port: 5432, User: "app", Password: "secret", DBName: "target"}
	assert.Equal(t, "app@db:5432/target", p.Key())
	assert.NotContains(t, p.Key(), "secret")

	withURL := Params{URL: "postgres://app:secret@db:5432/target"}
	assert.Equal(t, "postgres://app@db:5432/target", withURL.Key())
}
