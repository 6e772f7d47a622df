// Package conninfo decodes the opaque connection parameters carried by jobs and tasks.
package conninfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrMissingConnection indicates a task carried no connection parameters.
var ErrMissingConnection = errors.New("missing connection parameters")

// Params are the connection parameters a client submits for a database.
// Either URL or the discrete fields are set.
type Params struct {
	URL         string `json:"url,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        Port   `json:"port,omitempty"`
	User        string `json:"user,omitempty"`
	Password    string `json:"password,omitempty"`
	DBName      string `json:"dbname,omitempty"`
	Database    string `json:"database,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	SSLMode     string `json:"sslmode,omitempty"`
}

// Port accepts both a JSON number and a JSON string.
type Port int

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s: %w", data, err)
	}
	*p = Port(n)
	return nil
}

// Parse decodes raw connection parameters.
func Parse(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Params{}, ErrMissingConnection
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("failed to decode connection parameters: %w", err)
	}
	if p.URL == "" && p.Host == "" {
		return Params{}, fmt.Errorf("%w: host is required", ErrMissingConnection)
	}
	return p, nil
}

// DatabaseName returns dbname, falling back to database.
func (p Params) DatabaseName() string {
	if p.DBName != "" {
		return p.DBName
	}
	return p.Database
}

// Address returns host:port, using defaultPort when no port is set.
func (p Params) Address(defaultPort int) string {
	port := int(p.Port)
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// PostgresURL returns a postgres:// connection string.
func (p Params) PostgresURL() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Address(5432),
		Path:   "/" + p.DatabaseName(),
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{p.SSLMode}}.Encode()
	}
	return u.String()
}

// Key identifies the database the parameters point at, without the password.
func (p Params) Key() string {
	if p.URL != "" {
		if u, err := url.Parse(p.URL); err == nil {
			u.User = url.User(u.User.Username())
			return u.String()
		}
		return p.URL
	}
	return fmt.Sprintf("%s@%s/%s", p.User, p.Address(0), p.DatabaseName())
}
