package registry

import (
	"log/slog"

	"github.com/basket/sqlcat/internal/dsn"
)

// Profile is a named database connection. Name is its identity.
type Profile struct {
	Name             string `json:"name"`
	ConnectionString string `json:"connectionString"`
	Type             string `json:"type,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
}

// DisplayType is the stored type or, when unset, the one inferred from the
// connection string.
func (p Profile) DisplayType() string {
	if p.Type != "" {
		return p.Type
	}
	if t := dsn.Infer(p.ConnectionString); t != dsn.Unknown {
		return string(t)
	}
	return "unknown"
}

// LogValue keeps credentials out of structured logs.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", p.Name),
		slog.String("type", p.DisplayType()),
		slog.String("connection", dsn.Redacted(p.ConnectionString)),
	)
}

func indexOf(profiles []Profile, name string) int {
	for i, p := range profiles {
		if p.Name == name {
			return i
		}
	}
	return -1
}
