// Package registry resolves client-supplied MCP server ids against the
// operator's server catalog. Clients never see URLs or tokens; they only
// name ids, and admin-gated entries resolve only for admin accounts.
package registry

import (
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/shilvister/loom/provider"
)

var (
	ErrUnknownServer = errors.New("registry: unknown mcp server")
	ErrForbidden     = errors.New("registry: mcp server requires admin")
)

// Server is one catalog entry.
type Server struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	AuthToken string `json:"authorization_token"`
	Admin     bool   `json:"admin"`
}

type Registry struct {
	servers map[string]Server
}

// Load reads the catalog from a JSON file keyed by server id.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from raw catalog JSON.
func Parse(data []byte) (*Registry, error) {
	var servers map[string]Server
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse mcp catalog: %w", err)
	}
	return &Registry{servers: servers}, nil
}

// Empty returns a registry with no entries; every resolve of a non-empty id
// list fails. Used when no catalog is configured.
func Empty() *Registry {
	return &Registry{servers: map[string]Server{}}
}

// Len reports the number of catalog entries.
func (r *Registry) Len() int { return len(r.servers) }

// Resolve maps ids to connectable servers. Unknown ids and admin-gated
// entries requested by non-admins fail the whole resolve, so a request
// either gets every server it asked for or none.
func (r *Registry) Resolve(ids []string, admin bool) ([]provider.McpServer, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	resolved := make([]provider.McpServer, 0, len(ids))
	for _, id := range ids {
		srv, ok := r.servers[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownServer, id)
		}
		if srv.Admin && !admin {
			return nil, fmt.Errorf("%w: %q", ErrForbidden, id)
		}
		resolved = append(resolved, provider.McpServer{
			URL:       srv.URL,
			Name:      srv.Name,
			AuthToken: srv.AuthToken,
		})
	}
	return resolved, nil
}
