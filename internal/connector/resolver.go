package connector

import (
	"fmt"
	"net/http"

	"github.com/triage-ai/toolgate/internal/registry"
)

// NewResolver returns the registry.HandlerResolver used at startup: every
// catalog entry with an endpoint becomes an HTTPConnector, wrapped with
// schema validation when the entry declares one and with preview-only dry
// runs when the collaborator does not support them.
func NewResolver(client *http.Client) registry.HandlerResolver {
	return func(e registry.CatalogEntry) (registry.Handler, error) {
		if e.Endpoint == "" {
			return nil, fmt.Errorf("no endpoint configured")
		}
		var h registry.Handler = NewHTTPConnector(e.Name, e.Endpoint, client)
		if !e.SupportsDryRun {
			h = PreviewOnly(e.Name, h)
		}
		if e.ArgumentSchema != nil {
			var err error
			h, err = WithSchema(e.Name, e.ArgumentSchema, h)
			if err != nil {
				return nil, err
			}
		}
		return h, nil
	}
}
