package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is the connectivity probe surface of a database pool. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Postgres returns a checker that verifies the memory store's database is
// reachable.
func Postgres(pool Pinger) Checker {
	return Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}

// HTTPEndpoint returns a checker that verifies an HTTP dependency answers at
// all. Any HTTP status below 500 counts as reachable; the gateway cares
// about connectivity here, not the semantics of a particular route.
func HTTPEndpoint(name, url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach %s: %w", url, err)
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s returned %d", url, resp.StatusCode)
			}
			return nil
		},
	}
}
