package dnsx

import (
	"context"
	"fmt"
)

// NewMock answers every domain with servers, except those listed in missing.
func NewMock(servers []string, missing ...string) Client {
	m := &MockClient{servers: servers, missing: map[string]bool{}}
	for _, d := range missing {
		m.missing[d] = true
	}
	return m
}

type MockClient struct {
	servers []string
	missing map[string]bool
}

func (c *MockClient) Stop(ctx context.Context) error {
	return nil
}

func (c *MockClient) MX(domain string) ([]string, error) {
	if c.missing[domain] {
		return nil, fmt.Errorf("no mx records for %s: %w", domain, ErrNoMX)
	}
	return c.servers, nil
}
