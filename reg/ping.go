package reg

import (
	"context"
	"fmt"

	"github.com/dierbei/imagesync/internal/reghttp"
)

// Ping verifies access to the registry v2 API.
func (reg *Reg) Ping(ctx context.Context, hostname string) error {
	req := &reghttp.Req{
		Host:   hostname,
		Method: "GET",
		Path:   "",
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to ping registry %s: %w", hostname, err)
	}
	defer resp.Close()

	return nil
}
