package manager

import (
	"context"
	"fmt"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/client"
	"github.com/UnimibEsami/ditto/internal/connectivity/pipeline"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

// TestConnection runs the test flow for conn on a throwaway client: the
// transport is connected and disconnected again and the mapping is
// built, concurrently. Nothing is stored.
//
// Parameters:
//   - ctx: Bounds the wait for the reply
//   - registry: Source of the connection's facade
//   - cfg: Client template; its TestTimeout bounds the test
//   - conn: Connection to test
//
// Returns:
//   - connectivity.Reply: Success or failure of the test
//   - error: Validation, unsupported type or context errors
func TestConnection(ctx context.Context, registry *protocol.Registry, cfg client.Config, conn *connectivity.Connection) (connectivity.Reply, error) {
	if err := conn.Validate(); err != nil {
		return connectivity.Reply{}, err
	}
	facade, err := registry.New(conn, cfg.Logger)
	if err != nil {
		return connectivity.Reply{}, err
	}

	conn = conn.Clone()
	conn.DesiredStatus = connectivity.StatusClosed
	cfg.OnTransition = nil

	c := client.New(conn, facade, pipeline.DiscardSink{}, nil, cfg)
	c.Start()
	defer c.Stop()

	reply, err := c.Execute(ctx, connectivity.Command{
		Type:         connectivity.CommandTest,
		ConnectionID: conn.ID,
		Connection:   conn,
	})
	if err != nil {
		return connectivity.Reply{}, fmt.Errorf("testing connection %s: %w", conn.ID, err)
	}
	return reply, nil
}
