// Package tsresolve resolves tablespace names to OIDs on the primary. It
// is the one piece of spec.md's design explicitly named as an external
// collaborator (resolve_tablespace_oids(conninfo, names) -> set<oid>); it
// opens its own short-lived connection and is side-effect free, matching
// the "no shared mutable state" resource model (spec §5).
package tsresolve

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Resolve looks up the OIDs for the named tablespaces, querying
// pg_tablespace on the primary over a fresh, short-lived connection
// built exactly as WbCCFindTablespaceOids builds it: dbname=postgres,
// no replication=true.
func Resolve(ctx context.Context, conninfo string, names []string, logger zerolog.Logger) (map[uint32]struct{}, error) {
	if len(names) == 0 {
		return nil, nil
	}

	conn, err := pgx.Connect(ctx, conninfo)
	if err != nil {
		return nil, fmt.Errorf("tsresolve: connect: %w", err)
	}
	defer conn.Close(ctx)

	oids := make(map[uint32]struct{}, len(names))
	for _, name := range names {
		var oid uint32
		err := conn.QueryRow(ctx, "SELECT oid FROM pg_tablespace WHERE spcname = $1", name).Scan(&oid)
		if err != nil {
			return nil, fmt.Errorf("tsresolve: resolve tablespace %q: %w", name, err)
		}
		oids[oid] = struct{}{}
		logger.Debug().Str("tablespace", name).Uint32("oid", oid).Msg("resolved tablespace")
	}
	return oids, nil
}
