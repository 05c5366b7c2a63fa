package main

import (
	"io"

	"github.com/Sternrassler/bulk-ingest/pkg/ingest"
	"github.com/Sternrassler/bulk-ingest/pkg/sftpsource"
)

// runSFTP replaces a table with a CSV file read over SFTP.
func runSFTP(args []string, out io.Writer) int {
	fs, path := newFlagSet("sftp", "Replace a table with a CSV file read over SFTP.")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	sc := a.cfg.SFTP
	conn, err := sftpsource.Dial(ctx, sc.Config, a.logger)
	if err != nil {
		a.logger.Error().Err(err).Msg("SFTP connection failed")
		return ExitSourceUnavailable
	}
	defer conn.Close()

	pg, err := a.openStore(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitStorageError
	}
	defer pg.Close()

	snap, err := a.snapshotConfig(ctx, sc.Path, "", sc.SnapshotTable)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}
	sum, err := ingest.Snapshot(ctx, conn, pg, snap, a.logger)
	return report(out, sum, err)
}
