package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/bulk-ingest/internal/config"
	"github.com/Sternrassler/bulk-ingest/pkg/archive"
	"github.com/Sternrassler/bulk-ingest/pkg/download"
	"github.com/Sternrassler/bulk-ingest/pkg/mask"
)

// runArchive downloads one file per variable and day (or month), masks
// each with the land-sea mask and publishes the result.
func runArchive(args []string, out io.Writer) int {
	fs, path := newFlagSet("archive", "Download, mask and publish climate archive files.")
	from := fs.String("from", "", "First date, YYYY-MM-DD (default archive.from)")
	to := fs.String("to", "", "Last date, YYYY-MM-DD (default archive.to)")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args, func(c *config.Config) {
		if *from != "" {
			c.Archive.From = *from
		}
		if *to != "" {
			c.Archive.To = *to
		}
	})
	if a == nil {
		return code
	}
	defer a.Close()

	ac := a.cfg.Archive
	reqs, err := ac.Requests()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	retriever, err := archive.New(ac.Config, a.httpConfig("archive"), a.logger)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}

	var masker download.Masker
	if ac.Mask.File != "" {
		spec, err := mask.LoadSpec(ac.Mask.File, ac.Mask.Variable, ac.Mask.Fill)
		if err != nil {
			a.logger.Error().Err(err).Str("file", ac.Mask.File).Msg("Cannot load land-sea mask")
			return ExitInvalidArgs
		}
		fm, err := mask.NewFileMasker(spec, a.logger)
		if err != nil {
			a.logger.Error().Err(err).Msg("Invalid land-sea mask")
			return ExitInvalidArgs
		}
		masker = fm
	}

	pipeline, err := download.New(retriever, masker, download.Config{
		Dir:           ac.Dir,
		Cleanup:       ac.Cleanup,
		Pool:          a.cfg.Pool.Workerpool(),
		ReportPath:    ac.ReportPath,
		PublishPrefix: ac.PublishPrefix,
		Compress:      ac.Compress,
	}, a.logger)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}

	st, err := a.objectStore(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Object store unavailable")
		return ExitStorageError
	}
	if st != nil {
		pipeline.WithPublisher(st)
	}

	sum, err := pipeline.Run(ctx, reqs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, download.ErrInvalidRequest) {
			return ExitInvalidArgs
		}
		return ExitGeneralError
	}

	for _, art := range sum.Artifacts {
		target := art.MaskedPath
		if target == "" {
			target = art.RawPath
		}
		if art.ObjectKey != "" {
			target = art.ObjectKey
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", art.Unit, art.State, target)
	}
	fmt.Fprintf(out, "succeeded: %d, failed: %d\n", sum.Succeeded, sum.Failed)
	if sum.Failed > 0 {
		fmt.Fprintf(out, "failure report: %s\n", sum.ReportPath)
		return ExitPartialFailure
	}
	return ExitSuccess
}
