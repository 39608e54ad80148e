package installer

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/state"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
	"github.com/tanq16/voxpull/internal/workerpool"
)

// attempt runs the five install phases once.
func (i *Installer) attempt(ctx context.Context, spec manifest.AssetSpec, log zerolog.Logger) error {
	download := i.downloadPath(spec)
	staging := spec.TargetPath + ".tmp"

	// transfer
	scheme := utils.Scheme(spec.URL)
	fetcher, ok := i.fetchers[scheme]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoFetcher, scheme)
	}
	transferStart := i.now()
	res, err := fetcher.Fetch(ctx, utils.TransferRequest{
		URL:          spec.URL,
		OutputPath:   download,
		ExpectedSize: spec.ExpectedSize,
		ProgressFunc: func(downloaded, total int64) {
			if total <= 0 {
				total = spec.ExpectedSize
			}
			var fraction float64
			if total > 0 {
				fraction = min(float64(downloaded)/float64(total), 1)
			}
			i.states.Progress(spec.Key, state.StatusDownloading, fraction*transferShare, downloaded, total)
		},
	})
	i.metrics.Transferred(res.BytesWritten)
	if err != nil {
		return fmt.Errorf("transfer of %s failed: %w", spec.Key, err)
	}
	speed := utils.FormatSpeed(res.BytesWritten, i.now().Sub(transferStart).Seconds())
	if res.Resumed {
		log.Debug().Msgf("Resumed transfer, %s new at %s", utils.FormatBytes(uint64(res.BytesWritten)), speed)
	} else {
		log.Debug().Msgf("Transferred %s at %s", utils.FormatBytes(uint64(res.BytesWritten)), speed)
	}
	size := res.TotalSize

	// pre-extraction validation
	vres := i.validator.ValidateDownload(download, spec.URL, spec.ExpectedSize, spec.SHA256)
	if !vres.OK {
		return vres.Err
	}
	expanded := size
	if vres.Format.IsArchive() {
		ares := i.validator.ValidateArchive(download, vres.Format)
		if !ares.OK {
			return ares.Err
		}
		expanded = ares.UncompressedBytes
		log.Debug().Msgf("Archive has %d entries, %s uncompressed", ares.Entries, utils.FormatBytes(uint64(ares.UncompressedBytes)))
	}
	i.states.Progress(spec.Key, state.StatusExtracting, transferShare, size, size)

	// extraction
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("error clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("error creating staging directory: %w", err)
	}
	ex := &extractor{
		ctx:   ctx,
		dst:   staging,
		limit: i.validator.Limits().MaxUncompressedBytes,
		progress: func(written int64) {
			if expanded > 0 {
				fraction := min(float64(written)/float64(expanded), 1)
				i.states.Progress(spec.Key, state.StatusExtracting, transferShare+fraction*extractShare, size, size)
			}
		},
		onLenient: func(err error) {
			log.Warn().Err(err).Msg("Strict tar decoding failed, retrying with lenient reader")
		},
	}
	if err := i.pool.Run(ctx, "extract "+spec.Key, func(context.Context) error {
		return ex.extract(download, vres.Format, validate.PayloadName(spec.URL))
	}); err != nil {
		return err
	}
	i.states.Progress(spec.Key, state.StatusExtracting, transferShare+extractShare, size, size)

	// post-extraction verification
	treeHash, err := workerpool.Submit(ctx, i.pool, "verify "+spec.Key, func(ctx context.Context) (string, error) {
		return verifyTree(ctx, staging, spec)
	}).Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	// marker, then publish
	sum := vres.SHA256
	if sum == "" {
		sum = unknownChecksum
	}
	marker := Marker{
		Key:         spec.Key,
		Version:     MarkerSchemaVersion,
		SHA256:      sum,
		InstalledAt: i.now(),
		TreeHash:    treeHash,
		Engine:      spec.Engine,
	}
	if err := writeMarker(staging, marker); err != nil {
		return err
	}
	if err := i.publish(staging, spec.TargetPath); err != nil {
		return err
	}
	if err := os.Remove(download); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Could not remove raw download after publish")
	}
	i.states.Ready(spec.Key, size)
	return nil
}
