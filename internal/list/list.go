package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"brb/internal/job"
	"brb/internal/journal"
	"brb/internal/naming"
	"brb/internal/snapshot"
	"brb/internal/util"

	"github.com/dustin/go-humanize"
)

type SnapshotInfo struct {
	Name        string `json:"name"`
	Datetime    int64  `json:"datetime,omitempty"`
	DatetimeStr string `json:"datetime_str,omitempty"`
	Generation  uint64 `json:"generation,omitempty"`
}

type SubvolumeInfo struct {
	Subvolume    string         `json:"subvolume"`
	Source       []SnapshotInfo `json:"source"`
	Destination  []SnapshotInfo `json:"destination"`
	LastTransfer *journal.Entry `json:"last_transfer,omitempty"`
}

type Output struct {
	Job         string          `json:"job,omitempty"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Subvolumes  []SubvolumeInfo `json:"subvolumes"`
	Summary     struct {
		SourceSnapshots      int    `json:"source_snapshots"`
		DestinationSnapshots int    `json:"destination_snapshots"`
		TransferredBytes     int64  `json:"transferred_bytes"`
		TransferredSize      string `json:"transferred_size"`
	} `json:"summary"`
}

type Options struct {
	BaseDir string
	Job     *job.Job
	Env     *job.Env
}

// Collect lists the snapshots of every subvolume of the job on both sides
// together with the last recorded transfer.
func Collect(ctx context.Context, opts Options) (*Output, error) {
	j := opts.Job
	src, err := opts.Env.Open(ctx, j, j.Src)
	if err != nil {
		return nil, fmt.Errorf("failed to open source repository: %w", err)
	}
	dst, err := opts.Env.Open(ctx, j, j.Dst)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination repository: %w", err)
	}
	srcSnaps, err := src.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	dstSnaps, err := dst.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	store := journal.NewStore(util.JournalDir(opts.BaseDir))
	namer := opts.Env.Namer()
	out := &Output{
		Job:         j.Name,
		Source:      src.Path(),
		Destination: dst.Path(),
		Subvolumes:  []SubvolumeInfo{},
	}
	for _, subvolume := range j.Subvolumes {
		subvolume, err := util.RealPath(subvolume)
		if err != nil {
			return nil, err
		}
		base := namer.Base(subvolume)
		info := SubvolumeInfo{
			Subvolume:   subvolume,
			Source:      describe(namer, subvolume, srcSnaps.ForBase(base)),
			Destination: describe(namer, subvolume, dstSnaps.ForBase(base)),
		}
		if info.LastTransfer, err = store.Last(subvolume); err != nil {
			slog.Warn("Failed to read journal", "subvolume", subvolume, "error", err)
		}
		out.Subvolumes = append(out.Subvolumes, info)

		out.Summary.SourceSnapshots += len(info.Source)
		out.Summary.DestinationSnapshots += len(info.Destination)
		if info.LastTransfer != nil {
			out.Summary.TransferredBytes += info.LastTransfer.Bytes
		}
	}
	out.Summary.TransferredSize = humanize.Bytes(uint64(out.Summary.TransferredBytes))
	return out, nil
}

func describe(namer *naming.Namer, subvolume string, snaps snapshot.Index) []SnapshotInfo {
	infos := make([]SnapshotInfo, 0, len(snaps))
	for _, s := range snaps {
		info := SnapshotInfo{Name: s.Path()}
		if created, err := namer.Created(subvolume, s.Path()); err == nil {
			info.Datetime = created.Unix()
			info.DatetimeStr = created.Format(time.DateTime)
		}
		if gen, ok := s.Generation(); ok {
			info.Generation = gen
		}
		infos = append(infos, info)
	}
	return infos
}

func Run(ctx context.Context, opts Options, w io.Writer) error {
	out, err := Collect(ctx, opts)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
