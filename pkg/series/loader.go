package series

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
)

// LoadPatient scans root, classifies every candidate file, resolves the
// primary images into series and assembles the patient model. Per-file
// failures are absorbed and counted; the only hard failure is a scan that
// yields no primary images at all.
func (r *Resolver) LoadPatient(ctx context.Context, root string, progress Progress) (*Patient, error) {
	candidates, err := r.Gather(root)
	if err != nil {
		return nil, err
	}
	slog.Info("gathered candidate files", "root", root, "count", len(candidates))

	headers := r.scanHeaders(ctx, candidates, progress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summary dicomio.Summary
	var primaries []*dicomio.Header
	for _, h := range headers {
		if h == nil {
			summary.Add(dicomio.ClassInvalid)
			continue
		}
		c := dicomio.ClassifyHeader(h)
		summary.Add(c)
		if c == dicomio.ClassPrimary {
			primaries = append(primaries, h)
		}
	}

	slog.Info("classified candidate files",
		"primary", summary.Primary,
		"secondary", summary.Secondary,
		"non_image", summary.NonImage,
		"invalid", summary.Invalid)

	if len(primaries) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoImagesFound)
	}

	resolved, err := r.resolveHeaders(ctx, root, primaries)
	if err != nil {
		return nil, err
	}
	slog.Info("resolved primary series", "count", len(resolved))

	p := NewPatient()
	p.RootPath = root
	p.Series = resolved
	p.PrimaryCount = summary.Primary
	p.SecondaryCount = summary.Secondary
	p.NonImageCount = summary.NonImage
	p.InvalidCount = summary.Invalid

	first := primaries[0]
	p.PatientID = first.PatientID
	p.PatientName = first.PatientName
	p.PatientBirthDate = first.PatientBirthDate
	p.PatientSex = first.PatientSex
	p.StudyInstanceUID = first.StudyInstanceUID
	p.StudyDate = first.StudyDate
	p.StudyDescription = first.StudyDescription

	return p, nil
}

// scanHeaders reads headers across a bounded worker pool and joins before
// returning; grouping is not safely incremental, so the fan-in is complete
// before any series bookkeeping starts. The result is indexed like paths;
// unreadable files leave a nil slot.
func (r *Resolver) scanHeaders(ctx context.Context, paths []string, progress Progress) []*dicomio.Header {
	headers := make([]*dicomio.Header, len(paths))

	workers := r.cfg.Gather.ScanWorkers
	if workers < 1 {
		workers = 1
	}

	type task struct {
		idx  int
		path string
	}
	tasks := make(chan task)

	var done sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	for w := 0; w < workers; w++ {
		done.Add(1)
		go func() {
			defer done.Done()
			for t := range tasks {
				h, err := r.files.ReadHeader(t.path)
				if err != nil {
					slog.Warn("header scan failed", "path", t.path, "error", err)
				} else {
					headers[t.idx] = h
				}
				mu.Lock()
				completed++
				progress.Report("scanning", completed, len(paths))
				mu.Unlock()
			}
		}()
	}

	for i, path := range paths {
		if ctx.Err() != nil {
			break
		}
		tasks <- task{idx: i, path: path}
	}
	close(tasks)
	done.Wait()

	return headers
}
