package series

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
)

// ErrNoImagesFound is returned when a directory scan yields zero primary
// images. It is the only directory-level hard failure; everything below it is
// absorbed per file with logging.
var ErrNoImagesFound = errors.New("no primary images found")

// Progress receives coarse stage updates during long operations. Callers on
// an interactive thread should offload the whole call rather than pump
// partial state. Report is the nil-safe invocation.
type Progress func(stage string, done, total int)

func (p Progress) Report(stage string, done, total int) {
	if p != nil {
		p(stage, done, total)
	}
}

// FileReader is the narrow decode surface the resolver needs.
type FileReader interface {
	ReadHeader(path string) (*dicomio.Header, error)
	ReadSlice(path string) *dicomio.RawSlice
}

// Resolver groups classified files into ordered series.
type Resolver struct {
	cfg   *config.Config
	files FileReader
}

// NewResolver builds a resolver over the given decode surface.
func NewResolver(cfg *config.Config, files FileReader) *Resolver {
	return &Resolver{cfg: cfg, files: files}
}

// Gather collects candidate file paths under root. A parseable directory
// index is preferred; otherwise the tree is walked and files at or above the
// configured byte floor are admitted regardless of extension, since DICOM
// files commonly have none.
func (r *Resolver) Gather(root string) ([]string, error) {
	indexPath := filepath.Join(root, r.cfg.Gather.IndexFileName)
	if _, err := os.Stat(indexPath); err == nil {
		refs, err := dicomio.ReadReferencedFileIDs(indexPath)
		if err != nil {
			slog.Warn("directory index parsing failed, falling back to walk",
				"path", indexPath, "error", err)
		} else if len(refs) > 0 {
			var candidates []string
			for _, rel := range refs {
				abs := filepath.Join(root, rel)
				if info, err := os.Stat(abs); err == nil && !info.IsDir() {
					candidates = append(candidates, abs)
				}
			}
			if len(candidates) > 0 {
				sort.Strings(candidates)
				return candidates, nil
			}
		}
	}

	var candidates []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || d.Name() == r.cfg.Gather.IndexFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() < r.cfg.Gather.MinFileBytes {
			return nil
		}
		candidates = append(candidates, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(candidates)
	return candidates, nil
}

// Resolve reads each path's header and groups the results into series. Files
// that fail header decode are skipped with a logged warning.
func (r *Resolver) Resolve(ctx context.Context, root string, paths []string, progress Progress) ([]*SeriesInfo, error) {
	headers := make([]*dicomio.Header, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := r.files.ReadHeader(path)
		if err != nil {
			slog.Warn("skipping unreadable header", "path", path, "error", err)
			continue
		}
		headers = append(headers, h)
		progress.Report("resolving", i+1, len(paths))
	}
	return r.resolveHeaders(ctx, root, headers)
}

// fileRef is one candidate file inside a series group.
type fileRef struct {
	path     string
	instance int
	location float64
}

// seriesGroup accumulates one series' files keyed by acquisition number.
type seriesGroup struct {
	first *dicomio.Header
	byAcq map[int][]fileRef
}

// resolveHeaders performs the grouping, 4D detection and ordering over
// already-parsed headers.
func (r *Resolver) resolveHeaders(ctx context.Context, root string, headers []*dicomio.Header) ([]*SeriesInfo, error) {
	groups := make(map[string]*seriesGroup)
	var order []string

	for _, h := range headers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		uid := h.SeriesInstanceUID
		if uid == "" {
			uid = "UNKNOWN"
		}

		g, ok := groups[uid]
		if !ok {
			g = &seriesGroup{first: h, byAcq: make(map[int][]fileRef)}
			groups[uid] = g
			order = append(order, uid)
		}

		// Files lacking the attribute pool under the synthetic acquisition 0.
		acq := 0
		if h.HasAcquisitionNumber {
			acq = h.AcquisitionNumber
		}
		g.byAcq[acq] = append(g.byAcq[acq], fileRef{
			path:     h.Path,
			instance: h.InstanceNumber,
			location: h.SliceLocation,
		})
	}

	out := make([]*SeriesInfo, 0, len(groups))
	for _, uid := range order {
		g := groups[uid]
		info := r.buildSeries(uid, root, g)
		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SeriesNumber != out[j].SeriesNumber {
			return out[i].SeriesNumber < out[j].SeriesNumber
		}
		return out[i].SeriesDescription < out[j].SeriesDescription
	})

	return out, nil
}

// buildSeries emits one SeriesInfo from an accumulated group. A series with
// more than one distinct acquisition number is time-resolved: each
// acquisition becomes one time point and the flat file list concatenates the
// time points in order, for preview use.
func (r *Resolver) buildSeries(uid, root string, g *seriesGroup) *SeriesInfo {
	h := g.first

	info := &SeriesInfo{
		SeriesInstanceUID:       uid,
		SeriesNumber:            h.SeriesNumber,
		SeriesDescription:       h.SeriesDescription,
		Modality:                h.Modality,
		ImageType:               h.ImageType,
		PixelSpacing:            h.PixelSpacing,
		SliceThickness:          h.SliceThickness,
		ImagePositionPatient:    h.Position,
		ImageOrientationPatient: h.Orientation,
		FrameOfReferenceUID:     h.FrameOfReferenceUID,
		WindowCenter:            h.WindowCenter,
		WindowWidth:             h.WindowWidth,
		IsSelected:              true,
		ShowVolume:              true,
	}
	if info.SeriesDescription == "" {
		info.SeriesDescription = "No Description"
	}

	acqs := make([]int, 0, len(g.byAcq))
	for acq := range g.byAcq {
		acqs = append(acqs, acq)
	}
	sort.Ints(acqs)

	var ordered []fileRef
	if len(acqs) > 1 {
		info.Is4D = true
		for _, acq := range acqs {
			refs := g.byAcq[acq]
			sortByInstance(refs)
			info.TimePoints = append(info.TimePoints, TimePoint{
				AcquisitionNumber: acq,
				FilePaths:         relPaths(root, refs),
				SliceCount:        len(refs),
			})
			ordered = append(ordered, refs...)
		}
		info.SeriesDescription = fmt.Sprintf("%s (%d time points)",
			info.SeriesDescription, len(info.TimePoints))
	} else {
		ordered = g.byAcq[acqs[0]]
		sortByInstance(ordered)
	}

	info.FilePaths = relPaths(root, ordered)
	info.SliceLocations = make([]float64, len(ordered))
	for i, ref := range ordered {
		info.SliceLocations[i] = ref.location
	}
	info.SliceCount = len(ordered)

	// One full decode of the first file establishes the true pixel
	// dimensions; header rows/cols are the fallback when that fails.
	info.Rows, info.Cols = h.Rows, h.Cols
	if len(ordered) > 0 {
		if s := r.files.ReadSlice(ordered[0].path); s != nil {
			info.Rows, info.Cols = s.Rows, s.Cols
		}
	}

	return info
}

func sortByInstance(refs []fileRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].instance < refs[j].instance
	})
}

func relPaths(root string, refs []fileRef) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		rel, err := filepath.Rel(root, ref.path)
		if err != nil {
			rel = ref.path
		}
		out[i] = rel
	}
	return out
}
