package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"image-compressor-go/internal/storage"

	"github.com/sirupsen/logrus"
)

// NoOutputReason is recorded for items that produced no output file.
const NoOutputReason = "no output produced"

// Produced is one output file found after execution.
type Produced struct {
	InputPath  string
	OutputPath string
	ModTime    time.Time
}

// Summary counts what reconciliation did.
type Summary struct {
	Paired        int
	Renamed       int
	RenameFailed  int
	Unpaired      int
	UnclaimedFile int
}

// Reconciler matches produced files back to metadata entries and applies canonical names.
type Reconciler struct {
	logger *logrus.Logger
}

func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// ByInput pairs outputs with entries through the input file each output was made from.
// reasons optionally maps an input path to the failure reported for it.
func (r *Reconciler) ByInput(entries []ImageMetadata, produced []Produced, reasons map[string]string) Summary {
	var sum Summary
	byInput := make(map[string]int, len(entries))
	for i := range entries {
		if entries[i].Staged() {
			byInput[entries[i].InputPath] = i
		}
	}

	paired := make(map[int]bool, len(produced))
	for _, p := range produced {
		i, ok := byInput[p.InputPath]
		if !ok || paired[i] {
			sum.UnclaimedFile++
			r.logger.WithField("file", filepath.Base(p.OutputPath)).Warn("Output does not belong to any submitted image")
			continue
		}
		paired[i] = true
		r.finalize(&entries[i], p.OutputPath, &sum)
	}

	for i := range entries {
		if !entries[i].Staged() || paired[i] {
			continue
		}
		reason := reasons[entries[i].InputPath]
		if reason == "" {
			reason = NoOutputReason
		}
		entries[i].MarkFailed(reason)
		sum.Unpaired++
	}
	return sum
}

// ByOrder pairs observed outputs position-for-position with staged entries in index order.
// observed must already be sorted by the caller's stable key.
func (r *Reconciler) ByOrder(entries []ImageMetadata, observed []Produced) Summary {
	var sum Summary
	SortByIndex(entries)

	next := 0
	for i := range entries {
		if !entries[i].Staged() {
			continue
		}
		if next >= len(observed) {
			entries[i].MarkFailed(NoOutputReason)
			sum.Unpaired++
			continue
		}
		r.finalize(&entries[i], observed[next].OutputPath, &sum)
		next++
	}

	for ; next < len(observed); next++ {
		sum.UnclaimedFile++
		r.logger.WithField("file", filepath.Base(observed[next].OutputPath)).Warn("More outputs than submitted images, leaving file unpaired")
	}
	return sum
}

// finalize records the observed output on the entry, renaming it to the canonical
// <original_stem>_compressed<ext>. A failed rename keeps the observed name.
func (r *Reconciler) finalize(entry *ImageMetadata, observedPath string, sum *Summary) {
	sum.Paired++
	log := r.logger.WithFields(logrus.Fields{
		"file":      entry.OriginalName,
		"operation": "reconcile",
	})

	final := observedPath
	canonical := CompressedName(entry.OriginalName, filepath.Ext(observedPath))
	if filepath.Base(observedPath) != canonical {
		target, err := storage.Dedupe(filepath.Join(filepath.Dir(observedPath), canonical))
		if err == nil {
			err = os.Rename(observedPath, target)
		}
		if err != nil {
			log.Warnf("Keeping output at %s, rename failed: %v", filepath.Base(observedPath), err)
			sum.RenameFailed++
		} else {
			final = target
			sum.Renamed++
		}
	}

	info, err := os.Stat(final)
	if err != nil {
		log.Errorf("Output vanished before it could be recorded: %v", err)
		entry.MarkFailed(fmt.Sprintf("stat output: %v", err))
		sum.Paired--
		sum.Unpaired++
		return
	}
	entry.MarkCompressed(final, info.Size())
}

// Observe lists output files in dir ordered by modification time, then name.
// Modification order is the closest portable stand-in for creation order and is not
// guaranteed to match submission order on every filesystem.
func Observe(dir string, keep func(name string) bool) ([]Produced, error) {
	files, err := storage.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Produced
	for _, f := range files {
		if keep != nil && !keep(filepath.Base(f)) {
			continue
		}
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		out = append(out, Produced{OutputPath: f, ModTime: info.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].OutputPath < out[j].OutputPath
	})
	return out, nil
}
