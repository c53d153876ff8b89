package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"image-compressor-go/internal/diagnostics"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/settings"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/transport"

	"golang.org/x/sync/errgroup"
)

// EncodedImage is a stored image framed for a UI.
type EncodedImage struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Settings returns the persisted settings, or defaults when none are saved.
func (p *Pipeline) Settings() (settings.AppSettings, error) {
	s, err := p.settings.Load()
	if err != nil {
		return settings.AppSettings{}, stageErr(StageSettings, err)
	}
	return s, nil
}

// SaveSettings validates and persists s. It takes effect on the next batch.
func (p *Pipeline) SaveSettings(s settings.AppSettings) error {
	if err := p.settings.Save(s); err != nil {
		return stageErr(StageSettings, err)
	}
	p.logger.WithField("operation", "settings").Infof("Saved settings (method=%s, quality=%.0f)", s.Method, s.CompressionQuality)
	return nil
}

// Metadata returns the metadata of the last batch in submission order.
func (p *Pipeline) Metadata() ([]metadata.ImageMetadata, error) {
	entries, err := p.metadata.Load()
	if err != nil {
		return nil, stageErr(StageMetadata, err)
	}
	return entries, nil
}

// Diagnostics re-derives the report of the last batch from its stored metadata.
func (p *Pipeline) Diagnostics() (diagnostics.Report, error) {
	entries, err := p.Metadata()
	if err != nil {
		return diagnostics.Report{}, err
	}
	produced := 0
	for _, e := range entries {
		if e.Succeeded() {
			produced++
		}
	}
	return diagnostics.Diagnose(len(entries), produced), nil
}

// OriginalImages returns every staged input as a data URL.
func (p *Pipeline) OriginalImages() ([]EncodedImage, error) {
	return encodeDir(p.layout, storage.RoleInput)
}

// CompressedImages returns every output file as a data URL.
func (p *Pipeline) CompressedImages() ([]EncodedImage, error) {
	return encodeDir(p.layout, storage.RoleOutput)
}

func encodeDir(layout *storage.Layout, role storage.Role) ([]EncodedImage, error) {
	files, err := layout.ListFiles(role)
	if err != nil {
		return nil, err
	}
	images := make([]EncodedImage, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		data, err := transport.EncodeFile(f)
		if err != nil {
			return nil, err
		}
		images = append(images, EncodedImage{Name: filepath.Base(f), Size: info.Size(), Data: data})
	}
	return images, nil
}

// Export copies every output file into dest, keeping file names, and returns how many
// files were copied. dest is created if needed. Existing files in dest are overwritten.
func (p *Pipeline) Export(ctx context.Context, dest string) (int, error) {
	if dest == "" {
		return 0, stageErr(StageExport, fmt.Errorf("destination directory is required"))
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, stageErr(StageExport, fmt.Errorf("create destination: %w", err))
	}
	files, err := p.layout.ListFiles(storage.RoleOutput)
	if err != nil {
		return 0, stageErr(StageExport, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.config.Performance.WorkerThreads, 1))
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return storage.CopyFile(f, filepath.Join(dest, filepath.Base(f)))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, stageErr(StageExport, err)
	}

	p.logger.WithField("operation", "export").Infof("Exported %d files to %s", len(files), dest)
	return len(files), nil
}
