package compressor

import (
	"fmt"

	"image-compressor-go/internal/settings"

	"github.com/sirupsen/logrus"
)

// Choose picks the adapter for a file given the batch method and the file's extension.
//
//	Lossy         -> jpeg
//	Lossless      -> png for .png/.webp, jpeg otherwise
//	WebpLossy     -> jpeg for .jpg/.jpeg, webp otherwise
//	WebpLossless  -> jpeg for .jpg/.jpeg, webp otherwise
func Choose(method settings.CompressionMethod, ext string) AdapterID {
	switch {
	case method == settings.Lossless:
		if IsLosslessCompatible(ext) {
			return AdapterPNG
		}
		return AdapterJPEG
	case method.IsWebP():
		if IsJPEG(ext) {
			return AdapterJPEG
		}
		return AdapterWebP
	default:
		return AdapterJPEG
	}
}

// Dispatcher routes files to adapters for one batch. It is read-only after construction.
type Dispatcher struct {
	method   settings.CompressionMethod
	adapters map[AdapterID]Adapter
}

// NewDispatcher builds the adapters the given settings can route to.
func NewDispatcher(s settings.AppSettings, opts Options, logger *logrus.Logger) *Dispatcher {
	opts.Quality = float64(s.IntQuality())
	adapters := []Adapter{NewJPEGAdapter(opts, logger)}
	switch {
	case s.Method == settings.Lossless:
		adapters = append(adapters, NewPNGAdapter(opts, logger))
	case s.Method.IsWebP():
		adapters = append(adapters, NewWebPAdapter(s.Method == settings.WebpLossless, opts, logger))
	}
	return dispatcherOf(s.Method, adapters...)
}

func dispatcherOf(method settings.CompressionMethod, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{method: method, adapters: make(map[AdapterID]Adapter, len(adapters))}
	for _, a := range adapters {
		d.adapters[a.ID()] = a
	}
	return d
}

// Method returns the batch compression method.
func (d *Dispatcher) Method() settings.CompressionMethod { return d.method }

// For returns the adapter responsible for path.
func (d *Dispatcher) For(path string) (Adapter, error) {
	id := Choose(d.method, lowerExt(path))
	a, ok := d.adapters[id]
	if !ok {
		return nil, fmt.Errorf("no %s adapter configured", id)
	}
	return a, nil
}
