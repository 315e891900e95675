package images

import (
	"context"
	"sync"

	"github.com/edgehive/fleetd/pkg/types"
)

// Inventory is the narrow contract the reconciler consumes from the
// image/container runtime: which images are present, which are being
// downloaded, and a way to start a download.
type Inventory interface {
	Available() []types.Image
	Downloading() []int
	Fetch(ctx context.Context, image types.Image) error
}

// FetchFunc performs the actual image download. Wired in by the
// runtime integration; the tracker only accounts for state.
type FetchFunc func(ctx context.Context, image types.Image) error

// Tracker is a thread-safe Inventory implementation. The runtime
// integration reports availability into it; Fetch marks the image as
// downloading for the duration of the wired FetchFunc.
type Tracker struct {
	mu          sync.Mutex
	available   map[string]types.Image
	downloading map[int]bool
	fetch       FetchFunc
}

// NewTracker creates a tracker. fetch may be nil, in which case Fetch
// only records the download as requested.
func NewTracker(fetch FetchFunc) *Tracker {
	return &Tracker{
		available:   make(map[string]types.Image),
		downloading: make(map[int]bool),
		fetch:       fetch,
	}
}

// Available lists images currently present.
func (t *Tracker) Available() []types.Image {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.Image, 0, len(t.available))
	for _, img := range t.available {
		out = append(out, img)
	}
	return out
}

// Downloading lists image ids with a download in flight.
func (t *Tracker) Downloading() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]int, 0, len(t.downloading))
	for id := range t.downloading {
		out = append(out, id)
	}
	return out
}

// Fetch downloads an image, keeping it in the downloading set while in
// flight and moving it to available on success.
func (t *Tracker) Fetch(ctx context.Context, image types.Image) error {
	t.mu.Lock()
	t.downloading[image.ImageID] = true
	t.mu.Unlock()

	var err error
	if t.fetch != nil {
		err = t.fetch(ctx, image)
	}

	t.mu.Lock()
	delete(t.downloading, image.ImageID)
	if err == nil {
		t.available[image.Name] = image
	}
	t.mu.Unlock()
	return err
}

// MarkAvailable records an image as present (reported by the runtime).
func (t *Tracker) MarkAvailable(image types.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available[image.Name] = image
}

// Remove drops an image from the available set.
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.available, name)
}
