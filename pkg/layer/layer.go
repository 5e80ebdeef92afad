// Package layer exposes segmentation data as viewer layers.
//
// A layer hands the viewer one stable source for its whole lifetime. When the
// data behind it changes (another classifier is selected, or training
// finishes) the layer swaps the delegate of that source and notifies its
// listeners; the viewer keeps rendering from the same object throughout.
package layer

import (
	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/transform"
	"segview/pkg/view"
)

// Showable is what a viewer draws: a color source and its placement in world
// space.
type Showable struct {
	Source    view.RandomAccessibleInterval[models.VolatileARGB]
	Transform transform.Affine3D
}

// Layer is a named, toggleable source composited by the viewer.
type Layer interface {
	Image() Showable

	// Listeners fire when the layer's source has been replaced
	Listeners() *holder.Notifier

	Visibility() holder.MutableHolder[bool]
	Title() string
}
