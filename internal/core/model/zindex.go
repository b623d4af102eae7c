package model

const (
	ZIndexBackground = 0
	// ZIndexForeground starts the presenter band. Media stays below it.
	ZIndexForeground = 10000
)

// ZIndexForNewObject returns the paint order for an object about to be added.
// Non-presenter objects are placed above existing media but below the
// foreground presenter band.
func (s *Slide) ZIndexForNewObject(isPresenter bool) int {
	var indices []int
	if s.Presenter != nil {
		indices = append(indices, s.Presenter.ZIndex)
	}
	for _, p := range s.RemotePresenters {
		indices = append(indices, p.ZIndex)
	}
	if len(indices) == 0 && !isPresenter {
		indices = append(indices, ZIndexForeground)
	}
	for _, obj := range s.Objects {
		indices = append(indices, obj.ZIndex)
	}

	highest, found := 0, false
	for _, z := range indices {
		if !isPresenter && z >= ZIndexForeground {
			continue
		}
		if !found || z > highest {
			highest, found = z, true
		}
	}
	if !found {
		return 0
	}
	return highest + 1
}
