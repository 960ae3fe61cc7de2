package alerts

import "rhinoguard/internal/model"

// views are the derived read models, rebuilt only when the store version moves.
type views struct {
	version     uint64
	active      []model.Alert
	terminal    []model.Alert
	byDetection map[string][]model.Alert
}

// viewsLocked must be called with s.mu held for reading or writing.
func (s *Store) viewsLocked() *views {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.cache != nil && s.cache.version == s.version {
		return s.cache
	}
	v := &views{
		version:     s.version,
		active:      make([]model.Alert, 0),
		terminal:    make([]model.Alert, 0),
		byDetection: make(map[string][]model.Alert),
	}
	for _, a := range s.alerts {
		switch {
		case a.Status.IsActive():
			v.active = append(v.active, a)
		case a.Status.IsTerminal():
			v.terminal = append(v.terminal, a)
		}
		if a.DetectionID != "" {
			v.byDetection[a.DetectionID] = append(v.byDetection[a.DetectionID], a)
		}
	}
	s.cache = v
	return v
}
