package alerts

type Selection struct {
	SelectedAlertID string `json:"selected_alert_id,omitempty"`
	DetailPanelOpen bool   `json:"detail_panel_open"`
}

// SelectAlert focuses id and opens the detail panel.
func (s *Store) SelectAlert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = Selection{SelectedAlertID: id, DetailPanelOpen: true}
}

func (s *Store) CloseDetailPanel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = Selection{}
}

func (s *Store) Selection() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}
