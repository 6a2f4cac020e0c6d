package recovery

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// DefaultMaxHistory bounds how many prior startups the log retains.
const DefaultMaxHistory = 10

// LogStore persists the startup log: the most recent startup report plus a
// bounded history. It is the read-only audit surface of the orchestrator.
type LogStore struct {
	mu         sync.Mutex
	layout     workspace.Layout
	maxHistory int
	doc        types.StartupLog
}

// OpenLog loads startup-log.json. A missing file starts empty; a corrupted
// file is backed up and the log reinitialized.
func OpenLog(layout workspace.Layout) (*LogStore, error) {
	s := &LogStore{layout: layout, maxHistory: DefaultMaxHistory}

	err := atomicfile.ReadJSON(layout.StartupLog(), &s.doc)
	switch {
	case err == nil, os.IsNotExist(err):
	default:
		backup := workspace.CorruptedBackupPath(layout.StartupLog(), time.Now())
		if renameErr := os.Rename(layout.StartupLog(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted startup log: %w", renameErr)
		}
		log.WithComponent("recovery").Warn().Str("backup", backup).Err(err).Msg("startup log corrupted, reinitialized")
		s.doc = types.StartupLog{}
	}
	return s, nil
}

// Append records a completed startup as current, pushing the previous
// current into history and trimming it to the bound.
func (s *LogStore) Append(report types.StartupReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Current != nil {
		s.doc.History = append([]types.StartupReport{*s.doc.Current}, s.doc.History...)
		if len(s.doc.History) > s.maxHistory {
			s.doc.History = s.doc.History[:s.maxHistory]
		}
	}
	s.doc.Current = &report

	if err := atomicfile.WriteJSON(s.layout.StartupLog(), s.doc); err != nil {
		return fmt.Errorf("failed to persist startup log: %w", err)
	}
	return nil
}

// Latest returns the most recent startup report.
func (s *LogStore) Latest() (*types.StartupReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Current == nil {
		return nil, false
	}
	r := *s.doc.Current
	return &r, true
}

// Log returns a copy of the whole startup log.
func (s *LogStore) Log() types.StartupLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := types.StartupLog{}
	if s.doc.Current != nil {
		r := *s.doc.Current
		out.Current = &r
	}
	out.History = append(out.History, s.doc.History...)
	return out
}
