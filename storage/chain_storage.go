package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/models"
)

const (
	chainFilePattern  = "anchor_chain_*.json"
	chainTimestampFmt = "20060102150405.000000000"
)

// ChainStorage keeps rotating timestamped snapshots of the anchoring chain.
type ChainStorage struct {
	dataDir string
	keep    int
	log     zerolog.Logger
	mutex   sync.RWMutex
}

type chainFile struct {
	path      string
	timestamp time.Time
}

func NewChainStorage(dataDir string, keep int, log zerolog.Logger) (*ChainStorage, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if keep <= 0 {
		keep = 5
	}

	return &ChainStorage{
		dataDir: absPath,
		keep:    keep,
		log:     log.With().Str("component", "chain_storage").Logger(),
	}, nil
}

// listChainFiles returns snapshot files sorted oldest first.
func (s *ChainStorage) listChainFiles() ([]chainFile, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, chainFilePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var out []chainFile
	for _, file := range files {
		base := filepath.Base(file)
		timestampStr := strings.TrimSuffix(strings.TrimPrefix(base, "anchor_chain_"), ".json")
		timestamp, err := time.Parse(chainTimestampFmt, timestampStr)
		if err != nil {
			s.log.Warn().Str("file", base).Err(err).Msg("ignoring chain file with invalid timestamp")
			continue
		}
		out = append(out, chainFile{path: file, timestamp: timestamp})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].timestamp.Before(out[j].timestamp) })
	return out, nil
}

// LoadLatest returns the newest snapshot, or nil when none exists.
func (s *ChainStorage) LoadLatest() ([]*models.AnchorBlock, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.listChainFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[len(files)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", latest, err)
	}

	var chain []*models.AnchorBlock
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to decode chain from %s: %w", latest, err)
	}

	s.log.Info().Int("blocks", len(chain)).Str("file", latest).Msg("loaded anchor chain")
	return chain, nil
}

// Save writes a new snapshot and prunes all but the newest keep snapshots.
func (s *ChainStorage) Save(chain []*models.AnchorBlock) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(chain) == 0 {
		return fmt.Errorf("cannot save empty chain")
	}

	data, err := json.MarshalIndent(chain, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode chain: %w", err)
	}

	timestamp := time.Now().UTC().Format(chainTimestampFmt)
	filename := filepath.Join(s.dataDir, fmt.Sprintf("anchor_chain_%s.json", timestamp))
	tempPath := filename + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write chain file: %w", err)
	}
	if err := os.Rename(tempPath, filename); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save chain file: %w", err)
	}

	if err := s.cleanupOldFiles(); err != nil {
		s.log.Warn().Err(err).Msg("failed to clean up old chain files")
	}

	s.log.Debug().Int("blocks", len(chain)).Str("file", filename).Msg("saved anchor chain")
	return nil
}

func (s *ChainStorage) cleanupOldFiles() error {
	files, err := s.listChainFiles()
	if err != nil {
		return err
	}
	if len(files) <= s.keep {
		return nil
	}

	for _, f := range files[:len(files)-s.keep] {
		if err := os.Remove(f.path); err != nil {
			s.log.Warn().Str("file", f.path).Err(err).Msg("failed to remove old chain file")
		}
	}
	return nil
}
