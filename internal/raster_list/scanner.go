package raster_list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slabview/internal/product"
	"slabview/internal/storage"
)

type RasterInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Format           string `json:"format"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bands            int    `json:"bands"`
	Bytes            int64  `json:"bytes"`
}

// ProbeFunc reports the size and band count of the raster at path.
type ProbeFunc func(path string) (width, height, bands int, err error)

type Scanner struct {
	dataDir string
	logger  *zap.Logger
	probe   ProbeFunc

	mu      sync.RWMutex
	rasters []RasterInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return NewWithProbe(dataDir, logger, Probe)
}

// NewWithProbe creates a scanner that measures rasters with probe.
func NewWithProbe(dataDir string, logger *zap.Logger, probe ProbeFunc) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		probe:   probe,
		rasters: []RasterInfo{},
	}
}

// Probe opens path with the storage layer to read its dimensions.
func Probe(path string) (int, int, int, error) {
	if strings.ToLower(filepath.Ext(path)) == product.Extension {
		h, err := storage.ReadRawHeader(path)
		if err != nil {
			return 0, 0, 0, err
		}
		return int(h.Width), int(h.Height), int(h.Bands), nil
	}

	r, err := storage.Open(path, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	defer r.Close()
	return r.Width(), r.Height(), 1, nil
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	rasters := []RasterInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !storage.Extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := s.getFilePath(basename + ".json")

		var rasterInfo *RasterInfo

		// No sidecar yet: give the file a UUID name and describe it.
		if _, err := os.Stat(jsonPath); err != nil {
			newUUID := uuid.New().String()
			finalPath := s.getFilePath(newUUID + ext)
			if err := os.Rename(path, finalPath); err != nil {
				s.logger.Warn("Failed to rename file", zap.String("old_path", path), zap.String("new_path", finalPath), zap.Error(err))
				continue
			}
			s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

			rasterInfo, err = s.scanRaster(finalPath, info.Size())
			if err != nil {
				s.logger.Warn("Failed to scan raster", zap.String("path", finalPath), zap.Error(err))
				continue
			}

			rasterInfo.ID = newUUID
			rasterInfo.OriginalFilename = filepath.Base(path)
			rasterInfo.CurrentFilename = filepath.Base(finalPath)

			jsonPath = s.getFilePath(newUUID + ".json")
			if err := s.saveMetadata(jsonPath, rasterInfo); err != nil {
				s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
			}
		} else {
			rasterInfo, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		rasters = append(rasters, *rasterInfo)
	}

	s.mu.Lock()
	s.rasters = rasters
	s.mu.Unlock()

	s.logger.Info("Scan completed", zap.Int("rasters", len(rasters)))
	return nil
}

// cleanupOrphanedJSON removes sidecars that are unreadable, whose id does
// not match their file name, or whose raster file is gone.
func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			s.removeSidecar(path, "invalid")
		case meta.ID != basename:
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			s.removeSidecar(path, "mismatched")
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				s.removeSidecar(path, "orphaned")
			}
		}
	}

	return nil
}

func (s *Scanner) removeSidecar(path, reason string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Info("Deleted JSON file", zap.String("path", path), zap.String("reason", reason))
}

func (s *Scanner) scanRaster(path string, size int64) (*RasterInfo, error) {
	width, height, bands, err := s.probe(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}

	return &RasterInfo{
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		Width:  width,
		Height: height,
		Bands:  bands,
		Bytes:  size,
	}, nil
}

func (s *Scanner) GetRasters() []RasterInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RasterInfo(nil), s.rasters...)
}

func (s *Scanner) GetRasterByID(id string) *RasterInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rasters {
		if r.ID == id {
			info := r
			return &info
		}
	}
	return nil
}

func (s *Scanner) GetRasterPathByID(id string) string {
	info := s.GetRasterByID(id)
	if info == nil {
		return ""
	}
	return s.getFilePath(info.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*RasterInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta RasterInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *RasterInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ProcessUploadedFile moves an uploaded raster into the data directory
// under a new UUID, writes its sidecar and returns the id.
func (s *Scanner) ProcessUploadedFile(tempPath string, originalFilename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	newUUID := uuid.New().String()
	finalPath := s.getFilePath(newUUID + ext)

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move uploaded file: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	rasterInfo, err := s.scanRaster(finalPath, info.Size())
	if err != nil {
		os.Remove(finalPath)
		return "", fmt.Errorf("failed to scan raster: %w", err)
	}

	rasterInfo.ID = newUUID
	rasterInfo.OriginalFilename = originalFilename
	rasterInfo.CurrentFilename = filepath.Base(finalPath)

	jsonPath := s.getFilePath(newUUID + ".json")
	if err := s.saveMetadata(jsonPath, rasterInfo); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	s.logger.Info("Processed uploaded file",
		zap.String("uuid", newUUID),
		zap.String("original_filename", originalFilename),
		zap.String("final_path", finalPath))

	return newUUID, nil
}
