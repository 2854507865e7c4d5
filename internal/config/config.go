package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"slabview/internal/slab"
)

type Config struct {
	Port               int
	DataDir            string
	SlabWidth          int
	SlabHeight         int
	SlabOrder          string
	MaxRegionPixels    int
	WarmupSlabs        int
	WarmupWorkers      int
	CacheType          string
	CacheMemoryEntries int
	CacheMemoryMB      int
	CacheFileDir       string
	MemcacheServers    string
	VipsMaxCacheMB     int
	VipsConcurrency    int
	LogLevel           string
	LogFormat          string
	UploadToken        string
	MaxUploadSize      int64
	AllowedOrigin      string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:               getEnvInt("PORT", 8080),
		DataDir:            dataDir,
		SlabWidth:          getEnvInt("SLAB_WIDTH", 512),
		SlabHeight:         getEnvInt("SLAB_HEIGHT", 512),
		SlabOrder:          getEnv("SLAB_ORDER", "row"),
		MaxRegionPixels:    getEnvInt("MAX_REGION_PIXELS", 4096*4096),
		WarmupSlabs:        getEnvInt("WARMUP_SLABS", 0),
		WarmupWorkers:      getEnvInt("WARMUP_WORKERS", 1),
		CacheType:          getEnv("CACHE", "memory"),
		CacheMemoryEntries: getEnvInt("CACHE_MEMORY_ENTRIES", 500),
		CacheMemoryMB:      getEnvInt("CACHE_MEMORY_MB", 256),
		CacheFileDir:       getEnv("CACHE_FILE_DIR", filepath.Join(dataDir, "cache")),
		MemcacheServers:    getEnv("MEMCACHE_SERVERS", ""),
		VipsMaxCacheMB:     getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:    getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		UploadToken:        getEnv("UPLOAD_TOKEN", ""),
		MaxUploadSize:      getEnvInt64("MAX_UPLOAD_SIZE", 4294967296), // 4GB default
		AllowedOrigin:      getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.SlabWidth <= 0 || c.SlabHeight <= 0 {
		return fmt.Errorf("invalid slab size: %dx%d", c.SlabWidth, c.SlabHeight)
	}
	if _, err := slab.ParseOrder(c.SlabOrder); err != nil {
		return err
	}
	if c.MaxRegionPixels <= 0 {
		return fmt.Errorf("invalid MAX_REGION_PIXELS: %d", c.MaxRegionPixels)
	}
	if c.CacheMemoryMB < 0 {
		return fmt.Errorf("invalid CACHE_MEMORY_MB: %d", c.CacheMemoryMB)
	}
	if c.CacheType == "memcache" && strings.TrimSpace(c.MemcacheServers) == "" {
		return fmt.Errorf("CACHE=memcache needs MEMCACHE_SERVERS")
	}
	return nil
}

// Order returns the parsed slab order; call Validate first.
func (c *Config) Order() slab.Order {
	order, _ := slab.ParseOrder(c.SlabOrder)
	return order
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}
