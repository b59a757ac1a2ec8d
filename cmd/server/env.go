package main

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"img2brick.ai/internal/tuning"
)

// loadDotEnv reads KEY=VALUE pairs from path without overriding variables
// already set in the environment. A missing file is not an error.
func loadDotEnv(path string, logger *log.Logger) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		logger.Printf("env file %s: %v", path, err)
		return
	}
	logger.Printf("loaded environment from %s", path)
}

// applyEnv overrides tuning values with QUILT_* variables.
func applyEnv(t *tuning.Tuning) {
	t.Grid.Enabled = envBool("QUILT_GRID_ENABLED", t.Grid.Enabled)
	t.Grid.DefaultCellSize = envInt("QUILT_DEFAULT_CELL_SIZE", t.Grid.DefaultCellSize)
	t.Grid.ReservationTTLSec = envInt("QUILT_RESERVATION_TTL_SEC", t.Grid.ReservationTTLSec)
	t.Persist.DebounceSec = envInt("QUILT_PERSIST_DEBOUNCE_SEC", t.Persist.DebounceSec)
	t.Submit.MaxImageSize = envInt("QUILT_MAX_IMAGE_SIZE", t.Submit.MaxImageSize)
	t.Submit.ConvertTimeoutSec = envInt("QUILT_CONVERT_TIMEOUT_SEC", t.Submit.ConvertTimeoutSec)
	t.Submit.HeightmapBin = envString("QUILT_HEIGHTMAP_BIN", t.Submit.HeightmapBin)
	t.Submit.OutputDir = envString("QUILT_OUTPUT_DIR", t.Submit.OutputDir)
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
