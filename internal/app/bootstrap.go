package app

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// loadDotEnv loads .env from the working directory and from the config
// file's directory. Variables already set in the environment win, and a
// missing file is not an error.
func loadDotEnv(cfgPath string) ([]string, error) {
	candidates := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "." && dir != "" {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	var loaded []string
	for _, p := range candidates {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}
