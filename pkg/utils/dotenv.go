package utils

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file when present. A missing file is not an
// error; a malformed one is.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return Wrap(godotenv.Load(path), "load .env")
}
