package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	ImagePath           string
	AppID               string
	Commit              string
	APIHost             string
	RegistryHost        string
	APIToken            string
	APIKey              string
	DetectFlasherImages bool
	SplashImagePath     string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		ImagePath:           getEnv("IMAGE", "/img/fleet.img"),
		AppID:               getEnv("APP_ID", ""),
		Commit:              getEnv("COMMIT", ""),
		APIHost:             getEnv("API_HOST", "https://api.fleetforge.io"),
		RegistryHost:        getEnv("REGISTRY_HOST", "registry.fleetforge.io"),
		APIToken:            getEnv("API_TOKEN", ""),
		APIKey:              getEnv("API_KEY", ""),
		DetectFlasherImages: getEnv("DONT_DETECT_FLASHER_IMAGES", "") == "",
		SplashImagePath:     getEnv("SPLASH_IMAGE", "/img/splash.png"),
	}

	return cfg
}

// Validate reports whether the configuration is complete enough to run a
// preload.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return errors.New("APP_ID must be set")
	}
	if c.APIToken == "" && c.APIKey == "" {
		return errors.New("either API_TOKEN or API_KEY must be set")
	}
	if _, err := os.Stat(c.ImagePath); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
