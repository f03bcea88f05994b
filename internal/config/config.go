// Package config loads bot configuration from the environment (and an
// optional .env file) and builds the room connection URL.
package config

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mkoster/spacebot/internal/protocol"
)

type Config struct {
	// ServerURL is the websocket origin, e.g. ws://play.example.com.
	ServerURL string `env:"SPACEBOT_SERVER_URL,required"`
	RoomID    string `env:"SPACEBOT_ROOM_ID,required"`
	Token     string `env:"SPACEBOT_TOKEN"`
	Name      string `env:"SPACEBOT_NAME" envDefault:"spacebot"`

	CharacterLayers []string `env:"SPACEBOT_CHARACTER_LAYERS" envSeparator:"," envDefault:"color_22,eyes_23"`

	// Spawn position.
	X int32 `env:"SPACEBOT_X" envDefault:"0"`
	Y int32 `env:"SPACEBOT_Y" envDefault:"0"`

	// Viewport is the map rectangle the bot listens to.
	ViewportWidth  int32 `env:"SPACEBOT_VIEWPORT_WIDTH" envDefault:"666"`
	ViewportHeight int32 `env:"SPACEBOT_VIEWPORT_HEIGHT" envDefault:"1536"`

	// UploaderURL is the audio upload endpoint for /playtoeveryone.
	UploaderURL string `env:"SPACEBOT_UPLOADER_URL"`

	// ListenAddr serves /healthz and /status.
	ListenAddr string `env:"SPACEBOT_LISTEN_ADDR" envDefault:":8080"`

	// ICEServers are STUN/TURN URLs for peer connections.
	ICEServers []string `env:"SPACEBOT_ICE_SERVERS" envSeparator:","`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return c, nil
}

// Viewport returns the listen rectangle anchored at the origin.
func (c Config) Viewport() protocol.Viewport {
	return protocol.Viewport{Left: 0, Top: 0, Right: c.ViewportWidth, Bottom: c.ViewportHeight}
}

// RoomURL builds the websocket endpoint with the room, auth and spawn
// parameters the server expects on connect.
func (c Config) RoomURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	u.Path = "/room"

	q := url.Values{}
	q.Set("roomId", c.RoomID)
	q.Set("token", c.Token)
	q.Set("name", c.Name)
	for _, layer := range c.CharacterLayers {
		q.Add("characterLayers", layer)
	}
	q.Set("x", strconv.FormatInt(int64(c.X), 10))
	q.Set("y", strconv.FormatInt(int64(c.Y), 10))
	q.Set("version", "dev")
	q.Set("availabilityStatus", "1")
	q.Set("top", "0")
	q.Set("bottom", strconv.FormatInt(int64(c.ViewportHeight), 10))
	q.Set("left", "0")
	q.Set("right", strconv.FormatInt(int64(c.ViewportWidth), 10))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
