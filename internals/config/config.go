package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Signaling SignalingConfig `yaml:"signaling"`
	Media     MediaConfig     `yaml:"media"`
}

type ServerConfig struct {
	Host                   string        `yaml:"host"`
	Port                   int           `yaml:"port"`
	ReadTimeout            time.Duration `yaml:"read_timeout"`
	WriteTimeout           time.Duration `yaml:"write_timeout"`
	MaxRooms               int           `yaml:"max_rooms"`
	MaxParticipantsPerRoom int           `yaml:"max_participants_per_room"`
	AllowedOrigins         []string      `yaml:"allowed_origins"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

type WebRTCConfig struct {
	ICEServers   []ICEServer `yaml:"ice_servers"`
	UDPPortRange PortRange   `yaml:"udp_port_range"`
	PublicIP     string      `yaml:"public_ip"`
}

type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SignalingConfig struct {
	WSReadLimit       int64         `yaml:"ws_read_limit"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout     time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval    time.Duration `yaml:"ws_ping_interval"`
	WSHubPingInterval time.Duration `yaml:"ws_hub_ping_interval"`

	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`

	MaxRoomIDLength        int `yaml:"max_room_id_length"`
	MaxParticipantIDLength int `yaml:"max_participant_id_length"`

	// Client-side relay transport
	SendQueueSize         int           `yaml:"send_queue_size"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
}

type MediaConfig struct {
	SpeakingSampleInterval  time.Duration `yaml:"speaking_sample_interval"`
	SpeakingRiseThreshold   float64       `yaml:"speaking_rise_threshold"`
	SpeakingFallThreshold   float64       `yaml:"speaking_fall_threshold"`
	SpeakingDebounceSamples int           `yaml:"speaking_debounce_samples"`

	ReactionTTL time.Duration `yaml:"reaction_ttl"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   getEnv("VOX_HOST", "0.0.0.0"),
			Port:                   getEnvInt("VOX_PORT", 8080),
			ReadTimeout:            time.Duration(getEnvInt("VOX_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:           time.Duration(getEnvInt("VOX_WRITE_TIMEOUT", 30)) * time.Second,
			MaxRooms:               getEnvInt("VOX_MAX_ROOMS", 1000),
			MaxParticipantsPerRoom: getEnvInt("VOX_MAX_PARTICIPANTS_PER_ROOM", 8),
			AllowedOrigins:         getEnvList("VOX_ALLOWED_ORIGINS", "*"),
			ShutdownTimeout:        time.Duration(getEnvInt("VOX_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			UDPPortRange: PortRange{
				Min: getEnvPort("VOX_UDP_PORT_MIN", 0),
				Max: getEnvPort("VOX_UDP_PORT_MAX", 0),
			},
			PublicIP: getEnv("VOX_PUBLIC_IP", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Signaling: SignalingConfig{
			WSReadLimit:       int64(getEnvInt("VOX_WS_READ_LIMIT", 524288)),
			WSWriteTimeout:    time.Duration(getEnvInt("VOX_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:     time.Duration(getEnvInt("VOX_WS_PONG_TIMEOUT", 60)) * time.Second,
			WSPingInterval:    time.Duration(getEnvInt("VOX_WS_PING_INTERVAL", 54)) * time.Second,
			WSHubPingInterval: time.Duration(getEnvInt("VOX_WS_HUB_PING_INTERVAL", 30)) * time.Second,

			RateLimitPerSec: float64(getEnvInt("VOX_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("VOX_RATE_LIMIT_BURST", 40),

			MaxRoomIDLength:        getEnvInt("VOX_MAX_ROOM_ID_LENGTH", 128),
			MaxParticipantIDLength: getEnvInt("VOX_MAX_PARTICIPANT_ID_LENGTH", 128),

			SendQueueSize:         getEnvInt("VOX_SEND_QUEUE_SIZE", 256),
			ReconnectInitialDelay: time.Duration(getEnvInt("VOX_RECONNECT_INITIAL_DELAY_MS", 500)) * time.Millisecond,
			ReconnectMaxDelay:     time.Duration(getEnvInt("VOX_RECONNECT_MAX_DELAY_MS", 15000)) * time.Millisecond,
			ReconnectMaxAttempts:  getEnvInt("VOX_RECONNECT_MAX_ATTEMPTS", 8),
		},
		Media: MediaConfig{
			SpeakingSampleInterval:  time.Duration(getEnvInt("VOX_SPEAKING_SAMPLE_INTERVAL_MS", 200)) * time.Millisecond,
			SpeakingRiseThreshold:   getEnvFloat("VOX_SPEAKING_RISE_THRESHOLD", 0.12),
			SpeakingFallThreshold:   getEnvFloat("VOX_SPEAKING_FALL_THRESHOLD", 0.06),
			SpeakingDebounceSamples: getEnvInt("VOX_SPEAKING_DEBOUNCE_SAMPLES", 2),
			ReactionTTL:             time.Duration(getEnvInt("VOX_REACTION_TTL_MS", 4000)) * time.Millisecond,
		},
	}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvPort parses a UDP/TCP port number, falling back to the default when
// the value does not fit in a port.
func getEnvPort(key string, defaultValue uint16) uint16 {
	value := getEnvInt(key, int(defaultValue))
	if value < 0 || value > 65535 {
		return defaultValue
	}
	return uint16(value)
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
