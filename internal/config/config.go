package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hezronokwach/harvest/internal/domain/role"
)

// Config holds service configuration.
type Config struct {
	ServerAddr     string
	GatewayWSURL   string
	GatewayHTTPURL string

	LocalRole role.Role
	Identity  string
	LobbyRoom string

	Aliases  role.AliasTable
	Personas role.PersonaTable

	PresenceInterval   time.Duration
	ResyncDebounce     time.Duration
	DedupWindow        time.Duration
	TranscriptCapacity int
	SettleDelay        time.Duration
	StatusTTL          time.Duration

	InsightRules string
	LogLevel     string
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	localRole, ok := role.Parse(getenv("HARVEST_LOCAL_ROLE", "buyer"))
	if !ok {
		return nil, fmt.Errorf("config: invalid HARVEST_LOCAL_ROLE %q", os.Getenv("HARVEST_LOCAL_ROLE"))
	}

	personas := role.DefaultPersonas()
	if v := getenv("HARVEST_SELLER_PERSONA", ""); v != "" {
		personas[role.Seller] = v
	}
	if v := getenv("HARVEST_BUYER_PERSONA", ""); v != "" {
		personas[role.Buyer] = v
	}

	aliases := role.DefaultAliases()
	if v := getenv("HARVEST_SELLER_ALIASES", ""); v != "" {
		aliases[role.Seller] = splitCSV(v)
	}
	if v := getenv("HARVEST_BUYER_ALIASES", ""); v != "" {
		aliases[role.Buyer] = splitCSV(v)
	}

	lobby := getenv("HARVEST_LOBBY_ROOM", "presence-"+strings.ToLower(personas[localRole]))

	capacity, err := strconv.Atoi(getenv("HARVEST_TRANSCRIPT_CAPACITY", "50"))
	if err != nil || capacity <= 0 {
		return nil, fmt.Errorf("config: invalid HARVEST_TRANSCRIPT_CAPACITY")
	}

	return &Config{
		ServerAddr:         getenv("HARVEST_SERVER_ADDR", "0.0.0.0:8090"),
		GatewayWSURL:       getenv("HARVEST_GATEWAY_WS_URL", "ws://localhost:7880"),
		GatewayHTTPURL:     getenv("HARVEST_GATEWAY_HTTP_URL", "http://localhost:8000"),
		LocalRole:          localRole,
		Identity:           getenv("HARVEST_IDENTITY", "dashboard-"+string(localRole)),
		LobbyRoom:          lobby,
		Aliases:            aliases,
		Personas:           personas,
		PresenceInterval:   parseDuration(getenv("HARVEST_PRESENCE_INTERVAL", "3s"), 3*time.Second),
		ResyncDebounce:     parseDuration(getenv("HARVEST_RESYNC_DEBOUNCE", "500ms"), 500*time.Millisecond),
		DedupWindow:        parseDuration(getenv("HARVEST_DEDUP_WINDOW", "5s"), 5*time.Second),
		TranscriptCapacity: capacity,
		SettleDelay:        parseDuration(getenv("HARVEST_SETTLE_DELAY", "1s"), time.Second),
		StatusTTL:          parseDuration(getenv("HARVEST_STATUS_TTL", "3s"), 3*time.Second),
		InsightRules:       getenv("HARVEST_INSIGHT_RULES", ""),
		LogLevel:           getenv("HARVEST_LOG_LEVEL", "info"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
