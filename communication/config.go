package communication

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Party describes one remote server of the signing group.
type Party struct {
	ID  uint16 `json:"id"`
	URL string `json:"url"`
}

// LocalConfig is the per-server configuration, loaded once at startup.
type LocalConfig struct {
	// ServerID is the stable identity of the local party.
	ServerID uint16 `json:"serverID"`
	// ListenAddr is the address the HTTP endpoints bind to.
	ListenAddr string `json:"listenAddr"`
	// Threshold is t in the (t, n) scheme: any t+1 parties can sign.
	Threshold int `json:"threshold"`
	// TotalPartyCount is n, the size of the full signing group.
	TotalPartyCount int `json:"totalPartyCount"`
	// OtherPartyInfo lists the remote parties of the signing group.
	OtherPartyInfo []Party `json:"otherPartyInfo"`

	// Mutual-TLS material. Leave the paths empty to run plain HTTP.
	CaPath         string `json:"caPath"`
	ServerCertPath string `json:"serverCertPath"`
	ServerKeyPath  string `json:"serverKeyPath"`

	// TimestampWindowSeconds bounds how far a signing request's
	// timestamp may drift from local time in either direction.
	TimestampWindowSeconds int `json:"timestampWindowSeconds"`

	// ShareDir is where the local key share lives.
	ShareDir string `json:"shareDir"`
	// SealShares encrypts the share file at rest; the key is provided
	// as a BIP-39 mnemonic through MPC_SHARE_MNEMONIC.
	SealShares bool `json:"sealShares"`
}

const defaultTimestampWindow = 10 * time.Minute

// LoadLocalConfig reads and validates the server configuration file.
func LoadLocalConfig(path string) (*LocalConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open server config %s: %w", path, err)
	}
	cfg := &LocalConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server config %s: %w", path, err)
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("server config: threshold must be at least 1, got %d", cfg.Threshold)
	}
	if cfg.TotalPartyCount <= cfg.Threshold {
		return nil, fmt.Errorf("server config: need more than %d parties for threshold %d", cfg.Threshold, cfg.Threshold)
	}
	if len(cfg.OtherPartyInfo) != cfg.TotalPartyCount-1 {
		return nil, fmt.Errorf("server config: expected %d other parties, got %d", cfg.TotalPartyCount-1, len(cfg.OtherPartyInfo))
	}
	for _, p := range cfg.OtherPartyInfo {
		if p.ID == cfg.ServerID {
			return nil, fmt.Errorf("server config: party list contains the local ID %d", cfg.ServerID)
		}
	}
	if cfg.ShareDir == "" {
		cfg.ShareDir = "."
	}
	log.Infof("done unmarshal server config for server %d", cfg.ServerID)
	return cfg, nil
}

// TimestampWindow returns the configured freshness window, or the
// 10 minute default when unset.
func (cfg *LocalConfig) TimestampWindow() time.Duration {
	if cfg.TimestampWindowSeconds <= 0 {
		return defaultTimestampWindow
	}
	return time.Duration(cfg.TimestampWindowSeconds) * time.Second
}

// PartyIDs returns the identities of the full signing group, local
// party included.
func (cfg *LocalConfig) PartyIDs() []uint16 {
	ids := make([]uint16, 0, cfg.TotalPartyCount)
	ids = append(ids, cfg.ServerID)
	for _, p := range cfg.OtherPartyInfo {
		ids = append(ids, p.ID)
	}
	return ids
}
