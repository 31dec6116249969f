package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/yndnr/simctl/internal/cluster"
	"github.com/yndnr/simctl/internal/core/driver"
	"github.com/yndnr/simctl/internal/core/period"
	"github.com/yndnr/simctl/internal/sim"
)

// ToDriverConfig converts Config to driver.Config. The checkpoint period
// is parsed afresh, so each rank owns its own copy.
func ToDriverConfig(cfg *Config) (driver.Config, error) {
	p, err := period.Parse(cfg.Checkpoint.Period)
	if err != nil {
		return driver.Config{}, err
	}
	dc := driver.Config{
		Steps:            cfg.Run.Steps,
		SoftRestarts:     cfg.Run.SoftRestarts,
		Percent:          cfg.Run.Percent,
		CheckpointPeriod: p,
		CheckpointDir:    cfg.Checkpoint.Dir,
		Restart:          cfg.Checkpoint.Restart,
		TryRestart:       cfg.Checkpoint.TryRestart,
		RestartDir:       cfg.Checkpoint.RestartDir,
	}
	if dc.RestartDir == "" {
		dc.RestartDir = cfg.Checkpoint.Dir
	}
	if cfg.Checkpoint.RestartStep >= 0 {
		dc.RestartStep = uint64(cfg.Checkpoint.RestartStep)
		dc.HasRestartStep = true
	}
	return dc, nil
}

// ToSimConfig converts Config to sim.Config.
func ToSimConfig(cfg *Config) sim.Config {
	return sim.Config{
		Seed:       cfg.Sim.Seed,
		Chunks:     cfg.Sim.Chunks,
		Samples:    cfg.Sim.Samples,
		SlideEvery: cfg.Sim.SlideEvery,
	}
}

// ToGossipConfig converts Config to cluster.GossipConfig, generating a
// node name when none is configured.
func ToGossipConfig(cfg *Config, logger *slog.Logger) (cluster.GossipConfig, error) {
	name := cfg.Cluster.NodeName
	if name == "" {
		generated, err := generateNodeName()
		if err != nil {
			return cluster.GossipConfig{}, fmt.Errorf("generate node name: %w", err)
		}
		name = generated
		logger.Info("generated gossip node name", "node", name)
	}

	gc := cluster.GossipConfig{
		NodeName:   name,
		BindAddr:   cfg.Cluster.BindAddr,
		BindPort:   cfg.Cluster.BindPort,
		Seeds:      cfg.Cluster.Seeds,
		Size:       cfg.Cluster.Ranks,
		LeaveGrace: cfg.Cluster.LeaveGrace,
		Logger:     logger,
	}
	if cfg.Cluster.SecretKey != "" {
		gc.SecretKey = []byte(cfg.Cluster.SecretKey)
	}
	return gc, nil
}

// generateNodeName generates a unique member name.
//
// Format: simnode-<16 hex chars> (e.g., "simnode-a1b2c3d4e5f67890")
func generateNodeName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "simnode-" + hex.EncodeToString(buf), nil
}
