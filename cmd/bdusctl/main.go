// Command bdusctl creates an in-memory BDUS device from a YAML config
// file and serves it until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/behrlich/bdus-go"
	"github.com/behrlich/bdus-go/backend"
	"github.com/behrlich/bdus-go/internal/logging"
)

// fileConfig is the YAML shape a user writes by hand; it mirrors
// bdus.DeviceConfig field-for-field but with the lowercase, underscored
// names the attribute-checking pass in original_source/libbdus/src/bdus.c
// uses, so a config file reads like the attributes it validates.
type fileConfig struct {
	LogicalBlockSize       uint32 `yaml:"logical_block_size"`
	PhysicalBlockSize      uint32 `yaml:"physical_block_size"`
	SizeBytes              uint64 `yaml:"size_bytes"`
	MaxReadWriteSize       uint32 `yaml:"max_read_write_size"`
	MaxWriteSameSize       uint32 `yaml:"max_write_same_size"`
	MaxWriteZerosSize      uint32 `yaml:"max_write_zeros_size"`
	MaxDiscardEraseSize    uint32 `yaml:"max_discard_erase_size"`
	MaxConcurrentCallbacks uint32 `yaml:"max_concurrent_callbacks"`

	Read        bool `yaml:"read"`
	Write       bool `yaml:"write"`
	Flush       bool `yaml:"flush"`
	IOCTL       bool `yaml:"ioctl"`
	WriteSame   bool `yaml:"write_same"`
	WriteZeros  bool `yaml:"write_zeros"`
	FUAWrite    bool `yaml:"fua_write"`
	Discard     bool `yaml:"discard"`
	SecureErase bool `yaml:"secure_erase"`
}

func (f fileConfig) toDeviceConfig() bdus.DeviceConfig {
	return bdus.DeviceConfig{
		LogicalBlockSize:       f.LogicalBlockSize,
		PhysicalBlockSize:      f.PhysicalBlockSize,
		Size:                   f.SizeBytes,
		MaxReadWriteSize:       f.MaxReadWriteSize,
		MaxWriteSameSize:       f.MaxWriteSameSize,
		MaxWriteZerosSize:      f.MaxWriteZerosSize,
		MaxDiscardEraseSize:    f.MaxDiscardEraseSize,
		MaxConcurrentCallbacks: f.MaxConcurrentCallbacks,
		Read:                   f.Read,
		Write:                  f.Write,
		Flush:                  f.Flush,
		IOCTL:                  f.IOCTL,
		WriteSame:              f.WriteSame,
		WriteZeros:             f.WriteZeros,
		FUAWrite:               f.FUAWrite,
		Discard:                f.Discard,
		SecureErase:            f.SecureErase,
	}
}

func loadConfig(path string) (bdus.DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bdus.DeviceConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return bdus.DeviceConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return fc.toDeviceConfig(), nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a device config YAML file")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if *configPath == "" {
		log.Fatal("-config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mem := backend.NewMemory(int64(cfg.Size))
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev, err := bdus.CreateAndServe(ctx, cfg, mem, &bdus.Options{
		Logger: logger,
	})
	if err != nil {
		logger.Errorf("failed to create device: %v", err)
		os.Exit(1)
	}

	logger.Infof("device %d created (%d bytes)", dev.ID(), cfg.Size)
	fmt.Printf("Device %d created, %d bytes\n", dev.ID(), cfg.Size)
	fmt.Println("Press Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("stopping device %d", dev.ID())
	if err := bdus.StopAndDelete(context.Background(), dev); err != nil {
		logger.Errorf("error stopping device: %v", err)
		os.Exit(1)
	}
	logger.Infof("device %d stopped", dev.ID())
}
