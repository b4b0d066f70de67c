// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jacobsa/fuse"

	"github.com/last-saiyan/rencfs/cfg"
	rencfs "github.com/last-saiyan/rencfs/fs"
	"github.com/last-saiyan/rencfs/fusefs"
	"github.com/last-saiyan/rencfs/internal/crypto"
	"github.com/last-saiyan/rencfs/internal/logger"

	"github.com/last-saiyan/rencfs/clock"
)

// keyEnvVar is where the resolved symmetric key arrives, hex-encoded.
// Password entry and key unwrapping belong to an external collaborator;
// this environment variable is the hand-off point, not a key management
// scheme.
const keyEnvVar = "RENCFS_KEY"

// resolveKey reads and decodes the mount key, wiping the env var so the
// key doesn't linger in the process environment for child processes.
func resolveKey() ([]byte, error) {
	encoded := os.Getenv(keyEnvVar)
	if encoded == "" {
		return nil, fmt.Errorf("%s must hold the hex-encoded 32-byte key", keyEnvVar)
	}
	os.Unsetenv(keyEnvVar)
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", keyEnvVar, err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", keyEnvVar, crypto.KeySize, len(key))
	}
	return key, nil
}

// zeroiseKey wipes the key material before the process exits.
func zeroiseKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func resolveOwnership(fsConfig *cfg.FileSystemConfig) (uid, gid uint32) {
	uid, gid = uint32(os.Getuid()), uint32(os.Getgid())
	if fsConfig.Uid >= 0 {
		uid = uint32(fsConfig.Uid)
	}
	if fsConfig.Gid >= 0 {
		gid = uint32(fsConfig.Gid)
	}
	return uid, gid
}

// runMount builds the engine, binds it to the kernel, and blocks until
// the filesystem is unmounted.
func runMount(ctx context.Context, mountPoint string, config *cfg.Config) error {
	if err := logger.InitLogFile(config.Logging); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logger.CloseLogFile()

	key, err := resolveKey()
	if err != nil {
		return err
	}
	defer zeroiseKey(key)

	if err := os.MkdirAll(string(config.TmpDir), 0o700); err != nil {
		return fmt.Errorf("creating tmp dir: %w", err)
	}

	engine, err := rencfs.New(string(config.DataDir), string(config.TmpDir), config.Cipher, key, crypto.DefaultChunkSize, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("opening encrypted store: %w", err)
	}

	uid, gid := resolveOwnership(&config.FileSystem)
	server := fusefs.NewServer(&fusefs.ServerConfig{
		Engine: engine,
		Uid:    uid,
		Gid:    gid,
	})

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{
		FSName:                  "rencfs",
		Subtype:                 "rencfs",
		DisableWritebackCaching: true,
	})
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", mountPoint, err)
	}
	logger.Infof("serving %s at %s", config.DataDir, mountPoint)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	logger.Infof("unmounted %s", mountPoint)
	return nil
}
