// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	emo "github.com/tos-network/fabric"
)

func main() {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	model := daemonCmd.String("model", "", "model namespace to join on the Registry")
	modelLayers := daemonCmd.Uint("model-layers", 0, "total transformer layer count of the model")
	localFrom := daemonCmd.Uint("local-from", 0, "first transformer layer hosted locally")
	localTo := daemonCmd.Uint("local-to", 0, "one past the last transformer layer hosted locally")
	registryURL := daemonCmd.String("registry", "ws://127.0.0.1:8787", "Registry service websocket endpoint")
	dataDir := daemonCmd.String("datadir", emo.DefaultDataDir(), "directory holding the node's identity key")
	metricsAddr := daemonCmd.String("metrics-listen", "0.0.0.0:9464", "address to serve /metrics on")

	if len(os.Args) < 2 {
		fmt.Println("expected 'daemon' subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		daemonCmd.Parse(os.Args[2:])
		runDaemon(daemonConfig{
			model:        *model,
			modelLayers:  uint32(*modelLayers),
			localLayers:  emo.LayerRange{From: uint32(*localFrom), To: uint32(*localTo)},
			registryURL:  *registryURL,
			dataDir:      *dataDir,
			metricsAddr:  *metricsAddr,
		})
	default:
		fmt.Println("expected 'daemon' subcommand")
		os.Exit(1)
	}
}

type daemonConfig struct {
	model       string
	modelLayers uint32
	localLayers emo.LayerRange
	registryURL string
	dataDir     string
	metricsAddr string
}

// runDaemon wires the node, its metrics HTTP server, and process-lifetime
// signal handling through an fx app, the Go counterpart of the teacher's
// libp2p node builder's fx.Provide/lc.Append shutdown-hook idiom.
func runDaemon(dc daemonConfig) {
	app := fx.New(
		fx.Supply(dc),
		fx.Provide(newLogger, newRootKey, newNodeConfig, emo.NewNode),
		fx.Invoke(registerLifecycle, registerMetricsServer),
		fx.NopLogger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: start failed: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: stop failed: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// newRootKey loads the node's Ed25519 identity from the keyfile under
// dc.dataDir, generating and persisting a fresh one on first run.
func newRootKey(dc daemonConfig, log *zap.Logger) (ed25519.PrivateKey, error) {
	path := emo.KeyfileDir(dc.dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("fabricd: create data dir: %w", err)
	}

	if raw, err := os.ReadFile(path); err == nil {
		sk, decErr := decodeKey(raw)
		if decErr != nil {
			return nil, fmt.Errorf("fabricd: decode identity key: %w", decErr)
		}
		return sk, nil
	}

	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("fabricd: generate identity key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sk)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("fabricd: persist identity key: %w", err)
	}
	log.Sugar().Infow("generated new node identity", "path", path)
	return sk, nil
}

func decodeKey(raw []byte) (ed25519.PrivateKey, error) {
	sk, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, err
	}
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity key has wrong length %d", len(sk))
	}
	return ed25519.PrivateKey(sk), nil
}

func newNodeConfig(dc daemonConfig, rootKey ed25519.PrivateKey, log *zap.Logger) *emo.Config {
	return &emo.Config{
		LocalID:     emo.NodeId(base64.RawURLEncoding.EncodeToString(rootKey.Public().(ed25519.PublicKey))),
		Model:       dc.model,
		ModelLayers: dc.modelLayers,
		LocalLayers: dc.localLayers,
		RootKey:     rootKey,
		RegistryURL: dc.registryURL,
		DataDir:     dc.dataDir,
		Logger:      log,
	}
}

func registerLifecycle(lc fx.Lifecycle, n *emo.Node, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := n.Start(ctx); err != nil {
				return err
			}
			log.Sugar().Infow("fabricd node started", "node_id", string(n.ID()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return n.Close()
		},
	})
}

// registerMetricsServer exposes the node's prometheus metrics on
// dc.metricsAddr, started and stopped alongside the fx app.
func registerMetricsServer(lc fx.Lifecycle, dc daemonConfig, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: dc.metricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Sugar().Warnw("metrics server stopped", "err", err)
				}
			}()
			log.Sugar().Infow("metrics server listening", "addr", dc.metricsAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
