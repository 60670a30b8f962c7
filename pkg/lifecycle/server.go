/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle runs the node and its auxiliary servers until a signal
// or a fatal error.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfreeman451/btradar/pkg/grpc"
	"github.com/mfreeman451/btradar/pkg/logger"
)

const (
	MaxRecvSize     = 4 * 1024 * 1024 // 4MB
	ShutdownTimeout = 10 * time.Second
)

// Service defines the interface that all services must implement.
type Service interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// GRPCServiceRegistrar is a function type for registering gRPC services.
type GRPCServiceRegistrar func(*grpc.Server) error

// ServerOptions holds configuration for creating a server.
type ServerOptions struct {
	// ListenAddr is the gRPC health address; empty disables gRPC.
	ListenAddr           string
	ServiceName          string
	Service              Service
	Auxiliary            []Service
	RegisterGRPCServices []GRPCServiceRegistrar
	Logger               logger.Logger
	// Signals overrides the shutdown signals, mostly for tests.
	Signals <-chan os.Signal
}

// RunServer starts a service with the provided options and handles lifecycle.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := opts.Logger.WithComponent("lifecycle")
	log.Info().Str("service", opts.ServiceName).Msg("Starting service")

	grpcServer, err := setupGRPCServer(opts, log)
	if err != nil {
		return fmt.Errorf("failed to setup gRPC server: %w", err)
	}

	errChan := make(chan error, 1)

	report := func(err error) {
		select {
		case errChan <- err:
		default:
			log.Error().Err(err).Msg("Service error")
		}
	}

	for _, aux := range opts.Auxiliary {
		if err := aux.Start(ctx); err != nil {
			return fmt.Errorf("failed to start auxiliary service: %w", err)
		}
	}

	go func() {
		if err := opts.Service.Start(ctx); err != nil {
			report(err)
		}
	}()

	if grpcServer != nil {
		go func() {
			if err := grpcServer.Start(); err != nil {
				report(err)
			}
		}()
	}

	return handleShutdown(ctx, cancel, opts, grpcServer, errChan, log)
}

func setupGRPCServer(opts *ServerOptions, log logger.Logger) (*grpc.Server, error) {
	if opts.ListenAddr == "" {
		return nil, nil
	}

	grpcServer := grpc.NewServer(opts.ListenAddr, opts.Logger, grpc.WithMaxRecvSize(MaxRecvSize))

	if err := grpcServer.RegisterHealthServer(); err != nil {
		return nil, err
	}

	grpcServer.SetServing(opts.ServiceName, false)

	for _, register := range opts.RegisterGRPCServices {
		if err := register(grpcServer); err != nil {
			log.Warn().Err(err).Msg("Failed to register gRPC service")
		}
	}

	if _, err := grpcServer.Listen(); err != nil {
		return nil, err
	}

	return grpcServer, nil
}

func handleShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	opts *ServerOptions,
	grpcServer *grpc.Server,
	errChan chan error,
	log logger.Logger) error {
	sigChan := opts.Signals
	if sigChan == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

		defer signal.Stop(ch)

		sigChan = ch
	}

	var runErr error

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, initiating shutdown")
	case err := <-errChan:
		log.Error().Err(err).Msg("Received error, initiating shutdown")

		runErr = fmt.Errorf("service error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("Context canceled, initiating shutdown")

		runErr = ctx.Err()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	cancel()

	if grpcServer != nil {
		grpcServer.Stop(shutdownCtx)
	}

	var stopErrs []error

	if err := opts.Service.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during service shutdown")

		stopErrs = append(stopErrs, err)
	}

	for _, aux := range opts.Auxiliary {
		if err := aux.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error during auxiliary shutdown")

			stopErrs = append(stopErrs, err)
		}
	}

	if runErr != nil {
		return runErr
	}

	if len(stopErrs) > 0 {
		return fmt.Errorf("shutdown error: %w", errors.Join(stopErrs...))
	}

	return nil
}
