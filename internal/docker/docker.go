// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package docker answers worker:check-docker by pinging the local daemon.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

const checkTimeout = 5 * time.Second

// Checker reports whether a Docker daemon answers.
type Checker struct {
	host string
	log  zerolog.Logger
}

// NewChecker returns a checker for host, e.g. "unix:///var/run/docker.sock".
// An empty host follows DOCKER_HOST and the client defaults.
func NewChecker(host string, log zerolog.Logger) *Checker {
	return &Checker{host: host, log: logging.For(log, "docker")}
}

func (c *Checker) client() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if c.host != "" {
		opts = append(opts, client.WithHost(c.host))
	}
	return client.NewClientWithOpts(opts...)
}

// Check pings the daemon. Failure is reported in the status, never as an
// error.
func (c *Checker) Check(ctx context.Context) protocol.DockerStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cli, err := c.client()
	if err != nil {
		return protocol.DockerStatus{Message: fmt.Sprintf("docker client: %v", err)}
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		c.log.Debug().Err(err).Msg("docker ping failed")
		return protocol.DockerStatus{Message: fmt.Sprintf("docker daemon not reachable: %v", err)}
	}
	status := protocol.DockerStatus{Ready: true, Message: "Docker is ready"}
	if v, err := cli.ServerVersion(ctx); err == nil {
		status.Version = v.Version
	}
	return status
}
