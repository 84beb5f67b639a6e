// Package controller implements the driver's parent-process interface
// in-process: config reloads re-read the file, activation requests exec the
// declared service command. Requests are fire-and-forget; results come back
// through the driver's callback entry points, serialized by the daemon.
package controller

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/mowaka/brokerd/internal/config"
)

// Callbacks is the driver-side completion surface. The daemon wraps the
// driver's entry points so every callback runs under the bus lock.
type Callbacks interface {
	ReloadConfigCompleted(senderID uint64, serial uint32)
	ReloadConfigInvalid(senderID uint64, serial uint32)
	ActivationFailed(name string)
	ConfigReloaded(cfg *config.Config)
}

// Controller serves reload, environment and activation requests.
type Controller struct {
	configPath string
	callbacks  Callbacks
	services   map[string][]string
	env        []string
}

// New creates a controller reloading from configPath and launching the
// given activatable services.
func New(configPath string, services []config.ServiceConfig, callbacks Callbacks) *Controller {
	c := &Controller{
		configPath: configPath,
		callbacks:  callbacks,
		services:   make(map[string][]string),
		env:        os.Environ(),
	}
	c.SetServices(services)
	return c
}

// SetServices replaces the activatable service table (after a reload).
func (c *Controller) SetServices(services []config.ServiceConfig) {
	c.services = make(map[string][]string)
	for _, svc := range services {
		c.services[svc.Name] = svc.Exec
	}
}

// ReloadConfig re-reads the config file and reports the outcome through
// the callbacks.
func (c *Controller) ReloadConfig(uid uint32, senderID uint64, serial uint32) error {
	go func() {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			slog.Warn("config reload failed", "path", c.configPath, "error", err)
			c.callbacks.ReloadConfigInvalid(senderID, serial)
			return
		}
		c.callbacks.ConfigReloaded(cfg)
		c.callbacks.ReloadConfigCompleted(senderID, serial)
	}()
	return nil
}

// UpdateEnvironment merges pairs into the environment passed to activated
// services.
func (c *Controller) UpdateEnvironment(pairs map[string]string) error {
	for key, value := range pairs {
		c.env = append(c.env, key+"="+value)
	}
	return nil
}

// RequestServiceStart launches the service expected to take the name. A
// launch failure reports activation failure back into the driver.
func (c *Controller) RequestServiceStart(name string) error {
	argv, ok := c.services[name]
	if !ok {
		return fmt.Errorf("no service registered for %s", name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = c.env
	if err := cmd.Start(); err != nil {
		slog.Warn("service launch failed", "name", name, "error", err)
		go c.callbacks.ActivationFailed(name)
		return nil
	}
	slog.Info("service launched", "name", name, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			// The service exited without cleanly detaching; if it never
			// took the name, the activation bounces.
			slog.Warn("service exited", "name", name, "error", err)
			c.callbacks.ActivationFailed(name)
		}
	}()
	return nil
}
